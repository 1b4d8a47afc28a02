package importer

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a named threshold preset controlling active/archive classification.
type Tier struct {
	Name              string
	TopTracksCount    int
	RecentMonths      int
	EstimatedCoverage int // rough percent of plays expected to land in the active tier
}

// Built-in tier presets, in ascending order of depth.
var (
	TierQuick    = Tier{Name: "QUICK", TopTracksCount: 100, RecentMonths: 3, EstimatedCoverage: 60}
	TierStandard = Tier{Name: "STANDARD", TopTracksCount: 500, RecentMonths: 6, EstimatedCoverage: 85}
	TierDeep     = Tier{Name: "DEEP", TopTracksCount: 2000, RecentMonths: 12, EstimatedCoverage: 95}
)

// Tiers returns the available presets.
func Tiers() []Tier {
	return []Tier{TierQuick, TierStandard, TierDeep}
}

// TierByName resolves a preset by case-insensitive name.
func TierByName(name string) (Tier, error) {
	for _, t := range Tiers() {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("unknown tier %q", name)
}

// RecencyCutoff returns the instant before which plays fall outside this
// tier's recent window.
func (t Tier) RecencyCutoff(now time.Time) time.Time {
	return now.AddDate(0, -t.RecentMonths, 0)
}
