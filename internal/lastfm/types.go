package lastfm

import "strconv"

// Play is one historical scrobble pulled from the remote service.
type Play struct {
	Title      string
	Artist     string
	Album      string
	MBID       string
	Timestamp  int64 // milliseconds since epoch; zero when unresolvable
	ArtworkURL string
	NowPlaying bool
}

// RecentTracksPage is one page of a user's play history.
type RecentTracksPage struct {
	Plays      []Play
	Page       int
	TotalPages int
	Total      int
}

// LovedTrack is one entry from the user's loved-tracks list.
type LovedTrack struct {
	Title  string
	Artist string
}

// LovedTracksPage is one page of loved tracks.
type LovedTracksPage struct {
	Tracks     []LovedTrack
	Page       int
	TotalPages int
	Total      int
}

// TopTrack is one entry from the user's all-time top tracks.
type TopTrack struct {
	Title     string
	Artist    string
	PlayCount int
}

// TopTracksPage is one page of top tracks.
type TopTracksPage struct {
	Tracks     []TopTrack
	Page       int
	TotalPages int
	Total      int
}

// TrackInfo is per-track metadata used by enrichment.
type TrackInfo struct {
	Title      string
	Artist     string
	DurationMS int
	ArtworkURL string
}

// UserInfo is the profile summary used as a discovery pre-flight.
type UserInfo struct {
	Name      string
	PlayCount int
}

// pageAttr carries pagination metadata; all values arrive as strings.
type pageAttr struct {
	Page       string `json:"page"`
	TotalPages string `json:"totalPages"`
	Total      string `json:"total"`
}

type textField struct {
	Text string `json:"#text"`
	MBID string `json:"mbid,omitempty"`
}

type imageField struct {
	Size string `json:"size"`
	URL  string `json:"#text"`
}

type recentTracksResponse struct {
	RecentTracks struct {
		Track []struct {
			Name   string       `json:"name"`
			MBID   string       `json:"mbid"`
			Artist textField    `json:"artist"`
			Album  textField    `json:"album"`
			Image  []imageField `json:"image"`
			Date   struct {
				UTS string `json:"uts"`
			} `json:"date"`
			Attr struct {
				NowPlaying string `json:"nowplaying"`
			} `json:"@attr"`
		} `json:"track"`
		Attr pageAttr `json:"@attr"`
	} `json:"recenttracks"`
}

type lovedTracksResponse struct {
	LovedTracks struct {
		Track []struct {
			Name   string `json:"name"`
			Artist struct {
				Name string `json:"name"`
			} `json:"artist"`
		} `json:"track"`
		Attr pageAttr `json:"@attr"`
	} `json:"lovedtracks"`
}

type topTracksResponse struct {
	TopTracks struct {
		Track []struct {
			Name      string `json:"name"`
			PlayCount string `json:"playcount"`
			Artist    struct {
				Name string `json:"name"`
			} `json:"artist"`
		} `json:"track"`
		Attr pageAttr `json:"@attr"`
	} `json:"toptracks"`
}

type trackInfoResponse struct {
	Track struct {
		Name     string `json:"name"`
		Duration string `json:"duration"` // milliseconds as string
		Artist   struct {
			Name string `json:"name"`
		} `json:"artist"`
		Album struct {
			Image []imageField `json:"image"`
		} `json:"album"`
	} `json:"track"`
}

type userInfoResponse struct {
	User struct {
		Name      string `json:"name"`
		PlayCount string `json:"playcount"`
	} `json:"user"`
}

// apiErrorResponse is the embedded error body the API returns on HTTP 200.
type apiErrorResponse struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (a pageAttr) page() int       { return atoi(a.Page) }
func (a pageAttr) totalPages() int { return atoi(a.TotalPages) }
func (a pageAttr) total() int      { return atoi(a.Total) }

// largestImage picks the last non-empty image URL; sizes are ordered
// small to extralarge in API responses.
func largestImage(images []imageField) string {
	url := ""
	for _, img := range images {
		if img.URL != "" {
			url = img.URL
		}
	}
	return url
}
