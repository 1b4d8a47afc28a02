// Command scrobble-vault imports, archives, and serves listening history.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/justestif/go-scrobble-vault/internal/config"
	"github.com/justestif/go-scrobble-vault/internal/db"
	"github.com/justestif/go-scrobble-vault/internal/enrich"
	"github.com/justestif/go-scrobble-vault/internal/importer"
	"github.com/justestif/go-scrobble-vault/internal/lastfm"
	"github.com/justestif/go-scrobble-vault/internal/library"
	"github.com/justestif/go-scrobble-vault/internal/logging"
	"github.com/justestif/go-scrobble-vault/internal/web"
)

const usage = `Usage: scrobble-vault [-config path] <command> [args]

Commands:
  serve              run the HTTP API server
  import <username>  import full listening history (-tier quick|standard|deep)
  sync               fetch plays newer than the last import
  search <query>     search both storage tiers
  promote <id>       expand an archive entry into the active tier
  prune              drop archive entries covered by the active tier
  status             show the state of the current or last import
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg      *config.Config
	log      *zap.Logger
	database *db.DB
	importer *importer.Importer
	enricher *enrich.Service
	facade   *library.Facade
}

func run() error {
	fs := flag.NewFlagSet("scrobble-vault", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		return fmt.Errorf("no command given")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	client := lastfm.NewClient(&lastfm.Config{
		APIKey:          cfg.Lastfm.APIKey,
		BaseURL:         cfg.Lastfm.BaseURL,
		RequestInterval: cfg.Lastfm.RequestInterval(),
		MaxRetries:      uint64(cfg.Lastfm.MaxRetries),
	})

	enricher := enrich.NewService(client, database.Tracks(), log,
		enrich.WithConcurrency(cfg.Enrich.Concurrency))

	imp := importer.New(client, importer.NewStores(database), log,
		importer.WithOptimizer(database),
		importer.WithEnricher(enricher))

	a := &app{
		cfg:      cfg,
		log:      log,
		database: database,
		importer: imp,
		enricher: enricher,
		facade:   library.NewFacade(database.Tracks(), database.Archive(), log),
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "serve":
		return a.serve()
	case "import":
		return a.runImport(ctx, rest)
	case "sync":
		return a.runSync(ctx)
	case "search":
		return a.runSearch(ctx, rest)
	case "promote":
		return a.runPromote(ctx, rest)
	case "prune":
		return a.runPrune(ctx)
	case "status":
		return a.runStatus(ctx)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) serve() error {
	handlers := web.NewHandlers(a.importer, a.facade, a.database.Archive(), a.log)
	server := web.NewServer(web.ServerConfig{Addr: a.cfg.Addr}, handlers, a.log)
	err := server.Run()
	a.enricher.Wait()
	return err
}

func (a *app) runImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	tierName := fs.String("tier", a.cfg.DefaultTier, "import tier: quick, standard, or deep")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: import [-tier name] <username>")
	}
	username := fs.Arg(0)

	tier, err := importer.TierByName(*tierName)
	if err != nil {
		return err
	}

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case p := <-a.importer.Tracker().Updates():
				printProgress(p)
			case <-quit:
				return
			}
		}
	}()

	res, runErr := a.importer.Run(ctx, username, tier)
	a.enricher.Wait()
	close(quit)
	<-done

	if res != nil {
		fmt.Printf("\nevents: %d  tracks: %d  archived: %d  duplicates: %d\n",
			res.EventsImported, res.TracksCreated, res.ArchivedTracks, res.DuplicatesSkipped)
		if res.Partial {
			fmt.Println("import stopped early; rerun to resume")
		}
	}
	return runErr
}

func printProgress(p importer.Progress) {
	switch p.Stage {
	case importer.StageDiscovering:
		fmt.Printf("\rdiscovering %s page %d/%d      ", p.Phase, p.CurrentPage, p.TotalPages)
	case importer.StageImporting:
		fmt.Printf("\rpage %d/%d  events %d  archived %d      ",
			p.CurrentPage, p.TotalPages, p.EventsCreated, p.Archived)
	case importer.StageRateLimited:
		fmt.Printf("\rrate limited, retrying in %s      ", p.RetryAfter)
	case importer.StageCompleted:
		fmt.Printf("\rdone: %d events, %d archived          \n", p.EventsCreated, p.Archived)
	case importer.StageFailed:
		fmt.Printf("\rfailed: %v\n", p.Err)
	}
}

func (a *app) runSync(ctx context.Context) error {
	res, err := a.importer.SyncRecent(ctx)
	if err != nil {
		return err
	}
	a.enricher.Wait()
	fmt.Printf("synced: %d new events, %d duplicates skipped\n",
		res.EventsImported, res.DuplicatesSkipped)
	return nil
}

func (a *app) runSearch(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: search <query>")
	}

	results, err := a.facade.Search(ctx, args[0], 0)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no matches")
		return nil
	}

	for _, r := range results {
		marker := " "
		if r.Loved {
			marker = "*"
		}
		fmt.Printf("%s %-7s %5d plays  %s - %s\n", marker, r.Tier, r.PlayCount, r.Artist, r.Title)
	}
	return nil
}

func (a *app) runPromote(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: promote <archive-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid archive id %q", args[0])
	}

	track, events, err := a.importer.Promote(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("promoted %s - %s (%d events)\n", track.Artist, track.Title, events)
	return nil
}

func (a *app) runPrune(ctx context.Context) error {
	pruned, err := a.importer.Prune(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d archive entries\n", pruned)
	return nil
}

func (a *app) runStatus(ctx context.Context) error {
	if user, err := a.database.Settings().Get(ctx, db.SettingConnectedUser); err == nil {
		fmt.Printf("connected user: %s\n", user)
	}

	run, err := a.database.ImportRuns().GetUnfinished(ctx)
	if err == nil {
		fmt.Printf("run %s (%s): %s, page %d/%d, %d events\n",
			run.ID, run.Tier, run.Status, run.PageCursor, run.TotalPages, run.EventsImported)
		return nil
	}

	run, err = a.database.ImportRuns().LastCompleted(ctx)
	if err != nil {
		fmt.Println("no imports yet")
		return nil
	}

	cursor := "unset"
	if run.SyncCursor != nil {
		cursor = run.SyncCursor.Format(time.RFC3339)
	}
	fmt.Printf("last import %s (%s): %d events, %d tracks, %d archived, cursor %s\n",
		run.ID, run.Tier, run.EventsImported, run.TracksCreated, run.ArchivedTracks, cursor)

	if stats, err := a.database.Archive().Stats(ctx); err == nil {
		fmt.Printf("archive: %d entries, %d plays, %d bytes compressed\n",
			stats.Entries, stats.TotalPlays, stats.BlobBytes)
	}
	return nil
}
