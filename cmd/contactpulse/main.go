package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/contactpulse/contactpulse/internal/auth"
	"github.com/contactpulse/contactpulse/internal/config"
	"github.com/contactpulse/contactpulse/internal/dashboard"
	"github.com/contactpulse/contactpulse/internal/db"
	"github.com/contactpulse/contactpulse/internal/server"
	"github.com/contactpulse/contactpulse/internal/source"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

const (
	watcherDebounce = 500 * time.Millisecond
	shutdownTimeout = 10 * time.Second
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "report":
			runReport(os.Args[2:])
			return
		case "snapshots":
			runSnapshots(os.Args[2:])
			return
		case "hash-password":
			runHashPassword()
			return
		case "version", "--version", "-v":
			fmt.Printf("contactpulse %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`contactpulse %s - team contact analytics

Fetches per-team follow/comment payloads, ranks accounts, and
serves team summaries and per-user breakdowns over a JSON API.

Usage:
  contactpulse [flags]              Start the server (default command)
  contactpulse serve [flags]        Start the server (explicit)
  contactpulse report [flags]       Print a one-shot text report
  contactpulse snapshots [flags]    List stored payload snapshots
  contactpulse snapshots prune      Delete old snapshots
  contactpulse hash-password        Hash a password read from stdin
  contactpulse version              Show version information
  contactpulse help                 Show this help

Server flags:
  -host string              Host to bind to (default "127.0.0.1")
  -port int                 Port to listen on (default 8090)
  -users-file string        JSON file of API users
  -teams string             Comma-separated teams to refresh on a schedule
  -refresh-interval dur     Refresh period, 0 disables (default 5m)

Source flags (serve and report):
  -source-url string        Upstream analytics endpoint
  -payload-dir string       Directory of <team>.json payload files
  -tz string                Time zone for hour and date buckets
  -tie-policy string        Rank ties: shared, dense, or ordinal

Report flags:
  -team string              Team to report on
  -following                Include follow events
  -user string              Also print one user's breakdown
  -file string              Read the payload from a file
  -stored                   Use the newest stored snapshot instead of fetching

Snapshot flags:
  -team string              Only this team
  -limit int                Rows to show (default 20)
  prune -keep N             Keep the newest N per team and variant
  prune -dry-run            Show what would be pruned
  prune -yes                Skip confirmation prompt

Environment variables:
  CONTACTPULSE_DATA_DIR     Data directory (database, config, users)
  CONTACTPULSE_SOURCE_URL   Upstream analytics endpoint
  CONTACTPULSE_PAYLOAD_DIR  Payload directory
  CONTACTPULSE_TIMEZONE     Time zone for buckets

Settings may also live in a .env file in the working directory or
the data directory. Data is stored in ~/.contactpulse/ by default.
`, version)
}

func runServe(args []string) {
	cfg := mustLoadConfig(args)
	if !cfg.HasSource() {
		log.Fatalf("no payload source: set -source-url or -payload-dir")
	}
	users, err := auth.LoadFile(cfg.UsersFile)
	if err != nil {
		log.Fatalf("loading users: %v", err)
	}
	database := mustOpenDB(cfg)
	defer database.Close()

	opts, err := cfg.MetricsOptions()
	if err != nil {
		log.Fatalf("metrics options: %v", err)
	}
	src := newSource(cfg)
	ctrl := dashboard.New(src, opts, dashboard.WithStore(database))

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	warmStart(ctx, ctrl, cfg)

	if dir, ok := src.(*source.DirSource); ok {
		stopWatcher := startPayloadWatcher(ctx, dir, ctrl)
		defer stopWatcher()
	}

	keys := teamKeys(cfg.Teams)
	go ctrl.Run(ctx, cfg.RefreshInterval, keys...)
	go pruneLoop(ctx, database, cfg)

	port := server.FindAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		fmt.Printf("Port %d in use, using %d\n", cfg.Port, port)
	}
	cfg.Port = port

	srv := server.New(cfg, ctrl, users, database,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
	)

	fmt.Printf("contactpulse %s listening at http://%s:%d (%d users)\n",
		version, cfg.Host, cfg.Port, users.Len())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func mustLoadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("contactpulse", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: contactpulse [serve] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

func mustOpenDB(cfg config.Config) *db.DB {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	return database
}

// newSource prefers the upstream URL over the payload directory.
func newSource(cfg config.Config) source.Source {
	if cfg.SourceURL != "" {
		return source.NewHTTPSource(cfg.SourceURL, cfg.FetchTimeout)
	}
	return source.NewDirSource(cfg.PayloadDir)
}

// teamKeys expands team names into both dashboard variants.
func teamKeys(teams []string) []dashboard.Key {
	keys := make([]dashboard.Key, 0, 2*len(teams))
	for _, t := range teams {
		keys = append(keys,
			dashboard.Key{Team: t},
			dashboard.Key{Team: t, IncludeFollowing: true},
		)
	}
	return keys
}

func warmStart(
	ctx context.Context, ctrl *dashboard.Controller, cfg config.Config,
) {
	n, err := ctrl.Warm(ctx)
	if err != nil {
		log.Printf("warm start: %v", err)
	} else if n > 0 {
		fmt.Printf("Loaded %d stored view(s)\n", n)
	}

	if len(cfg.Teams) == 0 {
		return
	}
	fmt.Printf("Fetching %d team(s)...\n", len(cfg.Teams))
	if err := ctrl.RefreshAll(ctx, teamKeys(cfg.Teams)...); err != nil {
		// Failures were sent to the sink; serve what we have.
		log.Printf("initial refresh incomplete")
	}
}

func startPayloadWatcher(
	ctx context.Context, dir *source.DirSource,
	ctrl *dashboard.Controller,
) func() {
	w, err := source.NewWatcher(dir, watcherDebounce,
		func(reqs []source.Request) {
			ctrl.Invalidate(ctx, reqs)
		},
	)
	if err != nil {
		log.Printf("warning: payload watcher unavailable: %v", err)
		return func() {}
	}
	w.Start()
	return w.Stop
}

// pruneLoop trims the snapshot history after each refresh
// period.
func pruneLoop(ctx context.Context, database *db.DB, cfg config.Config) {
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := database.PruneSnapshots(cfg.KeepSnapshots)
			if err != nil {
				log.Printf("pruning snapshots: %v", err)
			} else if n > 0 {
				log.Printf("pruned %d snapshot(s)", n)
			}
		}
	}
}

func runHashPassword() {
	fmt.Fprint(os.Stderr, "Password: ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	pw := strings.TrimRight(scanner.Text(), "\r\n")
	if pw == "" {
		fmt.Fprintln(os.Stderr, "error: empty password")
		os.Exit(1)
	}
	hash, err := auth.HashPassword(pw)
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Println(hash)
}
