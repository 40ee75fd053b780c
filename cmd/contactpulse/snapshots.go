package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/contactpulse/contactpulse/internal/config"
	"github.com/contactpulse/contactpulse/internal/db"
)

// PruneConfig holds parsed CLI options for snapshots prune.
type PruneConfig struct {
	Keep   int
	DryRun bool
	Yes    bool
}

func parsePruneFlags(args []string) (PruneConfig, error) {
	fs := flag.NewFlagSet("snapshots prune", flag.ContinueOnError)
	keep := fs.Int(
		"keep", 0,
		"Keep the newest N snapshots per team and variant",
	)
	dryRun := fs.Bool(
		"dry-run", false,
		"Show what would be pruned without deleting",
	)
	yes := fs.Bool(
		"yes", false,
		"Skip confirmation prompt",
	)
	if err := fs.Parse(args); err != nil {
		return PruneConfig{}, err
	}
	if *keep < 1 {
		return PruneConfig{}, errors.New("-keep must be at least 1")
	}
	return PruneConfig{Keep: *keep, DryRun: *dryRun, Yes: *yes}, nil
}

// ListConfig holds parsed CLI options for listing snapshots.
type ListConfig struct {
	Filter db.SnapshotFilter
}

func parseListFlags(args []string) (ListConfig, error) {
	fs := flag.NewFlagSet("snapshots", flag.ContinueOnError)
	team := fs.String("team", "", "Only this team")
	limit := fs.Int("limit", 20, "Rows to show")
	if err := fs.Parse(args); err != nil {
		return ListConfig{}, err
	}
	if *limit < 1 {
		return ListConfig{}, errors.New("-limit must be at least 1")
	}
	return ListConfig{
		Filter: db.SnapshotFilter{Team: *team, Limit: *limit},
	}, nil
}

// Pruner executes the prune workflow against a database.
type Pruner struct {
	DB  *db.DB
	Out io.Writer
	In  io.Reader
}

// Prune deletes all but the newest cfg.Keep snapshots of every
// key.
func (p *Pruner) Prune(ctx context.Context, cfg PruneConfig) error {
	n, err := p.DB.CountPrunable(ctx, cfg.Keep)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(p.Out, "No snapshots to prune.")
		return nil
	}
	fmt.Fprintf(p.Out,
		"%d snapshot(s) are older than the newest %d per team.\n",
		n, cfg.Keep)

	if cfg.DryRun {
		fmt.Fprintln(p.Out, "\nDry run: no changes made.")
		return nil
	}

	if !cfg.Yes {
		msg := fmt.Sprintf("\nDelete %d snapshots?", n)
		if !confirm(p.In, p.Out, msg) {
			fmt.Fprintln(p.Out, "Aborted.")
			return nil
		}
	}

	deleted, err := p.DB.PruneSnapshots(cfg.Keep)
	if err != nil {
		return fmt.Errorf("pruning: %w", err)
	}
	fmt.Fprintf(p.Out, "\nDeleted %d snapshots\n", deleted)
	return nil
}

func confirm(r io.Reader, w io.Writer, msg string) bool {
	fmt.Fprintf(w, "%s [y/N] ", msg)
	scanner := bufio.NewScanner(r)
	scanner.Scan()
	ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return ans == "y" || ans == "yes"
}

func writeSnapshots(w io.Writer, snaps []db.Snapshot) error {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No snapshots stored.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTEAM\tFOLLOWING\tFETCHED\tUSERS\tCONTACTS\tHASH")
	for _, s := range snaps {
		following := "no"
		if s.IncludeFollowing {
			following = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.Team, following,
			s.FetchedAt.Local().Format(time.DateTime),
			s.UserCount, s.TotalContacts, shortHash(s.PayloadHash))
	}
	return tw.Flush()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func runSnapshots(args []string) {
	prune := len(args) > 0 && args[0] == "prune"

	var (
		listCfg  ListConfig
		pruneCfg PruneConfig
		err      error
	)
	if prune {
		pruneCfg, err = parsePruneFlags(args[1:])
	} else {
		listCfg, err = parseListFlags(args)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	appCfg, err := config.LoadMinimal()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	database, err := db.Open(appCfg.DBPath)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	if prune {
		pruner := &Pruner{DB: database, Out: os.Stdout, In: os.Stdin}
		if err := pruner.Prune(ctx, pruneCfg); err != nil {
			log.Fatalf("prune: %v", err)
		}
		return
	}

	snaps, err := database.ListSnapshots(ctx, listCfg.Filter)
	if err != nil {
		log.Fatalf("listing snapshots: %v", err)
	}
	if err := writeSnapshots(os.Stdout, snaps); err != nil {
		log.Fatalf("writing snapshots: %v", err)
	}
}
