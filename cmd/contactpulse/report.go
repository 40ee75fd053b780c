package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/contactpulse/contactpulse/internal/config"
	"github.com/contactpulse/contactpulse/internal/db"
	"github.com/contactpulse/contactpulse/internal/metrics"
	"github.com/contactpulse/contactpulse/internal/payload"
	"github.com/contactpulse/contactpulse/internal/source"
)

// ReportConfig holds parsed CLI options for the report command.
type ReportConfig struct {
	Team      string
	Following bool
	User      string
	File      string
	Stored    bool
}

// recentInReport caps the recent-event list printed per user.
const recentInReport = 10

func parseReportFlags(
	args []string,
) (ReportConfig, *flag.FlagSet, error) {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	config.RegisterSourceFlags(fs)
	team := fs.String("team", "", "Team to report on")
	following := fs.Bool("following", false, "Include follow events")
	user := fs.String("user", "", "Also print one user's breakdown")
	file := fs.String("file", "", "Read the payload from a file")
	stored := fs.Bool("stored", false, "Report on the newest stored snapshot")

	if err := fs.Parse(args); err != nil {
		return ReportConfig{}, nil, err
	}
	rc := ReportConfig{
		Team:      *team,
		Following: *following,
		User:      *user,
		File:      *file,
		Stored:    *stored,
	}
	if rc.Team == "" && rc.File == "" {
		return ReportConfig{}, nil, errors.New(
			"-team or -file is required",
		)
	}
	if rc.Stored && (rc.Team == "" || rc.File != "") {
		return ReportConfig{}, nil, errors.New(
			"-stored needs -team and cannot be combined with -file",
		)
	}
	return rc, fs, nil
}

// loadReportPayload reads the payload from rc.File, the snapshot
// store, or the configured source.
func loadReportPayload(
	ctx context.Context, cfg config.Config, rc ReportConfig,
) ([]byte, error) {
	if rc.Stored {
		return loadStoredPayload(ctx, cfg.DBPath, rc)
	}
	if rc.File != "" {
		data, err := os.ReadFile(rc.File)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		return data, nil
	}
	if !cfg.HasSource() {
		return nil, errors.New(
			"no payload source: set -source-url, -payload-dir or -file",
		)
	}
	return newSource(cfg).Fetch(ctx, source.Request{
		Team: rc.Team, IncludeFollowing: rc.Following,
	})
}

func loadStoredPayload(
	ctx context.Context, dbPath string, rc ReportConfig,
) ([]byte, error) {
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	snap, err := database.LatestSnapshot(ctx, rc.Team, rc.Following)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		req := source.Request{Team: rc.Team, IncludeFollowing: rc.Following}
		return nil, fmt.Errorf("no stored snapshot for %s", req)
	}
	return snap.Payload, nil
}

func runReport(args []string) {
	rc, fs, err := parseReportFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	opts, err := cfg.MetricsOptions()
	if err != nil {
		log.Fatalf("metrics options: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.FetchTimeout)
	defer cancel()
	data, err := loadReportPayload(ctx, cfg, rc)
	if err != nil {
		log.Fatalf("loading payload: %v", err)
	}
	p, err := payload.Decode(data, opts.Location)
	if err != nil {
		log.Fatalf("decoding payload: %v", err)
	}

	res := metrics.Compute(p, opts)
	if err := writeReport(os.Stdout, res, rc); err != nil {
		log.Fatalf("report: %v", err)
	}
}

func hourLabel(h *int) string {
	if h == nil {
		return "n/a"
	}
	return fmt.Sprintf("%02d:00", *h)
}

// writeReport prints the team summary, the ranked roster and,
// when rc.User is set, that user's breakdown.
func writeReport(
	w io.Writer, res *metrics.Result, rc ReportConfig,
) error {
	s := res.Summary
	title := rc.Team
	if title == "" {
		title = rc.File
	}
	variant := "follows excluded"
	if rc.Following {
		variant = "follows included"
	}
	fmt.Fprintf(w, "Team %s (%s)\n\n", title, variant)
	fmt.Fprintf(w, "Users: %d  Contacts: %d  Avg/user: %.2f  Avg/day: %.2f  Avg/hour: %s\n",
		s.TotalUsers, s.TotalContacts,
		s.AverageContactsPerUser, s.AverageContactsPerDay,
		s.AverageContactsPerHour)
	mostActive := "n/a"
	if s.MostActiveDate != nil {
		mostActive = fmt.Sprintf("%s (%d)",
			s.MostActiveDate.Date, s.MostActiveDate.Count)
	}
	fmt.Fprintf(w, "Peak hour: %s  Busiest hour: %s  First contact: %s  Most active: %s\n",
		hourLabel(s.PeakHour), hourLabel(s.GlobalPeakActivityHour),
		hourLabel(s.GlobalFirstContactHour), mostActive)

	if len(s.TopPerformers) > 0 {
		fmt.Fprintln(w, "\nTop performers:")
		for i, tp := range s.TopPerformers {
			fmt.Fprintf(w, "  %d. %-30s %d\n", i+1, tp.Username, tp.Contacts)
		}
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tUSER\tWEEKLY\tPCTL\tSTARS\tPER HOUR\tCONSISTENCY")
	for _, st := range res.Ranked {
		m := res.Users[st.Username]
		if m == nil {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%.2f\t-\t-\t-\n",
				st.Rank, st.Username, st.Total, st.Percentile)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%.2f\t%d\t%s\t%.2f%%\n",
			st.Rank, st.Username, st.Total, st.Percentile,
			m.Stars(), m.ContactsPerHour, m.ConsistencyScore)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if rc.User == "" {
		return nil
	}
	d, ok := res.Detail(rc.User)
	if !ok {
		return fmt.Errorf("user %q is not on the roster", rc.User)
	}
	return writeUserDetail(w, d)
}

func writeUserDetail(w io.Writer, d metrics.UserDetail) error {
	fmt.Fprintf(w, "\nUser %s\n", d.Username)
	if m := d.Metrics; m != nil {
		fmt.Fprintf(w, "Rank %d (%.2f%%, %d/5 stars)  Hours worked: %d  First hour: %s  Peak hour: %s\n",
			m.UserRank, m.UserPercentile, d.Stars, m.HoursWorked,
			hourLabel(m.FirstHour), hourLabel(m.PeakHour))
	} else {
		fmt.Fprintln(w, "No hourly or weekly data.")
	}
	fmt.Fprintf(w, "Contacts today: %d\n", d.ContactsToday)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if len(d.HourlyByType) > 0 {
		fmt.Fprintln(tw, "\nHOUR\tFOLLOW\tCOMMENT\tTOTAL\tDAYS")
		for _, h := range d.HourlyByType {
			fmt.Fprintf(tw, "%02d:00\t%.2f\t%.2f\t%.2f\t%d\n",
				h.Hour, h.Follow, h.Comment, h.Total, h.Days)
		}
	}
	fmt.Fprintln(tw, "\nDAY\tWEEKLY\tFOLLOW\tCOMMENT")
	for i, wt := range d.WeekdayTotals {
		bt := d.WeekdayByType[i]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n",
			wt.Day, wt.Count, bt.Follow, bt.Comment)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	below := 0
	for _, day := range d.History {
		if day.BelowTarget {
			below++
		}
	}
	fmt.Fprintf(w, "\nThis month: %d day(s), %d below target\n",
		len(d.History), below)

	if len(d.Recent) > 0 {
		fmt.Fprintln(w, "\nRecent contacts:")
		for i, e := range d.Recent {
			if i == recentInReport {
				break
			}
			fmt.Fprintf(w, "  %s  %-8s %s\n",
				e.DateCreated, e.OriginType, e.ID)
		}
	}
	return nil
}
