package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/contactpulse/contactpulse/internal/config"
	"github.com/contactpulse/contactpulse/internal/dashboard"
	"github.com/contactpulse/contactpulse/internal/db"
	"github.com/contactpulse/contactpulse/internal/metrics"
	"github.com/contactpulse/contactpulse/internal/payload"
	"github.com/contactpulse/contactpulse/internal/source"
)

const reportPayload = `{
	"users": ["alice", "bob", "carol"],
	"hourlyData": {
		"alice": {"9": {"total": 4, "days": ["2024-06-03", "2024-06-04"]}},
		"bob":   {"10": {"total": 1, "days": ["2024-06-03"]}}
	},
	"weeklyData": {
		"alice": {"Monday": 2, "Tuesday": 2},
		"bob":   {"Monday": 1}
	},
	"dailyData": {"alice": {"2024-06-03": 2, "2024-06-04": 2}},
	"detailedData": {
		"alice": [
			{"id": "a1", "date_created": "2024-06-03T09:00:00Z", "origin_type": "Follow", "project_username": "acme"},
			{"id": "a2", "date_created": "2024-06-04T09:30:00Z", "origin_type": "Comment", "project_username": "acme"}
		]
	}
}`

func TestMustLoadConfig(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantHost string
		wantPort int
	}{
		{"DefaultArgs", []string{}, "127.0.0.1", 8090},
		{"ExplicitFlags", []string{"-host", "0.0.0.0", "-port", "9090"}, "0.0.0.0", 9090},
		{"PartialFlags", []string{"-port", "3000"}, "127.0.0.1", 3000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONTACTPULSE_DATA_DIR", t.TempDir())
			cfg := mustLoadConfig(tt.args)

			if cfg.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", cfg.Host, tt.wantHost)
			}
			if cfg.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", cfg.Port, tt.wantPort)
			}
			wantDBPath := filepath.Join(cfg.DataDir, "snapshots.db")
			if cfg.DBPath != wantDBPath {
				t.Errorf("DBPath = %q, want %q", cfg.DBPath, wantDBPath)
			}
		})
	}
}

func TestNewSourcePrefersURL(t *testing.T) {
	cfg := config.Config{SourceURL: "http://example.invalid", PayloadDir: t.TempDir()}
	if _, ok := newSource(cfg).(*source.HTTPSource); !ok {
		t.Errorf("expected HTTP source when URL is set")
	}
	cfg.SourceURL = ""
	if _, ok := newSource(cfg).(*source.DirSource); !ok {
		t.Errorf("expected dir source without URL")
	}
}

func TestTeamKeys(t *testing.T) {
	got := teamKeys([]string{"acme"})
	want := []dashboard.Key{
		{Team: "acme"}, {Team: "acme", IncludeFollowing: true},
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("teamKeys = %v, want %v", got, want)
	}
	if len(teamKeys(nil)) != 0 {
		t.Error("expected no keys")
	}
}

func TestParseReportFlags(t *testing.T) {
	rc, fs, err := parseReportFlags([]string{
		"-team", "acme", "-following", "-user", "alice", "-tz", "UTC",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := ReportConfig{Team: "acme", Following: true, User: "alice"}
	if rc != want {
		t.Errorf("ReportConfig = %+v, want %+v", rc, want)
	}
	if fs.Lookup("tz").Value.String() != "UTC" {
		t.Error("source flags not registered")
	}

	if _, _, err := parseReportFlags(nil); err == nil {
		t.Error("expected error without -team or -file")
	}

	rc, _, err = parseReportFlags([]string{"-team", "acme", "-stored"})
	if err != nil || !rc.Stored {
		t.Errorf("-stored: rc = %+v, err = %v", rc, err)
	}
	for _, args := range [][]string{
		{"-file", "p.json", "-stored"},
		{"-team", "acme", "-file", "p.json", "-stored"},
	} {
		if _, _, err := parseReportFlags(args); err == nil {
			t.Errorf("args %v: expected error", args)
		}
	}
}

func computeReport(t *testing.T) *metrics.Result {
	t.Helper()
	p, err := payload.Decode([]byte(reportPayload), time.UTC)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return metrics.Compute(p, metrics.Options{
		Location: time.UTC,
		Now: func() time.Time {
			return time.Date(2024, 6, 4, 18, 0, 0, 0, time.UTC)
		},
	})
}

func TestWriteReport(t *testing.T) {
	res := computeReport(t)

	var buf bytes.Buffer
	if err := writeReport(&buf, res, ReportConfig{Team: "acme"}); err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Team acme (follows excluded)",
		"Users: 3  Contacts: 2",
		"Peak hour: 09:00",
		"Most active: 2024-06-03 (1)",
		"1. alice",
		"RANK",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	// carol has no data and prints placeholders.
	var carol string
	for line := range strings.Lines(out) {
		if strings.Contains(line, "carol") {
			carol = line
		}
	}
	if !strings.Contains(carol, "-") {
		t.Errorf("carol row = %q", carol)
	}
}

func TestWriteReportUserDetail(t *testing.T) {
	res := computeReport(t)

	var buf bytes.Buffer
	err := writeReport(&buf, res, ReportConfig{Team: "acme", User: "alice"})
	if err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"User alice",
		"Contacts today: 2",
		"09:00",
		"This month: 4 day(s), 4 below target",
		"a2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}

	err = writeReport(&bytes.Buffer{}, res, ReportConfig{Team: "acme", User: "mallory"})
	if err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestLoadReportPayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acme.json")
	if err := os.WriteFile(path, []byte(reportPayload), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ctx := context.Background()

	data, err := loadReportPayload(ctx, config.Config{}, ReportConfig{File: path})
	if err != nil || len(data) == 0 {
		t.Fatalf("file payload: %v", err)
	}

	data, err = loadReportPayload(ctx, config.Config{PayloadDir: dir}, ReportConfig{Team: "acme"})
	if err != nil || len(data) == 0 {
		t.Fatalf("dir payload: %v", err)
	}

	if _, err := loadReportPayload(ctx, config.Config{}, ReportConfig{Team: "acme"}); err == nil {
		t.Error("expected error without a source")
	}
}

func TestLoadReportPayloadStored(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snapshots.db")
	d, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	_, _, err = d.InsertSnapshot(db.Snapshot{
		Team:      "acme",
		FetchedAt: time.Date(2024, 6, 4, 9, 0, 0, 0, time.UTC),
		Payload:   []byte(reportPayload),
	})
	if err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	d.Close()

	ctx := context.Background()
	cfg := config.Config{DBPath: dbPath}

	data, err := loadReportPayload(ctx, cfg, ReportConfig{Team: "acme", Stored: true})
	if err != nil {
		t.Fatalf("stored payload: %v", err)
	}
	if string(data) != reportPayload {
		t.Errorf("payload = %q", data)
	}

	_, err = loadReportPayload(ctx, cfg, ReportConfig{
		Team: "acme", Following: true, Stored: true,
	})
	if err == nil || !strings.Contains(err.Error(), "no stored snapshot for acme+following") {
		t.Errorf("error = %v", err)
	}
}
