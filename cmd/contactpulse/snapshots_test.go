package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/contactpulse/contactpulse/internal/db"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func seedSnapshots(t *testing.T, d *db.DB, team string, n int) {
	t.Helper()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := range n {
		_, _, err := d.InsertSnapshot(db.Snapshot{
			Team:      team,
			FetchedAt: base.Add(time.Duration(i) * time.Hour),
			UserCount: i,
			Payload:   []byte{byte('a' + i)},
		})
		if err != nil {
			t.Fatalf("InsertSnapshot: %v", err)
		}
	}
}

func newTestPruner(
	t *testing.T, d *db.DB, input string,
) (*Pruner, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	return &Pruner{DB: d, Out: buf, In: strings.NewReader(input)}, buf
}

func countSnapshots(t *testing.T, d *db.DB) int {
	t.Helper()
	snaps, err := d.ListSnapshots(context.Background(), db.SnapshotFilter{})
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	return len(snaps)
}

func TestParsePruneFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    PruneConfig
		wantErr string
	}{
		{"missing keep", []string{}, PruneConfig{}, "-keep must be at least 1"},
		{"keep", []string{"-keep", "3"}, PruneConfig{Keep: 3}, ""},
		{"all flags", []string{"-keep", "1", "-dry-run", "-yes"},
			PruneConfig{Keep: 1, DryRun: true, Yes: true}, ""},
		{"unknown flag", []string{"--bogus"}, PruneConfig{}, "flag provided but not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parsePruneFlags(tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg != tt.want {
				t.Errorf("cfg = %+v, want %+v", cfg, tt.want)
			}
		})
	}
}

func TestParsePruneFlagsHelp(t *testing.T) {
	_, err := parsePruneFlags([]string{"--help"})
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
}

func TestParseListFlags(t *testing.T) {
	cfg, err := parseListFlags([]string{"-team", "acme", "-limit", "5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Filter.Team != "acme" || cfg.Filter.Limit != 5 {
		t.Errorf("filter = %+v", cfg.Filter)
	}
	if _, err := parseListFlags([]string{"-limit", "0"}); err == nil {
		t.Error("expected error for zero limit")
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"yes lowercase", "y\n", true},
		{"yes full", "yes\n", true},
		{"YES uppercase", "YES\n", true},
		{"no", "n\n", false},
		{"empty", "\n", false},
		{"y with spaces", "  y  \n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			got := confirm(strings.NewReader(tt.input), out, "Delete?")
			if got != tt.want {
				t.Errorf("confirm() = %v, want %v", got, tt.want)
			}
			if !strings.Contains(out.String(), "[y/N]") {
				t.Error("prompt missing [y/N]")
			}
		})
	}
}

func TestPrunerDryRun(t *testing.T) {
	d := openTestDB(t)
	seedSnapshots(t, d, "acme", 4)

	pruner, buf := newTestPruner(t, d, "")
	if err := pruner.Prune(context.Background(), PruneConfig{Keep: 1, DryRun: true}); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if !strings.Contains(buf.String(), "3 snapshot(s)") {
		t.Errorf("output missing count:\n%s", buf.String())
	}
	if got := countSnapshots(t, d); got != 4 {
		t.Errorf("dry run deleted rows: %d left", got)
	}
}

func TestPrunerConfirmation(t *testing.T) {
	t.Run("Declined", func(t *testing.T) {
		d := openTestDB(t)
		seedSnapshots(t, d, "acme", 3)
		pruner, buf := newTestPruner(t, d, "n\n")
		if err := pruner.Prune(context.Background(), PruneConfig{Keep: 1}); err != nil {
			t.Fatalf("Prune: %v", err)
		}
		if !strings.Contains(buf.String(), "Aborted.") {
			t.Errorf("expected abort, got:\n%s", buf.String())
		}
		if got := countSnapshots(t, d); got != 3 {
			t.Errorf("rows = %d, want 3", got)
		}
	})

	t.Run("Accepted", func(t *testing.T) {
		d := openTestDB(t)
		seedSnapshots(t, d, "acme", 3)
		seedSnapshots(t, d, "globex", 1)
		pruner, buf := newTestPruner(t, d, "y\n")
		if err := pruner.Prune(context.Background(), PruneConfig{Keep: 1}); err != nil {
			t.Fatalf("Prune: %v", err)
		}
		if !strings.Contains(buf.String(), "Deleted 2 snapshots") {
			t.Errorf("unexpected output:\n%s", buf.String())
		}
		if got := countSnapshots(t, d); got != 2 {
			t.Errorf("rows = %d, want 2", got)
		}
	})

	t.Run("NothingToPrune", func(t *testing.T) {
		d := openTestDB(t)
		seedSnapshots(t, d, "acme", 1)
		pruner, buf := newTestPruner(t, d, "")
		if err := pruner.Prune(context.Background(), PruneConfig{Keep: 5, Yes: true}); err != nil {
			t.Fatalf("Prune: %v", err)
		}
		if !strings.Contains(buf.String(), "No snapshots to prune.") {
			t.Errorf("unexpected output:\n%s", buf.String())
		}
	})
}

func TestWriteSnapshots(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSnapshots(&buf, nil); err != nil {
		t.Fatalf("writeSnapshots: %v", err)
	}
	if buf.String() != "No snapshots stored.\n" {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	err := writeSnapshots(&buf, []db.Snapshot{{
		ID: 7, Team: "acme", IncludeFollowing: true,
		FetchedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		UserCount: 4, TotalContacts: 120,
		PayloadHash: "0123456789abcdef",
	}})
	if err != nil {
		t.Fatalf("writeSnapshots: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"TEAM", "acme", "yes", "120", "0123456789ab"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0123456789abc") {
		t.Errorf("hash not shortened:\n%s", out)
	}
}
