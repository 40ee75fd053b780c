package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Snapshot is one stored payload fetch.
type Snapshot struct {
	ID               int64     `json:"id"`
	Team             string    `json:"team"`
	IncludeFollowing bool      `json:"include_following"`
	FetchedAt        time.Time `json:"fetched_at"`
	UserCount        int       `json:"user_count"`
	TotalContacts    int       `json:"total_contacts"`
	PayloadHash      string    `json:"payload_hash"`
	Payload          []byte    `json:"-"`
}

// SnapshotFilter specifies how to list snapshots.
type SnapshotFilter struct {
	Team             string // "" = all teams
	IncludeFollowing *bool  // nil = both variants
	Limit            int    // <= 0 or > maxSnapshots = maxSnapshots
}

const maxSnapshots = 500

const snapshotMetaCols = `id, team, include_following, fetched_at,
	user_count, total_contacts, payload_hash`

// HashPayload returns the hex SHA-256 of a raw payload.
func HashPayload(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func scanSnapshotRow(rs rowScanner, withPayload bool) (Snapshot, error) {
	var (
		s         Snapshot
		following int
		fetchedAt string
	)
	dest := []any{
		&s.ID, &s.Team, &following, &fetchedAt,
		&s.UserCount, &s.TotalContacts, &s.PayloadHash,
	}
	if withPayload {
		dest = append(dest, &s.Payload)
	}
	if err := rs.Scan(dest...); err != nil {
		return s, err
	}
	s.IncludeFollowing = following != 0
	t, err := time.Parse(timeFormat, fetchedAt)
	if err != nil {
		return s, fmt.Errorf("parsing fetched_at %q: %w", fetchedAt, err)
	}
	s.FetchedAt = t
	return s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertSnapshot stores s and returns its ID. When the newest
// snapshot for the same key already holds an identical payload,
// only its fetched_at is bumped and inserted is false.
func (db *DB) InsertSnapshot(s Snapshot) (id int64, inserted bool, err error) {
	if s.Team == "" {
		return 0, false, errors.New("snapshot team is empty")
	}
	if s.PayloadHash == "" {
		s.PayloadHash = HashPayload(s.Payload)
	}
	if s.FetchedAt.IsZero() {
		s.FetchedAt = time.Now()
	}
	fetchedAt := s.FetchedAt.UTC().Format(timeFormat)
	following := boolInt(s.IncludeFollowing)

	err = db.Update(func(tx *sql.Tx) error {
		var (
			lastID   int64
			lastHash string
		)
		err := tx.QueryRow(`
			SELECT id, payload_hash FROM snapshots
			WHERE team = ? AND include_following = ?
			ORDER BY fetched_at DESC, id DESC LIMIT 1`,
			s.Team, following,
		).Scan(&lastID, &lastHash)
		switch {
		case err == nil && lastHash == s.PayloadHash:
			if _, err := tx.Exec(
				"UPDATE snapshots SET fetched_at = ? WHERE id = ?",
				fetchedAt, lastID,
			); err != nil {
				return fmt.Errorf("touching snapshot %d: %w", lastID, err)
			}
			id = lastID
			return nil
		case err != nil && err != sql.ErrNoRows:
			return fmt.Errorf("checking latest snapshot: %w", err)
		}

		res, err := tx.Exec(`
			INSERT INTO snapshots (
				team, include_following, fetched_at,
				user_count, total_contacts, payload_hash, payload
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.Team, following, fetchedAt,
			s.UserCount, s.TotalContacts, s.PayloadHash, s.Payload,
		)
		if err != nil {
			return fmt.Errorf("inserting snapshot: %w", err)
		}
		id, err = res.LastInsertId()
		inserted = true
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return id, inserted, nil
}

// LatestSnapshot returns the newest snapshot for a key,
// including its payload. Returns nil, nil if none exists.
func (db *DB) LatestSnapshot(
	ctx context.Context, team string, includeFollowing bool,
) (*Snapshot, error) {
	row := db.reader.QueryRowContext(ctx,
		"SELECT "+snapshotMetaCols+", payload FROM snapshots"+
			" WHERE team = ? AND include_following = ?"+
			" ORDER BY fetched_at DESC, id DESC LIMIT 1",
		team, boolInt(includeFollowing),
	)
	s, err := scanSnapshotRow(row, true)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf(
			"getting latest snapshot for %s: %w", team, err,
		)
	}
	return &s, nil
}

// LatestSnapshots returns the newest snapshot, with payload, of
// every stored key.
func (db *DB) LatestSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT `+snapshotMetaCols+`, payload FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY team, include_following
				ORDER BY fetched_at DESC, id DESC
			) AS rn FROM snapshots
		) WHERE rn = 1
		ORDER BY team, include_following`)
	if err != nil {
		return nil, fmt.Errorf("querying latest snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		s, err := scanSnapshotRow(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListSnapshots returns snapshot metadata, newest first, without
// payloads.
func (db *DB) ListSnapshots(
	ctx context.Context, f SnapshotFilter,
) ([]Snapshot, error) {
	var (
		preds []string
		args  []any
	)
	if f.Team != "" {
		preds = append(preds, "team = ?")
		args = append(args, f.Team)
	}
	if f.IncludeFollowing != nil {
		preds = append(preds, "include_following = ?")
		args = append(args, boolInt(*f.IncludeFollowing))
	}
	where := "1=1"
	if len(preds) > 0 {
		where = strings.Join(preds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > maxSnapshots {
		limit = maxSnapshots
	}

	query := "SELECT " + snapshotMetaCols +
		" FROM snapshots WHERE " + where +
		" ORDER BY fetched_at DESC, id DESC" +
		fmt.Sprintf(" LIMIT %d", limit)
	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		s, err := scanSnapshotRow(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const prunableWhere = `id IN (
	SELECT id FROM (
		SELECT id, ROW_NUMBER() OVER (
			PARTITION BY team, include_following
			ORDER BY fetched_at DESC, id DESC
		) AS rn FROM snapshots
	) WHERE rn > ?
)`

// CountPrunable returns how many snapshots PruneSnapshots(keep)
// would delete.
func (db *DB) CountPrunable(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("keep must be at least 1, got %d", keep)
	}
	var n int
	err := db.reader.QueryRowContext(ctx,
		"SELECT count(*) FROM snapshots WHERE "+prunableWhere, keep,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting prunable snapshots: %w", err)
	}
	return n, nil
}

// PruneSnapshots keeps the newest keep snapshots of every key
// and deletes the rest. It returns the number deleted.
func (db *DB) PruneSnapshots(keep int) (int64, error) {
	if keep < 1 {
		return 0, fmt.Errorf("keep must be at least 1, got %d", keep)
	}
	var deleted int64
	err := db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM snapshots WHERE "+prunableWhere, keep,
		)
		if err != nil {
			return fmt.Errorf("pruning snapshots: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
