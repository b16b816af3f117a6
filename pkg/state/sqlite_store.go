package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/heitortanoue/sdeit/pkg/alert"
	"github.com/heitortanoue/sdeit/pkg/exposure"
	"github.com/heitortanoue/sdeit/pkg/peer"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the snapshot in three tables of a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and creates the schema if missing
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to init sqlite snapshot store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS node_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		node_id TEXT NOT NULL,
		saved_at TEXT NOT NULL,
		high_water TEXT NOT NULL,
		daily_allowance REAL NOT NULL,
		sum_today REAL NOT NULL,
		period TEXT NOT NULL,
		alert TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS contacts (
		peer_id TEXT PRIMARY KEY,
		tlot REAL NOT NULL,
		last_contact TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS known_risks (
		peer_id TEXT PRIMARY KEY,
		risk REAL NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save replaces the stored snapshot in one transaction
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{`DELETE FROM node_state`, `DELETE FROM contacts`, `DELETE FROM known_risks`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to clear snapshot: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO node_state (
		id, version, node_id, saved_at, high_water, daily_allowance, sum_today, period, alert
	) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Version, snap.NodeID, formatTime(snap.SavedAt), formatTime(snap.HighWater),
		snap.Allowance, snap.SumToday, formatTime(snap.Period), string(snap.Alert),
	)
	if err != nil {
		return fmt.Errorf("failed to insert node state: %w", err)
	}

	for _, rec := range snap.Contacts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contacts (peer_id, tlot, last_contact) VALUES (?, ?, ?)`,
			rec.Peer.String(), rec.TLOT, formatTime(rec.LastContact),
		); err != nil {
			return fmt.Errorf("failed to insert contact %s: %w", rec.Peer, err)
		}
	}

	for _, id := range peer.Sorted(snap.KnownRisks) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO known_risks (peer_id, risk) VALUES (?, ?)`,
			id.String(), snap.KnownRisks[id],
		); err != nil {
			return fmt.Errorf("failed to insert known risk %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// Load reads the stored snapshot, returning ErrNoSnapshot on an empty database
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	var (
		snap                       Snapshot
		savedAt, highWater, period string
		alertState                 string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, node_id, saved_at, high_water, daily_allowance, sum_today, period, alert
		FROM node_state WHERE id = 1`,
	).Scan(&snap.Version, &snap.NodeID, &savedAt, &highWater, &snap.Allowance, &snap.SumToday, &period, &alertState)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read node state: %w", err)
	}
	if err := checkVersion(snap); err != nil {
		return Snapshot{}, err
	}

	if snap.SavedAt, err = parseTime(savedAt); err != nil {
		return Snapshot{}, err
	}
	if snap.HighWater, err = parseTime(highWater); err != nil {
		return Snapshot{}, err
	}
	if snap.Period, err = parseTime(period); err != nil {
		return Snapshot{}, err
	}
	snap.Alert = alert.State(alertState)

	if snap.Contacts, err = s.loadContacts(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.KnownRisks, err = s.loadKnownRisks(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *SQLiteStore) loadContacts(ctx context.Context) ([]exposure.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_id, tlot, last_contact FROM contacts ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []exposure.Record
	for rows.Next() {
		var id, last string
		var rec exposure.Record
		if err := rows.Scan(&id, &rec.TLOT, &last); err != nil {
			return nil, err
		}
		if rec.Peer, err = peer.Parse(id); err != nil {
			return nil, err
		}
		if rec.LastContact, err = parseTime(last); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) loadKnownRisks(ctx context.Context) (map[peer.ID]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_id, risk FROM known_risks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query known risks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	risks := make(map[peer.ID]float64)
	for rows.Next() {
		var id string
		var r float64
		if err := rows.Scan(&id, &r); err != nil {
			return nil, err
		}
		pid, err := peer.Parse(id)
		if err != nil {
			return nil, err
		}
		risks[pid] = r
	}
	return risks, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}
