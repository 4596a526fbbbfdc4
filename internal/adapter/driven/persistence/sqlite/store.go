// Package sqlite persists contacts, presence and call history in a single
// SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	path string
}

var (
	_ port.Directory     = (*Store)(nil)
	_ port.PresenceStore = (*Store)(nil)
	_ port.CallHistory   = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS presence (
	id           TEXT PRIMARY KEY,
	online       INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS call_history (
	id           TEXT PRIMARY KEY,
	local_id     TEXT NOT NULL,
	remote_id    TEXT NOT NULL,
	direction    TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	connected_at INTEGER NOT NULL DEFAULT 0,
	ended_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS call_history_local ON call_history (local_id, ended_at DESC);
`

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer keeps SQLITE_BUSY away
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Resolve(ctx context.Context, id domain.Identity) (domain.Profile, error) {
	p := domain.Profile{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name FROM profiles WHERE id = ?`, id.String(),
	).Scan(&p.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, fmt.Errorf("%w: %s", domain.ErrUnknownIdentity, id)
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("resolve %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) PutProfile(ctx context.Context, p domain.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		p.ID.String(), p.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("put profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) Profiles(ctx context.Context) ([]domain.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name FROM profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []domain.Profile
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out = append(out, domain.Profile{ID: domain.Identity(id), DisplayName: name})
	}
	return out, rows.Err()
}

func (s *Store) SetOnline(ctx context.Context, id domain.Identity, online bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (id, online, last_seen_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET online = excluded.online, last_seen_at = excluded.last_seen_at`,
		id.String(), online, toUnix(at),
	)
	if err != nil {
		return fmt.Errorf("set presence %s: %w", id, err)
	}
	return nil
}

// Presence returns the last written presence of id. The bool is false when
// nothing was ever written.
func (s *Store) Presence(ctx context.Context, id domain.Identity) (domain.PresenceRecord, bool, error) {
	var (
		online bool
		seen   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT online, last_seen_at FROM presence WHERE id = ?`, id.String(),
	).Scan(&online, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PresenceRecord{}, false, nil
	}
	if err != nil {
		return domain.PresenceRecord{}, false, fmt.Errorf("read presence %s: %w", id, err)
	}
	return domain.PresenceRecord{Identity: id, Online: online, LastSeenAt: fromUnix(seen)}, true, nil
}

func (s *Store) Record(ctx context.Context, rec domain.CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_history (id, local_id, remote_id, direction, outcome, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.ID), rec.Local.String(), rec.Remote.String(),
		string(rec.Direction), string(rec.Outcome),
		toUnix(rec.StartedAt), toUnix(rec.ConnectedAt), toUnix(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("record call %s: %w", rec.ID, err)
	}
	return nil
}

// List returns id's calls, newest first. A limit of zero or less means all.
func (s *Store) List(ctx context.Context, id domain.Identity, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, local_id, remote_id, direction, outcome, started_at, connected_at, ended_at
		FROM call_history WHERE local_id = ?
		ORDER BY ended_at DESC LIMIT ?`,
		id.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := make([]domain.CallRecord, 0)
	for rows.Next() {
		var (
			callID, local, remote, dir, outcome string
			started, connected, ended           int64
		)
		if err := rows.Scan(&callID, &local, &remote, &dir, &outcome, &started, &connected, &ended); err != nil {
			return nil, err
		}
		out = append(out, domain.CallRecord{
			ID:          domain.CallID(callID),
			Local:       domain.Identity(local),
			Remote:      domain.Identity(remote),
			Direction:   domain.Direction(dir),
			Outcome:     domain.Outcome(outcome),
			StartedAt:   fromUnix(started),
			ConnectedAt: fromUnix(connected),
			EndedAt:     fromUnix(ended),
		})
	}
	return out, rows.Err()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
