// Package journal persists sessions and the interventions applied in them
// to SQLite, so history survives restarts and an action id is never
// applied twice to the same document.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/impetus/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	document    TEXT NOT NULL,
	mode        TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	ended_at    TEXT
);

CREATE TABLE IF NOT EXISTS interventions (
	action_id   TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	source      TEXT,
	region_id   TEXT,
	span_from   INTEGER NOT NULL,
	span_to     INTEGER NOT NULL,
	content     TEXT,
	removed     TEXT,
	applied_at  TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);

CREATE TABLE IF NOT EXISTS reverts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	region_id   TEXT NOT NULL,
	token_id    TEXT NOT NULL,
	reason      TEXT,
	reverted_at TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);

CREATE INDEX IF NOT EXISTS idx_interventions_session ON interventions(session_id);
`

// ErrUnknownSession is returned when recording into a session that was
// never started.
var ErrUnknownSession = errors.New("journal: unknown session")

// Session is one editing session over a document.
type Session struct {
	ID        string
	Document  string
	Mode      model.Mode
	StartedAt time.Time
	EndedAt   *time.Time
}

// Intervention is one applied action.
type Intervention struct {
	ActionID  string
	SessionID string
	Kind      model.ActionKind
	Source    model.Mode
	RegionID  string
	Span      model.Span
	Content   string
	Removed   string
	AppliedAt time.Time
}

// Store is a SQLite-backed journal. It is safe for concurrent use.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp rows.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open opens the database at path and runs migrations.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s := &Store{db: db, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartSession records a new session.
func (s *Store) StartSession(id, document string, mode model.Mode) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, document, mode, started_at) VALUES (?, ?, ?, ?)`,
		id, document, string(mode), s.now(),
	)
	if err != nil {
		return fmt.Errorf("start session %s: %w", id, err)
	}
	return nil
}

// EndSession stamps the session's end. Ending twice keeps the first stamp.
func (s *Store) EndSession(id string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET ended_at = COALESCE(ended_at, ?) WHERE session_id = ?`,
		s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return nil
}

// RecordIntervention stores an applied action. Recording an action id twice
// is a no-op.
func (s *Store) RecordIntervention(iv Intervention) error {
	if iv.AppliedAt.IsZero() {
		iv.AppliedAt = s.clock.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO interventions
		 (action_id, session_id, kind, source, region_id, span_from, span_to, content, removed, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		iv.ActionID, iv.SessionID, string(iv.Kind), string(iv.Source), nullable(iv.RegionID),
		iv.Span.From, iv.Span.To, nullable(iv.Content), nullable(iv.Removed),
		iv.AppliedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record intervention %s: %w", iv.ActionID, err)
	}
	return nil
}

// RecordRevert stores a break-glass revert of a region.
func (s *Store) RecordRevert(sessionID, regionID, tokenID, reason string) error {
	_, err := s.db.Exec(
		`INSERT INTO reverts (session_id, region_id, token_id, reason, reverted_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, regionID, tokenID, reason, s.now(),
	)
	if err != nil {
		return fmt.Errorf("record revert %s: %w", regionID, err)
	}
	return nil
}

// AppliedIDs returns every action id applied to document across sessions.
func (s *Store) AppliedIDs(document string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT i.action_id FROM interventions i
		 JOIN sessions s ON s.session_id = i.session_id
		 WHERE s.document = ? ORDER BY i.applied_at`,
		document,
	)
	if err != nil {
		return nil, fmt.Errorf("query applied ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan applied id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Sessions returns the most recent sessions, newest first. limit <= 0
// returns all of them.
func (s *Store) Sessions(limit int) ([]Session, error) {
	q := `SELECT session_id, document, mode, started_at, ended_at FROM sessions ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess          Session
			mode, started string
			ended         sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.Document, &mode, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Mode = model.Mode(mode)
		sess.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if ended.Valid {
			t, _ := time.Parse(time.RFC3339Nano, ended.String)
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Interventions returns a session's interventions in application order.
func (s *Store) Interventions(sessionID string) ([]Intervention, error) {
	rows, err := s.db.Query(
		`SELECT action_id, session_id, kind, source, region_id, span_from, span_to, content, removed, applied_at
		 FROM interventions WHERE session_id = ? ORDER BY applied_at, rowid`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query interventions: %w", err)
	}
	defer rows.Close()

	var out []Intervention
	for rows.Next() {
		var (
			iv                               Intervention
			kind, applied                    string
			source, region, content, removed sql.NullString
		)
		if err := rows.Scan(&iv.ActionID, &iv.SessionID, &kind, &source, &region,
			&iv.Span.From, &iv.Span.To, &content, &removed, &applied); err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		iv.Kind = model.ActionKind(kind)
		iv.Source = model.Mode(source.String)
		iv.RegionID = region.String
		iv.Content = content.String
		iv.Removed = removed.String
		iv.AppliedAt, _ = time.Parse(time.RFC3339Nano, applied)
		out = append(out, iv)
	}
	return out, rows.Err()
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
