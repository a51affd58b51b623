package worldline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
)

// Dialect selects SQL placeholder syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS worldline_events (
	run_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	ts BIGINT NOT NULL,
	PRIMARY KEY (run_id, seq)
);`

const eventColumns = `id, seq, run_id, agent_id, event_type, payload, prev_hash, hash, ts`

// SQLStore keeps events in a worldline_events table. It works against SQLite
// (modernc.org/sqlite) and Postgres (lib/pq). The (run_id, seq) primary key turns a
// concurrent writer from another process into a failed append rather than a fork.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

// NewSQLStore wraps an open database. Call Init before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLite opens (creating if needed) a SQLite database file and initializes the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("worldline: open sqlite %s: %w", path, err)
	}
	// SQLite admits a single writer.
	db.SetMaxOpenConns(1)
	return initOwned(ctx, db, DialectSQLite)
}

// OpenPostgres connects to Postgres and initializes the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("worldline: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("worldline: ping postgres: %w", err)
	}
	return initOwned(ctx, db, DialectPostgres)
}

func initOwned(ctx context.Context, db *sql.DB, d Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, owned: true}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the events table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("worldline: init %s schema: %w", s.dialect, err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, ev *Event) error {
	query := s.dialect.rebind(`INSERT INTO worldline_events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, int64(ev.Seq), ev.RunID, ev.AgentID, string(ev.Type), string(ev.Payload),
		ev.PrevHash.Hex(), ev.Hash.Hex(), ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *SQLStore) Scan(ctx context.Context, runID string, fromSeq uint64, limit int) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM worldline_events WHERE run_id = ? AND seq >= ? ORDER BY seq ASC`
	args := []any{runID, int64(fromSeq)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Last(ctx context.Context, runID string) (*Event, error) {
	query := s.dialect.rebind(`SELECT ` + eventColumns + ` FROM worldline_events WHERE run_id = ? ORDER BY seq DESC LIMIT 1`)
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return ev, nil
}

func (s *SQLStore) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM worldline_events ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the database if the store opened it.
func (s *SQLStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev        Event
		seq       int64
		eventType string
		payload   string
		prevHash  string
		hash      string
		ts        int64
	)
	if err := row.Scan(&ev.ID, &seq, &ev.RunID, &ev.AgentID, &eventType, &payload, &prevHash, &hash, &ts); err != nil {
		return nil, err
	}
	var err error
	if ev.PrevHash, err = canonicalize.ParseDigest(prevHash); err != nil {
		return nil, fmt.Errorf("event %s prev_hash: %w", ev.ID, err)
	}
	if ev.Hash, err = canonicalize.ParseDigest(hash); err != nil {
		return nil, fmt.Errorf("event %s hash: %w", ev.ID, err)
	}
	ev.Seq = uint64(seq)
	ev.Type = EventType(eventType)
	ev.Payload = []byte(payload)
	ev.Timestamp = time.Unix(0, ts).UTC()
	return &ev, nil
}
