package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps receipts in a receipts table (modernc.org/sqlite).
type SQLiteStore struct {
	db    *sql.DB
	owned bool
}

// NewSQLiteStore wraps an open database and creates the table if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) a receipts database file.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("receipts: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const query = `
	CREATE TABLE IF NOT EXISTS receipts (
		tx_id TEXT PRIMARY KEY,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		amount INTEGER NOT NULL,
		permit_id TEXT NOT NULL DEFAULT '',
		commitment_id TEXT NOT NULL,
		worldline_id TEXT NOT NULL,
		worldline_event_id TEXT NOT NULL,
		worldline_event_hash TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		tagline TEXT NOT NULL DEFAULT '',
		signer_public_key TEXT NOT NULL,
		signature TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS receipts_commitment ON receipts (commitment_id);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("receipts: migrate: %w", err)
	}
	return nil
}

const receiptColumns = `tx_id, from_agent, to_agent, amount, permit_id, commitment_id, worldline_id, worldline_event_id, worldline_event_hash, timestamp, tagline, signer_public_key, signature`

func (s *SQLiteStore) Put(ctx context.Context, r *Receipt) error {
	if r.Signature == "" {
		return ErrUnsigned
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO receipts (`+receiptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TxID, r.From, r.To, r.Amount, r.PermitID, r.CommitmentID, r.WorldLineID,
		r.WorldLineEventID, r.WorldLineEventHash, r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Tagline, r.SignerPublicKey, r.Signature,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("%w: %s", ErrExists, r.TxID)
		}
		return fmt.Errorf("receipts: insert %s: %w", r.TxID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, txID string) (*Receipt, error) {
	return s.queryOne(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tx_id = ?`, txID)
}

func (s *SQLiteStore) ByCommitment(ctx context.Context, commitmentID string) (*Receipt, error) {
	return s.queryOne(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE commitment_id = ? ORDER BY timestamp ASC LIMIT 1`, commitmentID)
}

// List returns up to limit receipts, newest first. A limit <= 0 returns all.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+receiptColumns+` FROM receipts ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("receipts: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receipts: list: %w", err)
	}
	return out, nil
}

// Close closes the database when the store opened it.
func (s *SQLiteStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, arg any) (*Receipt, error) {
	r, err := scanReceipt(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		r  Receipt
		ts string
	)
	err := row.Scan(&r.TxID, &r.From, &r.To, &r.Amount, &r.PermitID, &r.CommitmentID,
		&r.WorldLineID, &r.WorldLineEventID, &r.WorldLineEventHash, &ts, &r.Tagline,
		&r.SignerPublicKey, &r.Signature)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("receipts: scan: %w", err)
	}
	r.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("receipts: bad timestamp %q: %w", ts, err)
	}
	return &r, nil
}
