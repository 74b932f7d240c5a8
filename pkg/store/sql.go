package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

// Dialect selects placeholder syntax and schema for a SQL backend.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

const schema = `
CREATE TABLE IF NOT EXISTS receipts (
	receipt_id TEXT PRIMARY KEY,
	block_number BIGINT NOT NULL UNIQUE,
	chain_id BIGINT NOT NULL,
	origin TEXT NOT NULL,
	status TEXT NOT NULL,
	prev_hash TEXT NOT NULL DEFAULT '',
	hash TEXT NOT NULL,
	body TEXT NOT NULL
);`

// SQLReceiptStore is a durable SQL-based implementation. The full receipt is
// kept as JSON next to the columns it is queried by.
type SQLReceiptStore struct {
	db      *sql.DB
	dialect Dialect
}

var (
	_ ReceiptStore      = (*SQLReceiptStore)(nil)
	_ chain.ReceiptSink = (*SQLReceiptStore)(nil)
)

func NewSQLReceiptStore(db *sql.DB, dialect Dialect) *SQLReceiptStore {
	return &SQLReceiptStore{db: db, dialect: dialect}
}

// OpenSQLite opens (and migrates) a SQLite receipt store at path. Use
// ":memory:" for an ephemeral database.
func OpenSQLite(ctx context.Context, path string) (*SQLReceiptStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	s := NewSQLReceiptStore(db, DialectSQLite)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to dsn and migrates the receipts table.
func OpenPostgres(ctx context.Context, dsn string) (*SQLReceiptStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewSQLReceiptStore(db, DialectPostgres)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLReceiptStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate receipts: %w", err)
	}
	return nil
}

func (s *SQLReceiptStore) Close() error { return s.db.Close() }

// q rewrites ? placeholders for the dialect.
func (s *SQLReceiptStore) q(query string) string {
	if s.dialect != DialectPostgres {
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

func (s *SQLReceiptStore) Store(ctx context.Context, r *chain.Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	query := s.q(`INSERT INTO receipts (receipt_id, block_number, chain_id, origin, status, prev_hash, hash, body) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		r.ID, int64(r.BlockNumber), int64(r.ChainID), r.Origin.Hex(), r.Status, r.PrevHash, r.Hash, string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *SQLReceiptStore) Get(ctx context.Context, id string) (*chain.Receipt, error) {
	return s.queryOne(ctx, s.q(`SELECT body FROM receipts WHERE receipt_id = ?`), id)
}

func (s *SQLReceiptStore) Last(ctx context.Context) (*chain.Receipt, error) {
	return s.queryOne(ctx, `SELECT body FROM receipts ORDER BY block_number DESC LIMIT 1`)
}

func (s *SQLReceiptStore) List(ctx context.Context, afterBlock uint64, limit int) ([]*chain.Receipt, error) {
	if limit <= 0 {
		return s.list(ctx, s.q(`SELECT body FROM receipts WHERE block_number > ? ORDER BY block_number ASC`), int64(afterBlock))
	}
	return s.list(ctx, s.q(`SELECT body FROM receipts WHERE block_number > ? ORDER BY block_number ASC LIMIT ?`), int64(afterBlock), limit)
}

func (s *SQLReceiptStore) list(ctx context.Context, query string, args ...any) ([]*chain.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []*chain.Receipt
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		r, err := decode(body)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return receipts, nil
}

func (s *SQLReceiptStore) queryOne(ctx context.Context, query string, args ...any) (*chain.Receipt, error) {
	var body string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decode(body)
}

func decode(body string) (*chain.Receipt, error) {
	var r chain.Receipt
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}
