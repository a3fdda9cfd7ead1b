package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/incrypt/backend/internal/database"
)

// SQLStore persists receipts in Postgres or SQLite.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the receipts table and its indexes if they are missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			hash VARCHAR(64) PRIMARY KEY,
			transaction_signature TEXT NOT NULL,
			signal_content TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			client_public_key TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_timestamp ON receipts(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_client ON receipts(client_public_key)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_created_at ON receipts(created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate receipts: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, r *Receipt) error {
	query := s.db.Rebind(`
		INSERT INTO receipts (hash, transaction_signature, signal_content, timestamp, client_public_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO NOTHING`)

	var client sql.NullString
	if r.ClientPublicKey != nil {
		client = sql.NullString{String: *r.ClientPublicKey, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		r.Hash, r.TransactionSignature, r.SignalContent, r.RequestTimestamp, client, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, hash string) (*Receipt, error) {
	query := s.db.Rebind(`
		SELECT hash, transaction_signature, signal_content, timestamp, client_public_key, created_at
		FROM receipts
		WHERE hash = $1`)

	r, err := scanReceipt(s.db.QueryRowContext(ctx, query, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return r, nil
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	query := s.db.Rebind(`
		SELECT hash, transaction_signature, signal_content, timestamp, client_public_key, created_at
		FROM receipts
		ORDER BY created_at DESC, hash ASC
		LIMIT $1`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	receipts := make([]*Receipt, 0)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		r      Receipt
		client sql.NullString
	)
	if err := row.Scan(&r.Hash, &r.TransactionSignature, &r.SignalContent, &r.RequestTimestamp, &client, &r.CreatedAt); err != nil {
		return nil, err
	}
	if client.Valid {
		r.ClientPublicKey = &client.String
	}
	return &r, nil
}
