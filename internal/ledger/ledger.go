// Package ledger stores content-addressed receipts that bind a payment to the
// signal it bought. Anyone holding a receipt can recompute its hash.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/incrypt/backend/internal/apperr"
	"github.com/incrypt/backend/internal/metrics"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

var (
	ErrNotFound           = errors.New("receipt not found")
	ErrIntegrity          = errors.New("receipt hash mismatch")
	ErrStorageUnavailable = errors.New("receipt storage unavailable")
)

// Receipt is an immutable ledger row.
type Receipt struct {
	Hash                 string  `json:"hash"`
	TransactionSignature string  `json:"transactionSignature"`
	SignalContent        string  `json:"signalContent"`
	RequestTimestamp     int64   `json:"timestamp"`
	ClientPublicKey      *string `json:"clientPublicKey"`
	CreatedAt            int64   `json:"createdAt"`
}

// Record returns the hashed fields of the receipt.
func (r *Receipt) Record() Record {
	rec := Record{
		TransactionSignature: r.TransactionSignature,
		SignalContent:        r.SignalContent,
		RequestTimestamp:     r.RequestTimestamp,
	}
	if r.ClientPublicKey != nil {
		rec.ClientPublicKey = *r.ClientPublicKey
	}
	return rec
}

// Verify recomputes the receipt's hash and compares it with the stored one.
func Verify(r *Receipt) error {
	if r == nil {
		return ErrNotFound
	}
	got := ComputeHash(r.Record())
	if got != strings.ToLower(r.Hash) {
		return fmt.Errorf("%w: stored %s, computed %s", ErrIntegrity, r.Hash, got)
	}
	return nil
}

// ReceiptStore persists receipts. Insert of an existing hash is a no-op and
// Get returns ErrNotFound for unknown hashes.
type ReceiptStore interface {
	Insert(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, hash string) (*Receipt, error)
	List(ctx context.Context, limit int) ([]*Receipt, error)
	Ping(ctx context.Context) error
}

type Ledger struct {
	store   ReceiptStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the clock that stamps CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store ReceiptStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

// Store hashes rec and persists it. Storing the same record twice yields the
// same digest and a single row.
func (l *Ledger) Store(ctx context.Context, rec Record) (string, error) {
	hash := ComputeHash(rec)

	receipt := &Receipt{
		Hash:                 hash,
		TransactionSignature: rec.TransactionSignature,
		SignalContent:        rec.SignalContent,
		RequestTimestamp:     rec.RequestTimestamp,
		CreatedAt:            l.now().UnixMilli(),
	}
	if rec.ClientPublicKey != "" {
		key := rec.ClientPublicKey
		receipt.ClientPublicKey = &key
	}

	if err := l.store.Insert(ctx, receipt); err != nil {
		l.metrics.ReceiptStored("failed")
		l.logger.Error("receipt insert failed", "hash", hash, "error", err)
		return "", apperr.Wrap(apperr.KindStorageUnavailable, "Receipt storage unavailable",
			fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
	}

	l.metrics.ReceiptStored("stored")
	return hash, nil
}

// Lookup returns the receipt for hash after checking that its content still
// produces that hash.
func (l *Ledger) Lookup(ctx context.Context, hash string) (*Receipt, error) {
	if !IsValidHash(hash) {
		return nil, apperr.Wrap(apperr.KindNotFound, "Receipt not found", ErrNotFound)
	}
	hash = strings.ToLower(hash)

	receipt, err := l.store.Get(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, "Receipt not found", err)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "Receipt storage unavailable",
			fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
	}

	if err := Verify(receipt); err != nil {
		l.logger.Error("receipt failed integrity check", "hash", hash, "error", err)
		return nil, apperr.Wrap(apperr.KindIntegrity, "Receipt integrity check failed", err)
	}
	return receipt, nil
}

// List returns receipts newest first. limit <= 0 selects the default and
// values above MaxListLimit are capped.
func (l *Ledger) List(ctx context.Context, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	receipts, err := l.store.List(ctx, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "Receipt storage unavailable",
			fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
	}
	return receipts, nil
}

// Ping reports whether the backing store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}
