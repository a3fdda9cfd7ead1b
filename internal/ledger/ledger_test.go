package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incrypt/backend/internal/apperr"
	"github.com/incrypt/backend/internal/database"
)

func fixedClock(start int64) func() time.Time {
	ms := start
	return func() time.Time {
		ms++
		return time.UnixMilli(ms)
	}
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := database.Open(context.Background(), database.SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

// backends runs fn against every ReceiptStore implementation.
func backends(t *testing.T, fn func(t *testing.T, store ReceiptStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func TestStoreThenLookup(t *testing.T) {
	backends(t, func(t *testing.T, store ReceiptStore) {
		l := New(store, WithClock(fixedClock(1730000000500)))
		ctx := context.Background()

		hash, err := l.Store(ctx, sampleRecord())
		require.NoError(t, err)
		assert.Equal(t, ComputeHash(sampleRecord()), hash)

		receipt, err := l.Lookup(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, hash, receipt.Hash)
		assert.Equal(t, sampleRecord().SignalContent, receipt.SignalContent)
		assert.Equal(t, int64(1730000000000), receipt.RequestTimestamp)
		require.NotNil(t, receipt.ClientPublicKey)
		assert.Equal(t, sampleRecord().ClientPublicKey, *receipt.ClientPublicKey)
		assert.Equal(t, int64(1730000000501), receipt.CreatedAt)
		assert.NoError(t, Verify(receipt))
	})
}

func TestStoreIsIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, store ReceiptStore) {
		l := New(store, WithClock(fixedClock(0)))
		ctx := context.Background()

		first, err := l.Store(ctx, sampleRecord())
		require.NoError(t, err)
		second, err := l.Store(ctx, sampleRecord())
		require.NoError(t, err)
		assert.Equal(t, first, second)

		all, err := l.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 1)
		// the first write wins; CreatedAt is never overwritten
		assert.Equal(t, int64(1), all[0].CreatedAt)
	})
}

func TestStoreWithoutClientKeyHashesAsEmpty(t *testing.T) {
	backends(t, func(t *testing.T, store ReceiptStore) {
		l := New(store)
		rec := sampleRecord()
		rec.ClientPublicKey = ""

		hash, err := l.Store(context.Background(), rec)
		require.NoError(t, err)

		receipt, err := l.Lookup(context.Background(), hash)
		require.NoError(t, err)
		assert.Nil(t, receipt.ClientPublicKey)
	})
}

func TestLookupNotFound(t *testing.T) {
	backends(t, func(t *testing.T, store ReceiptStore) {
		l := New(store)

		_, err := l.Lookup(context.Background(), ComputeHash(sampleRecord()))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})
}

func TestLookupMalformedHashSkipsStorage(t *testing.T) {
	l := New(failingStore{err: errors.New("must not be called")})

	for _, hash := range []string{"", "abc", "../../etc/passwd", ComputeHash(sampleRecord()) + "00"} {
		_, err := l.Lookup(context.Background(), hash)
		assert.ErrorIs(t, err, ErrNotFound, "hash %q", hash)
	}
}

func TestLookupDetectsTampering(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	ctx := context.Background()

	hash, err := l.Store(ctx, sampleRecord())
	require.NoError(t, err)

	store.receipts[hash].SignalContent = `{"agentId":"nova","signal":"short"}`

	_, err = l.Lookup(ctx, hash)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, apperr.KindIntegrity, apperr.KindOf(err))
}

func TestListNewestFirstAndBounded(t *testing.T) {
	backends(t, func(t *testing.T, store ReceiptStore) {
		l := New(store, WithClock(fixedClock(1000)))
		ctx := context.Background()

		var hashes []string
		for i := 0; i < 5; i++ {
			rec := sampleRecord()
			rec.TransactionSignature = fmt.Sprintf("tx-%d", i)
			hash, err := l.Store(ctx, rec)
			require.NoError(t, err)
			hashes = append(hashes, hash)
		}

		all, err := l.List(ctx, 3)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, hashes[4], all[0].Hash)
		assert.Equal(t, hashes[3], all[1].Hash)
		assert.Equal(t, hashes[2], all[2].Hash)
	})
}

func TestStorageErrorsAreClassified(t *testing.T) {
	l := New(failingStore{err: errors.New("connection reset by peer")})
	ctx := context.Background()

	_, err := l.Store(ctx, sampleRecord())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, apperr.KindStorageUnavailable, apperr.KindOf(err))

	_, err = l.Lookup(ctx, ComputeHash(sampleRecord()))
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = l.List(ctx, 10)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

type failingStore struct {
	err error
}

func (f failingStore) Insert(context.Context, *Receipt) error { return f.err }
func (f failingStore) Get(context.Context, string) (*Receipt, error) {
	return nil, f.err
}
func (f failingStore) List(context.Context, int) ([]*Receipt, error) {
	return nil, f.err
}
func (f failingStore) Ping(context.Context) error { return f.err }
