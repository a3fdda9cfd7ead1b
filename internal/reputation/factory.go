package reputation

import (
	"context"
	"fmt"

	"github.com/incrypt/backend/internal/database"
)

// StoreConfig selects the reputation backend.
type StoreConfig struct {
	Backend         string // "memory", "sqlite", "postgres" or "spanner"
	SpannerProject  string
	SpannerInstance string
	SpannerDatabase string
}

// NewReputationStore creates the configured backend. SQL backends share db
// with the ledger and are migrated here.
func NewReputationStore(ctx context.Context, config StoreConfig, db *database.DB) (ReputationStore, error) {
	switch config.Backend {
	case "spanner":
		if config.SpannerProject == "" || config.SpannerInstance == "" || config.SpannerDatabase == "" {
			return nil, fmt.Errorf("spanner configuration incomplete")
		}
		return NewSpannerStore(ctx, config.SpannerProject, config.SpannerInstance, config.SpannerDatabase)

	case "sqlite", "postgres":
		if db == nil {
			return nil, fmt.Errorf("%s reputation backend requires a database connection", config.Backend)
		}
		store := NewSQLStore(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil

	case "memory", "":
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown backend: %s", config.Backend)
	}
}
