package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/incrypt/backend/internal/circuitbreaker"
	"github.com/incrypt/backend/internal/metrics"
)

// Context is the sentiment fed to the recommendation engine. Nil fields are
// unknown.
type Context struct {
	FearGreedIndex          *int     `json:"fearGreedIndex"`
	FearGreedClassification string   `json:"fearGreedClassification,omitempty"`
	LongShortRatio          *float64 `json:"longShortRatio"`
	FetchedAt               int64    `json:"fetchedAt"`
}

// ContextSource returns market context for symbol. Callers treat errors as
// "no context" and carry on.
type ContextSource interface {
	GetContext(ctx context.Context, symbol string) (*Context, error)
}

// FearGreedSource reads the alternative.me Fear & Greed index. The index is
// market-wide so one cached value serves every symbol.
type FearGreedSource struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	cached    *Context
	fetchedAt time.Time
}

func NewFearGreedSource(url string, ttl, timeout time.Duration, cb *circuitbreaker.CircuitBreaker, logger *slog.Logger, m *metrics.Metrics) *FearGreedSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cb == nil {
		cb = circuitbreaker.New(circuitbreaker.DefaultConfig("market-context"))
	}
	return &FearGreedSource{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: cb,
		ttl:     ttl,
		logger:  logger.With("component", "fear_greed"),
		metrics: m,
		now:     time.Now,
	}
}

type fearGreedResponse struct {
	Data []struct {
		Value               string `json:"value"`
		ValueClassification string `json:"value_classification"`
		Timestamp           string `json:"timestamp"`
	} `json:"data"`
}

func (f *FearGreedSource) GetContext(ctx context.Context, _ string) (*Context, error) {
	f.mu.Lock()
	if f.cached != nil && f.now().Sub(f.fetchedAt) < f.ttl {
		c := *f.cached
		f.mu.Unlock()
		return &c, nil
	}
	f.mu.Unlock()

	c, err := circuitbreaker.Call(ctx, f.breaker, f.fetch)
	if err != nil {
		f.metrics.UpstreamError("market_context")
		f.logger.Warn("fear and greed fetch failed", "error", err)
		return nil, err
	}

	f.mu.Lock()
	f.cached = c
	f.fetchedAt = f.now()
	f.mu.Unlock()

	out := *c
	return &out, nil
}

func (f *FearGreedSource) fetch(ctx context.Context) (*Context, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fear and greed api returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out fearGreedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode fear and greed response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("fear and greed response has no data")
	}

	value, err := strconv.Atoi(out.Data[0].Value)
	if err != nil {
		return nil, fmt.Errorf("parse fear and greed value %q: %w", out.Data[0].Value, err)
	}
	return &Context{
		FearGreedIndex:          &value,
		FearGreedClassification: out.Data[0].ValueClassification,
		FetchedAt:               f.now().UnixMilli(),
	}, nil
}

// NoContext always reports unknown market context.
type NoContext struct{}

func (NoContext) GetContext(context.Context, string) (*Context, error) { return nil, nil }
