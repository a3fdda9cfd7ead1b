package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/incrypt/backend/internal/circuitbreaker"
	"github.com/incrypt/backend/internal/metrics"
)

// HermesSource reads Pyth price feeds from a Hermes endpoint and caches each
// quote for a short TTL.
type HermesSource struct {
	baseURL string
	feeds   map[string]string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPrice
}

type cachedPrice struct {
	price     Price
	fetchedAt time.Time
}

type HermesOption func(*HermesSource)

func WithHermesLogger(logger *slog.Logger) HermesOption {
	return func(h *HermesSource) { h.logger = logger }
}

func WithHermesMetrics(m *metrics.Metrics) HermesOption {
	return func(h *HermesSource) { h.metrics = m }
}

func WithHermesBreaker(cb *circuitbreaker.CircuitBreaker) HermesOption {
	return func(h *HermesSource) { h.breaker = cb }
}

// NewHermesSource builds a source for the given symbol → feed id map.
func NewHermesSource(baseURL string, feeds map[string]string, ttl, timeout time.Duration, opts ...HermesOption) *HermesSource {
	normalized := make(map[string]string, len(feeds))
	for symbol, id := range feeds {
		normalized[symbol] = strings.TrimPrefix(strings.ToLower(id), "0x")
	}

	h := &HermesSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		feeds:   normalized,
		client:  &http.Client{Timeout: timeout},
		ttl:     ttl,
		logger:  slog.Default(),
		now:     time.Now,
		cache:   make(map[string]cachedPrice),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.breaker == nil {
		h.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("price"))
	}
	h.logger = h.logger.With("component", "hermes")
	return h
}

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int    `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

func (h *HermesSource) GetPrice(ctx context.Context, symbol string) (*Price, error) {
	feedID, ok := h.feeds[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	if p, ok := h.cached(symbol); ok {
		return &p, nil
	}

	p, err := circuitbreaker.Call(ctx, h.breaker, func(ctx context.Context) (*Price, error) {
		return h.fetch(ctx, symbol, feedID)
	})
	if err != nil {
		h.metrics.UpstreamError("price")
		h.logger.Warn("price fetch failed", "symbol", symbol, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}

	h.mu.Lock()
	h.cache[symbol] = cachedPrice{price: *p, fetchedAt: h.now()}
	h.mu.Unlock()
	return p, nil
}

func (h *HermesSource) cached(symbol string) (Price, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.cache[symbol]
	if !ok || h.now().Sub(c.fetchedAt) >= h.ttl {
		return Price{}, false
	}
	return c.price, true
}

func (h *HermesSource) fetch(ctx context.Context, symbol, feedID string) (*Price, error) {
	q := url.Values{}
	q.Add("ids[]", feedID)
	q.Set("parsed", "true")
	endpoint := h.baseURL + "/v2/updates/price/latest?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hermes returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out hermesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode hermes response: %w", err)
	}

	for _, feed := range out.Parsed {
		if strings.TrimPrefix(strings.ToLower(feed.ID), "0x") != feedID {
			continue
		}
		value, err := scaled(feed.Price.Price, feed.Price.Expo)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if value <= 0 {
			return nil, fmt.Errorf("non-positive price %v", value)
		}
		conf, _ := scaled(feed.Price.Conf, feed.Price.Expo)
		return &Price{
			Symbol:      symbol,
			Price:       value,
			Confidence:  conf,
			PublishTime: feed.Price.PublishTime,
		}, nil
	}
	return nil, fmt.Errorf("feed %s missing from hermes response", feedID)
}

// scaled converts a Pyth mantissa and exponent into a float.
func scaled(mantissa string, expo int) (float64, error) {
	n, err := strconv.ParseInt(mantissa, 10, 64)
	if err != nil {
		return 0, err
	}
	return float64(n) * math.Pow10(expo), nil
}
