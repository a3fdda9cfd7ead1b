package market

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incrypt/backend/internal/circuitbreaker"
	"github.com/incrypt/backend/internal/metrics"
)

const btcFeed = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"

func hermesServer(t *testing.T, hits *int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		assert.Equal(t, "/v2/updates/price/latest", r.URL.Path)
		assert.Equal(t, []string{btcFeed}, r.URL.Query()["ids[]"])
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprintf(w, `{"parsed":[{"id":"%s","price":{"price":"6713231000000","conf":"3512000000","expo":-8,"publish_time":1700000000}}]}`, btcFeed)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHermesSourceParsesAndCaches(t *testing.T) {
	var hits int32
	srv := hermesServer(t, &hits, http.StatusOK)

	src := NewHermesSource(srv.URL, map[string]string{"BTC/USD": "0x" + btcFeed}, time.Minute, time.Second)

	p, err := src.GetPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", p.Symbol)
	assert.InDelta(t, 67132.31, p.Price, 1e-6)
	assert.InDelta(t, 35.12, p.Confidence, 1e-6)
	assert.Equal(t, int64(1700000000), p.PublishTime)

	_, err = src.GetPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHermesSourceRefetchesAfterTTL(t *testing.T) {
	var hits int32
	srv := hermesServer(t, &hits, http.StatusOK)

	now := time.Unix(1_700_000_000, 0)
	src := NewHermesSource(srv.URL, map[string]string{"BTC/USD": btcFeed}, 5*time.Second, time.Second)
	src.now = func() time.Time { return now }

	_, err := src.GetPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	now = now.Add(6 * time.Second)
	_, err = src.GetPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHermesSourceUnknownSymbol(t *testing.T) {
	src := NewHermesSource("http://127.0.0.1:1", map[string]string{"BTC/USD": btcFeed}, time.Minute, time.Second)

	_, err := src.GetPrice(context.Background(), "DOGE/USD")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestHermesSourceUpstreamFailure(t *testing.T) {
	var hits int32
	srv := hermesServer(t, &hits, http.StatusBadGateway)
	m := metrics.New(prometheus.NewRegistry())

	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "price",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	src := NewHermesSource(srv.URL, map[string]string{"BTC/USD": btcFeed}, time.Minute, time.Second,
		WithHermesBreaker(cb), WithHermesMetrics(m))

	for i := 0; i < 3; i++ {
		_, err := src.GetPrice(context.Background(), "BTC/USD")
		assert.ErrorIs(t, err, ErrPriceUnavailable)
	}

	// the third call was short-circuited by the open breaker
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("price")))
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource(map[string]float64{"SOL/USD": 142.5})

	p, err := src.GetPrice(context.Background(), "SOL/USD")
	require.NoError(t, err)
	assert.Equal(t, 142.5, p.Price)

	src.Set("SOL/USD", 150)
	p, err = src.GetPrice(context.Background(), "SOL/USD")
	require.NoError(t, err)
	assert.Equal(t, 150.0, p.Price)

	_, err = src.GetPrice(context.Background(), "ETH/USD")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestFearGreedSourceCachesForTTL(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{"name":"Fear and Greed Index","data":[{"value":"72","value_classification":"Greed","timestamp":"1700000000"}]}`))
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	src := NewFearGreedSource(srv.URL, 5*time.Minute, time.Second, nil, nil, nil)
	src.now = func() time.Time { return now }

	c, err := src.GetContext(context.Background(), "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, c.FearGreedIndex)
	assert.Equal(t, 72, *c.FearGreedIndex)
	assert.Equal(t, "Greed", c.FearGreedClassification)
	assert.Nil(t, c.LongShortRatio)

	now = now.Add(4 * time.Minute)
	_, err = src.GetContext(context.Background(), "ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	now = now.Add(2 * time.Minute)
	_, err = src.GetContext(context.Background(), "ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestFearGreedSourceMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	src := NewFearGreedSource(srv.URL, time.Minute, time.Second, nil, nil, nil)
	c, err := src.GetContext(context.Background(), "BTC/USD")
	assert.Error(t, err)
	assert.Nil(t, c)
}
