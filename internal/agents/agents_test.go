package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incrypt/backend/internal/market"
)

func nova() Agent {
	a, _ := NewRegistry().Get("nova")
	return a
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	zyra, ok := r.Get("zyra")
	require.True(t, ok)
	assert.Equal(t, "Zyra", zyra.Name)
	assert.Equal(t, RiskHigh, zyra.RiskLevel)

	_, ok = r.Get("ghost")
	assert.False(t, ok)

	ids := make([]string, 0, 3)
	for _, a := range r.All() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"aria", "nova", "zyra"}, ids)
}

func TestProfiles(t *testing.T) {
	tests := []struct {
		level     RiskLevel
		leverage  float64
		portfolio float64
	}{
		{RiskHigh, 50, 20},
		{RiskMedium, 15, 10},
		{RiskLow, 3, 5},
	}
	for _, tt := range tests {
		p := profileFor(tt.level)
		assert.Equal(t, tt.leverage, p.DefaultLeverage, tt.level)
		assert.Equal(t, tt.portfolio, p.DefaultPortfolio, tt.level)
	}
}

func TestNormalizeClampsIntoRange(t *testing.T) {
	rec := Normalize(&Recommendation{
		Signal:              "sideways",
		Leverage:            250,
		PortfolioPercentage: 0.2,
		Confidence:          1.7,
	}, nova(), 100)

	assert.Equal(t, Long, rec.Signal)
	assert.Equal(t, 100.0, rec.Leverage)
	assert.Equal(t, 1.0, rec.PortfolioPercentage)
	assert.Equal(t, 1.0, rec.Confidence)
	assert.InDelta(t, 105, rec.TakeProfit, 1e-9)
	assert.InDelta(t, 98, rec.StopLoss, 1e-9)
}

func TestNormalizeFillsDefaults(t *testing.T) {
	rec := Normalize(&Recommendation{Signal: Short, Confidence: -0.2}, nova(), 200)

	assert.Equal(t, Short, rec.Signal)
	assert.Equal(t, 3.0, rec.Leverage)
	assert.Equal(t, 5.0, rec.PortfolioPercentage)
	assert.Equal(t, 0.0, rec.Confidence)
	assert.InDelta(t, 190, rec.TakeProfit, 1e-9)
	assert.InDelta(t, 204, rec.StopLoss, 1e-9)
}

func TestLiquidationLevel(t *testing.T) {
	assert.InDelta(t, 70, LiquidationLevel(100, 3, Long), 1e-9)
	assert.InDelta(t, 130, LiquidationLevel(100, 3, Short), 1e-9)
	assert.InDelta(t, 98.2, LiquidationLevel(100, 50, Long), 1e-9)
}

func TestFormatUSD(t *testing.T) {
	assert.Equal(t, "$67,132.31", FormatUSD(67132.31))
	assert.Equal(t, "$1.00", FormatUSD(1))
	assert.Equal(t, "$999.50", FormatUSD(999.5))
	assert.Equal(t, "$1,000,000.00", FormatUSD(1e6))
}

func TestRuleEngineUsesSentiment(t *testing.T) {
	engine := NewRuleEngine()
	greed, fear := 90, 10

	rec, err := engine.Generate(context.Background(), nova(), "BTC/USD", 60000, &market.Context{FearGreedIndex: &greed})
	require.NoError(t, err)
	assert.Equal(t, Short, rec.Signal)
	assert.InDelta(t, 0.84, rec.Confidence, 1e-9)
	assert.Equal(t, 3.0, rec.Leverage)
	assert.Contains(t, rec.Reasoning, "$60,000.00")

	rec, err = engine.Generate(context.Background(), nova(), "BTC/USD", 60000, &market.Context{FearGreedIndex: &fear})
	require.NoError(t, err)
	assert.Equal(t, Long, rec.Signal)
}

func TestRuleEngineIsDeterministicWithinAnHour(t *testing.T) {
	engine := NewRuleEngine()
	engine.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	first, err := engine.Generate(context.Background(), nova(), "ETH/USD", 3000, nil)
	require.NoError(t, err)
	second, err := engine.Generate(context.Background(), nova(), "ETH/USD", 3000, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	engine.now = func() time.Time { return time.Unix(1_700_000_000+3600, 0) }
	third, err := engine.Generate(context.Background(), nova(), "ETH/USD", 3000, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Signal, third.Signal)
}

func TestRuleEngineGenericNarrative(t *testing.T) {
	rec, err := NewRuleEngine().Generate(context.Background(), nova(), "USDC/USD", 1, nil)
	require.NoError(t, err)
	assert.Contains(t, rec.Reasoning, "Nova")
	assert.Contains(t, rec.Reasoning, "USDC/USD")
}

func TestBuildPrompt(t *testing.T) {
	idx := 55
	prompt := BuildPrompt(nova(), "SOL/USD", 142.5, &market.Context{FearGreedIndex: &idx})

	assert.True(t, strings.HasPrefix(prompt, "You are Nova,"))
	assert.Contains(t, prompt, "LOW RISK")
	assert.Contains(t, prompt, "- Asset: SOL/USD")
	assert.Contains(t, prompt, "- Current Price: $142.5")
	assert.Contains(t, prompt, "- Fear & Greed Index: 55 / 100")
	assert.Contains(t, prompt, "- Long/Short Ratio: N/A")
	assert.True(t, strings.HasSuffix(prompt, "Analysis:"))
}

func modelServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mistralai/test-model", r.URL.Path)
		assert.Equal(t, "Bearer hf_test", r.Header.Get("Authorization"))

		var req generationRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 500, req.Parameters.MaxNewTokens)
		assert.False(t, req.Parameters.ReturnFullText)

		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, url string) *HuggingFaceEngine {
	t.Helper()
	e, err := NewHuggingFaceEngine(HuggingFaceConfig{
		Endpoint: url,
		Model:    "mistralai/test-model",
		APIKey:   "hf_test",
		Timeout:  time.Second,
	}, nil, nil, nil)
	require.NoError(t, err)
	return e
}

func TestHuggingFaceEngineParsesModelJSON(t *testing.T) {
	out := `[{"generated_text":" Here is my call: {\"signal\":\"short\",\"leverage\":400,\"portfolioPercentage\":4,\"takeProfit\":95,\"reasoning\":\"Overbought.\",\"confidence\":0.8} Good luck."}]`
	srv := modelServer(t, http.StatusOK, out)

	rec, err := newTestEngine(t, srv.URL).Generate(context.Background(), nova(), "BTC/USD", 100, nil)
	require.NoError(t, err)

	assert.Equal(t, Short, rec.Signal)
	assert.Equal(t, 100.0, rec.Leverage)
	assert.Equal(t, 4.0, rec.PortfolioPercentage)
	assert.Equal(t, 95.0, rec.TakeProfit)
	assert.InDelta(t, 102, rec.StopLoss, 1e-9)
	assert.Equal(t, "Overbought.", rec.Reasoning)
	assert.Equal(t, 0.8, rec.Confidence)
}

func TestHuggingFaceEngineSingleObjectResponse(t *testing.T) {
	srv := modelServer(t, http.StatusOK, `{"generated_text":"{\"signal\":\"long\"}"}`)

	rec, err := newTestEngine(t, srv.URL).Generate(context.Background(), nova(), "BTC/USD", 100, nil)
	require.NoError(t, err)
	assert.Equal(t, Long, rec.Signal)
	assert.Equal(t, 3.0, rec.Leverage)
	assert.Equal(t, 0.75, rec.Confidence)
}

func TestHuggingFaceEngineSchemaMismatchFallsBackToText(t *testing.T) {
	srv := modelServer(t, http.StatusOK, `[{"generated_text":"I would go short here. {\"signal\":\"sideways\",\"leverage\":\"50x\"}"}]`)

	rec, err := newTestEngine(t, srv.URL).Generate(context.Background(), nova(), "BTC/USD", 100, nil)
	require.NoError(t, err)
	assert.Equal(t, Short, rec.Signal)
	assert.Equal(t, 3.0, rec.Leverage)
	assert.Equal(t, 0.7, rec.Confidence)
	assert.Contains(t, rec.Reasoning, "I would go short here.")
}

func TestHuggingFaceEngineUpstreamError(t *testing.T) {
	srv := modelServer(t, http.StatusServiceUnavailable, `{"error":"Model is currently loading"}`)

	_, err := newTestEngine(t, srv.URL).Generate(context.Background(), nova(), "BTC/USD", 100, nil)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Contains(t, err.Error(), "503")
}

type failingEngine struct{ calls int }

func (f *failingEngine) Generate(context.Context, Agent, string, float64, *market.Context) (*Recommendation, error) {
	f.calls++
	return nil, errors.New("model down")
}

func TestFallbackEngine(t *testing.T) {
	primary := &failingEngine{}
	engine := &FallbackEngine{Primary: primary, Secondary: NewRuleEngine()}

	rec, err := engine.Generate(context.Background(), nova(), "BTC/USD", 100, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 3.0, rec.Leverage)
}
