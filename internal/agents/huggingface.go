package agents

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"

	"github.com/incrypt/backend/internal/circuitbreaker"
	"github.com/incrypt/backend/internal/market"
	"github.com/incrypt/backend/internal/metrics"
)

//go:embed recommendation.schema.json
var recommendationSchema []byte

var jsonObject = regexp.MustCompile(`\{[\s\S]*\}`)

// HuggingFaceEngine asks a hosted text-generation model for a recommendation
// and validates the JSON it returns.
type HuggingFaceEngine struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	schema   *jsonschema.Schema
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type HuggingFaceConfig struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

func NewHuggingFaceEngine(cfg HuggingFaceConfig, cb *circuitbreaker.CircuitBreaker, logger *slog.Logger, m *metrics.Metrics) (*HuggingFaceEngine, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(recommendationSchema)
	if err != nil {
		return nil, fmt.Errorf("compile recommendation schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cb == nil {
		cb = circuitbreaker.New(circuitbreaker.DefaultConfig("engine"))
	}
	return &HuggingFaceEngine{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  cb,
		schema:   schema,
		logger:   logger.With("component", "huggingface"),
		metrics:  m,
	}, nil
}

type generationRequest struct {
	Inputs     string               `json:"inputs"`
	Parameters generationParameters `json:"parameters"`
}

type generationParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	ReturnFullText bool    `json:"return_full_text"`
}

type generation struct {
	GeneratedText string `json:"generated_text"`
}

func (e *HuggingFaceEngine) Generate(ctx context.Context, agent Agent, symbol string, price float64, mc *market.Context) (*Recommendation, error) {
	prompt := BuildPrompt(agent, symbol, price, mc)

	text, err := circuitbreaker.Call(ctx, e.breaker, func(ctx context.Context) (string, error) {
		return e.complete(ctx, prompt)
	})
	if err != nil {
		e.metrics.UpstreamError("engine")
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	return e.parse(text, agent, price), nil
}

func (e *HuggingFaceEngine) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generationRequest{
		Inputs: prompt,
		Parameters: generationParameters{
			MaxNewTokens:   500,
			Temperature:    0.7,
			ReturnFullText: false,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/"+e.model, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model returned %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}

	// The inference API answers with either a list or a single object.
	var list []generation
	if err := json.Unmarshal(payload, &list); err == nil && len(list) > 0 {
		return list[0].GeneratedText, nil
	}
	var single generation
	if err := json.Unmarshal(payload, &single); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	return single.GeneratedText, nil
}

type modelOutput struct {
	Signal              string   `json:"signal"`
	Leverage            *float64 `json:"leverage"`
	PortfolioPercentage *float64 `json:"portfolioPercentage"`
	TakeProfit          *float64 `json:"takeProfit"`
	StopLoss            *float64 `json:"stopLoss"`
	Reasoning           string   `json:"reasoning"`
	Confidence          *float64 `json:"confidence"`
}

// parse extracts the JSON object from the model's text. Output that does not
// match the schema degrades to a keyword read of the text with profile
// defaults.
func (e *HuggingFaceEngine) parse(text string, agent Agent, price float64) *Recommendation {
	if raw := jsonObject.FindString(text); raw != "" {
		result := e.schema.ValidateJSON([]byte(raw))
		if result.IsValid() {
			var out modelOutput
			if err := json.Unmarshal([]byte(raw), &out); err == nil {
				return Normalize(out.recommendation(text), agent, price)
			}
		} else {
			e.logger.Warn("model output failed schema validation", "agent_id", agent.ID, "errors", fmt.Sprint(result.Errors))
		}
	}

	direction := Long
	if strings.Contains(strings.ToLower(text), "short") {
		direction = Short
	}
	reasoning := strings.TrimSpace(text)
	if reasoning == "" {
		reasoning = "Analysis based on current market conditions and technical indicators."
	}
	return Normalize(&Recommendation{
		Signal:     direction,
		Reasoning:  reasoning,
		Confidence: 0.7,
	}, agent, price)
}

func (o modelOutput) recommendation(text string) *Recommendation {
	rec := &Recommendation{
		Signal:     Direction(strings.ToLower(o.Signal)),
		Reasoning:  o.Reasoning,
		Confidence: 0.75,
	}
	if rec.Reasoning == "" {
		rec.Reasoning = strings.TrimSpace(text)
	}
	if o.Leverage != nil {
		rec.Leverage = *o.Leverage
	}
	if o.PortfolioPercentage != nil {
		rec.PortfolioPercentage = *o.PortfolioPercentage
	}
	if o.TakeProfit != nil {
		rec.TakeProfit = *o.TakeProfit
	}
	if o.StopLoss != nil {
		rec.StopLoss = *o.StopLoss
	}
	if o.Confidence != nil {
		rec.Confidence = *o.Confidence
	}
	return rec
}

// BuildPrompt renders the instruction sent to the model.
func BuildPrompt(agent Agent, symbol string, price float64, mc *market.Context) string {
	fearGreed := "N/A"
	longShort := "N/A"
	if mc != nil {
		if mc.FearGreedIndex != nil {
			fearGreed = fmt.Sprintf("%d", *mc.FearGreedIndex)
		}
		if mc.LongShortRatio != nil {
			longShort = fmt.Sprintf("%.2f", *mc.LongShortRatio)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an AI trading agent specialized in cryptocurrency perpetual futures trading.\n\n", agent.Name)
	fmt.Fprintf(&b, "%s\n\n", agent.Profile().Guideline)
	b.WriteString("Current Market Analysis:\n")
	fmt.Fprintf(&b, "- Asset: %s\n", symbol)
	fmt.Fprintf(&b, "- Current Price: $%v\n", price)
	fmt.Fprintf(&b, "- Long/Short Ratio: %s\n", longShort)
	fmt.Fprintf(&b, "- Fear & Greed Index: %s / 100\n\n", fearGreed)
	b.WriteString(`Based on this data, provide a trading recommendation in JSON format:
{
  "signal": "long" or "short",
  "leverage": number (1-100),
  "portfolioPercentage": number (0-100),
  "takeProfit": price target,
  "stopLoss": price target,
  "reasoning": "brief analysis explanation",
  "confidence": number (0-1)
}

Analysis:`)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// FallbackEngine tries Primary and answers from Secondary when it fails.
type FallbackEngine struct {
	Primary   Engine
	Secondary Engine
	Logger    *slog.Logger
}

func (f *FallbackEngine) Generate(ctx context.Context, agent Agent, symbol string, price float64, mc *market.Context) (*Recommendation, error) {
	rec, err := f.Primary.Generate(ctx, agent, symbol, price, mc)
	if err == nil {
		return rec, nil
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("primary engine failed, using fallback", "agent_id", agent.ID, "symbol", symbol, "error", err)
	return f.Secondary.Generate(ctx, agent, symbol, price, mc)
}
