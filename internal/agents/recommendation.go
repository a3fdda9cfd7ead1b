package agents

import (
	"context"
	"errors"
	"math"

	"github.com/incrypt/backend/internal/market"
)

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// ErrEngineUnavailable wraps every failure to produce a recommendation.
var ErrEngineUnavailable = errors.New("recommendation engine unavailable")

// Recommendation is an engine's trading call for one symbol.
type Recommendation struct {
	Signal              Direction `json:"signal"`
	Leverage            float64   `json:"leverage"`
	PortfolioPercentage float64   `json:"portfolioPercentage"`
	TakeProfit          float64   `json:"takeProfit"`
	StopLoss            float64   `json:"stopLoss"`
	Reasoning           string    `json:"reasoning"`
	Confidence          float64   `json:"confidence"`
}

// Engine produces a recommendation. mc may be nil when no market context is
// available.
type Engine interface {
	Generate(ctx context.Context, agent Agent, symbol string, price float64, mc *market.Context) (*Recommendation, error)
}

// Normalize clamps rec into the ranges every signal must satisfy and fills
// missing targets from the agent's defaults.
func Normalize(rec *Recommendation, agent Agent, price float64) *Recommendation {
	profile := agent.Profile()
	out := *rec

	if out.Signal != Short {
		out.Signal = Long
	}
	if out.Leverage <= 0 || math.IsNaN(out.Leverage) {
		out.Leverage = profile.DefaultLeverage
	}
	out.Leverage = clamp(out.Leverage, 1, 100)

	if out.PortfolioPercentage <= 0 || math.IsNaN(out.PortfolioPercentage) {
		out.PortfolioPercentage = profile.DefaultPortfolio
	}
	out.PortfolioPercentage = clamp(out.PortfolioPercentage, 1, 100)

	if math.IsNaN(out.Confidence) {
		out.Confidence = 0.7
	}
	out.Confidence = clamp(out.Confidence, 0, 1)

	if out.TakeProfit <= 0 || math.IsNaN(out.TakeProfit) {
		out.TakeProfit = TakeProfit(price, out.Signal)
	}
	if out.StopLoss <= 0 || math.IsNaN(out.StopLoss) {
		out.StopLoss = StopLoss(price, out.Signal)
	}
	return &out
}

// TakeProfit is 5% in the trade's favour.
func TakeProfit(price float64, d Direction) float64 {
	if d == Short {
		return price * 0.95
	}
	return price * 1.05
}

// StopLoss is 2% against the trade.
func StopLoss(price float64, d Direction) float64 {
	if d == Short {
		return price * 1.02
	}
	return price * 0.98
}

// LiquidationLevel approximates where a position at leverage is liquidated,
// at 90% of the margin.
func LiquidationLevel(entry, leverage float64, d Direction) float64 {
	margin := 0.9 / leverage
	if d == Short {
		return entry * (1 + margin)
	}
	return entry * (1 - margin)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
