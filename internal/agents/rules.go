package agents

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/incrypt/backend/internal/market"
)

// RuleEngine is the deterministic engine used when no model is configured
// and as the fallback when the model fails.
type RuleEngine struct {
	now func() time.Time
}

func NewRuleEngine() *RuleEngine {
	return &RuleEngine{now: time.Now}
}

var assetNarratives = map[string]struct{ long, short string }{
	"BTC/USD": {
		long:  "Bitcoin at %s shows institutional accumulation and falling exchange reserves. Trend structure supports continuation with support at key levels.",
		short: "Bitcoin at %s is overextended above resistance. Rising exchange inflows and elevated funding suggest a correction.",
	},
	"ETH/USD": {
		long:  "Ethereum at %s has strong ecosystem fundamentals. Staking and network activity support positive momentum.",
		short: "Ethereum at %s faces resistance at a key psychological level. Short-term overbought conditions point to a pullback.",
	},
	"SOL/USD": {
		long:  "Solana at %s shows robust ecosystem growth. Network activity and DEX volumes support further appreciation.",
		short: "Solana at %s looks exhausted after a strong rally. Profit-taking pressure suggests a short-term correction.",
	},
}

// Generate picks a direction from market sentiment when known, otherwise
// from the symbol and the current hour, and sizes it by the agent's profile.
func (e *RuleEngine) Generate(_ context.Context, agent Agent, symbol string, price float64, mc *market.Context) (*Recommendation, error) {
	profile := agent.Profile()
	direction, confidence := e.direction(symbol, mc)

	rec := &Recommendation{
		Signal:              direction,
		Leverage:            profile.DefaultLeverage,
		PortfolioPercentage: profile.DefaultPortfolio,
		TakeProfit:          TakeProfit(price, direction),
		StopLoss:            StopLoss(price, direction),
		Reasoning:           narrative(agent, symbol, price, direction),
		Confidence:          confidence,
	}
	return Normalize(rec, agent, price), nil
}

func (e *RuleEngine) direction(symbol string, mc *market.Context) (Direction, float64) {
	if mc != nil && mc.FearGreedIndex != nil {
		idx := *mc.FearGreedIndex
		// contrarian: extreme greed sells, fear buys
		confidence := 0.6 + math.Abs(float64(idx)-50)/50*0.3
		if idx > 50 {
			return Short, confidence
		}
		return Long, confidence
	}

	sum := 0
	for _, c := range symbol {
		sum += int(c)
	}
	hour := int(e.now().Unix() / 3600)
	if (sum+hour)%2 == 0 {
		return Short, 0.7
	}
	return Long, 0.7
}

func narrative(agent Agent, symbol string, price float64, d Direction) string {
	formatted := FormatUSD(price)
	if n, ok := assetNarratives[symbol]; ok {
		if d == Short {
			return fmt.Sprintf(n.short, formatted)
		}
		return fmt.Sprintf(n.long, formatted)
	}
	mood := "bullish"
	if d == Short {
		mood = "bearish"
	}
	return fmt.Sprintf("Based on %s-risk technical analysis of %s, %s recommends a %s position at %s. Current conditions show %s indicators.",
		agent.RiskLevel, symbol, agent.Name, d, formatted, mood)
}

// FormatUSD renders v as $1,234.56.
func FormatUSD(v float64) string {
	s := strconv.FormatFloat(math.Abs(v), 'f', 2, 64)
	whole, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	if v < 0 {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}
