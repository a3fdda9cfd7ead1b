// Package signals sells a trading signal: it validates the request, takes
// payment through the gate, asks the agent's engine for a recommendation and
// records a receipt and the agent's reputation for every delivery.
package signals

import (
	"errors"
	"fmt"

	"github.com/incrypt/backend/internal/agents"
	"github.com/incrypt/backend/internal/payment"
)

// Signal is the product a client pays for.
type Signal struct {
	AgentID             string           `json:"agentId"`
	AgentName           string           `json:"agentName"`
	Symbol              string           `json:"symbol"`
	Signal              agents.Direction `json:"signal"`
	CurrentPrice        float64          `json:"currentPrice"`
	Leverage            float64          `json:"leverage"`
	LiquidationLevel    float64          `json:"liquidationLevel"`
	PortfolioPercentage float64          `json:"portfolioPercentage"`
	TakeProfit          float64          `json:"takeProfit"`
	StopLoss            float64          `json:"stopLoss"`
	Reasoning           string           `json:"reasoning"`
	Confidence          float64          `json:"confidence"`
	Timestamp           int64            `json:"timestamp"`
}

// Compose turns an engine recommendation into a deliverable signal.
func Compose(agent agents.Agent, symbol string, price float64, rec *agents.Recommendation, at int64) *Signal {
	return &Signal{
		AgentID:             agent.ID,
		AgentName:           agent.Name,
		Symbol:              symbol,
		Signal:              rec.Signal,
		CurrentPrice:        price,
		Leverage:            rec.Leverage,
		LiquidationLevel:    agents.LiquidationLevel(price, rec.Leverage, rec.Signal),
		PortfolioPercentage: rec.PortfolioPercentage,
		TakeProfit:          rec.TakeProfit,
		StopLoss:            rec.StopLoss,
		Reasoning:           rec.Reasoning,
		Confidence:          rec.Confidence,
		Timestamp:           at,
	}
}

// ReceiptRef is what the client keeps to look its receipt up later. Stored is
// false when the ledger could not be written; the hash is still valid.
type ReceiptRef struct {
	Hash                 string `json:"hash"`
	TransactionSignature string `json:"transactionSignature"`
	Stored               bool   `json:"stored"`
}

// Issuance is the outcome of Issue. Exactly one of Challenge and Signal is set.
type Issuance struct {
	Outcome    payment.Outcome
	Challenge  *payment.Challenge
	Signal     *Signal
	Receipt    *ReceiptRef
	Settlement *payment.Settlement
}

// UndeliveredError reports a paid request whose signal could not be
// produced. TransactionSignature identifies the payment for disputes.
type UndeliveredError struct {
	TransactionSignature string
	Err                  error
}

func (e *UndeliveredError) Error() string {
	return fmt.Sprintf("signal undelivered for transaction %s: %v", e.TransactionSignature, e.Err)
}

func (e *UndeliveredError) Unwrap() error { return e.Err }

// UndeliveredTransaction returns the transaction of a paid but undelivered
// request, or "".
func UndeliveredTransaction(err error) string {
	var u *UndeliveredError
	if errors.As(err, &u) {
		return u.TransactionSignature
	}
	return ""
}
