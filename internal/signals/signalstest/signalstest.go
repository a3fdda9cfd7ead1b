// Package signalstest builds a fully in-memory signal service for tests of
// the service and its HTTP surface.
package signalstest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/incrypt/backend/internal/agents"
	"github.com/incrypt/backend/internal/events"
	"github.com/incrypt/backend/internal/ledger"
	"github.com/incrypt/backend/internal/market"
	"github.com/incrypt/backend/internal/payment"
	"github.com/incrypt/backend/internal/reputation"
	"github.com/incrypt/backend/internal/signals"
)

// Facilitator approves every proof unless told otherwise and counts calls.
type Facilitator struct {
	mu          sync.Mutex
	Valid       bool
	VerifyErr   error
	SettleErr   error
	verifyCalls int
	settleCalls int
}

func (f *Facilitator) Verify(_ context.Context, _ *payment.Proof, _ payment.Requirement) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return f.Valid, f.VerifyErr
}

func (f *Facilitator) Settle(_ context.Context, proof *payment.Proof, _ payment.Requirement) (*payment.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++
	if f.SettleErr != nil {
		return nil, f.SettleErr
	}
	return &payment.Settlement{
		Success:     true,
		Transaction: proof.TransactionSignature,
		Network:     "solana-devnet",
		Payer:       proof.ClientPublicKey,
	}, nil
}

// Calls returns the number of verify and settle calls.
func (f *Facilitator) Calls() (verify, settle int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, f.settleCalls
}

// Engine wraps another engine, counting calls and optionally failing or
// stalling for Delay first.
type Engine struct {
	mu    sync.Mutex
	Inner agents.Engine
	Err   error
	Delay time.Duration
	calls int
}

func (e *Engine) Generate(ctx context.Context, agent agents.Agent, symbol string, price float64, mc *market.Context) (*agents.Recommendation, error) {
	e.mu.Lock()
	e.calls++
	err, delay := e.Err, e.Delay
	e.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return e.Inner.Generate(ctx, agent, symbol, price, mc)
}

func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// FlakyStore fails the first Failures inserts, or every insert when Failures
// is negative.
type FlakyStore struct {
	*ledger.MemoryStore

	mu       sync.Mutex
	Failures int
	attempts int
}

var ErrFlaky = errors.New("receipt store offline")

func (s *FlakyStore) Insert(ctx context.Context, r *ledger.Receipt) error {
	s.mu.Lock()
	s.attempts++
	fail := s.Failures < 0 || s.attempts <= s.Failures
	s.mu.Unlock()
	if fail {
		return ErrFlaky
	}
	return s.MemoryStore.Insert(ctx, r)
}

func (s *FlakyStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Harness is a signal service with every collaborator exposed.
type Harness struct {
	Service     *signals.Service
	Facilitator *Facilitator
	Engine      *Engine
	Prices      *market.StaticSource
	Receipts    *FlakyStore
	Ledger      *ledger.Ledger
	Reputation  *reputation.Service
	Bus         *events.Bus
	Requirement payment.Requirement
}

// Requirement is the price list used by the harness.
func Requirement() payment.Requirement {
	return payment.Requirement{
		ResourcePath:      "/api/signals",
		PriceMicroUnits:   10000,
		AssetAddress:      "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		AssetDecimals:     6,
		Description:       "Trading signal request",
		Network:           "solana-devnet",
		PayTo:             "Treasury111",
		MaxTimeoutSeconds: 60,
	}
}

func New(opts ...signals.Option) *Harness {
	h := &Harness{
		Facilitator: &Facilitator{Valid: true},
		Engine:      &Engine{Inner: agents.NewRuleEngine()},
		Prices: market.NewStaticSource(map[string]float64{
			"BTC/USD":  67132.31,
			"ETH/USD":  3120.5,
			"SOL/USD":  142.25,
			"USDC/USD": 1,
		}),
		Receipts:    &FlakyStore{MemoryStore: ledger.NewMemoryStore()},
		Reputation:  reputation.NewService(reputation.NewMemoryStore()),
		Bus:         events.NewBus(nil),
		Requirement: Requirement(),
	}
	h.Ledger = ledger.New(h.Receipts)

	gate := payment.NewGate(h.Facilitator, payment.NewMemorySettlementStore(time.Hour))
	deps := signals.Deps{
		Registry:    agents.NewRegistry(),
		Pairs:       []string{"BTC/USD", "ETH/USD", "SOL/USD", "USDC/USD"},
		Prices:      h.Prices,
		Engine:      h.Engine,
		Gate:        gate,
		Requirement: h.Requirement,
		Ledger:      h.Ledger,
		Reputation:  h.Reputation,
	}
	all := append([]signals.Option{signals.WithEvents(h.Bus), signals.WithRetryDelay(0)}, opts...)
	h.Service = signals.New(deps, all...)
	return h
}

// PaymentHeader encodes an x402 proof for tx.
func PaymentHeader(tx, client string) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"x402Version":          payment.X402Version,
		"scheme":               payment.SchemeExact,
		"network":              "solana-devnet",
		"transactionSignature": tx,
		"clientPublicKey":      client,
	})
	return base64.StdEncoding.EncodeToString(raw)
}
