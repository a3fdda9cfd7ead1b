package signals

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/incrypt/backend/internal/agents"
	"github.com/incrypt/backend/internal/apperr"
	"github.com/incrypt/backend/internal/events"
	"github.com/incrypt/backend/internal/ledger"
	"github.com/incrypt/backend/internal/market"
	"github.com/incrypt/backend/internal/metrics"
	"github.com/incrypt/backend/internal/payment"
	"github.com/incrypt/backend/internal/reputation"
)

const receiptAttempts = 3

// Timeouts bound each blocking step of Issue. Zero fields keep the default.
type Timeouts struct {
	Price   time.Duration
	Context time.Duration
	Engine  time.Duration
	Storage time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Price:   5 * time.Second,
		Context: 5 * time.Second,
		Engine:  20 * time.Second,
		Storage: 5 * time.Second,
	}
}

// IssueRequest is one purchase attempt. Resource is the absolute URL the
// client called, echoed in challenges.
type IssueRequest struct {
	Symbol        string
	AgentID       string
	PaymentHeader string
	Resource      string
}

// Deps are the collaborators Issue needs.
type Deps struct {
	Registry    *agents.Registry
	Pairs       []string
	Prices      market.PriceSource
	Context     market.ContextSource
	Engine      agents.Engine
	Gate        *payment.Gate
	Requirement payment.Requirement
	Ledger      *ledger.Ledger
	Reputation  *reputation.Service
}

type Service struct {
	deps       Deps
	pairs      map[string]struct{}
	logger     *slog.Logger
	metrics    *metrics.Metrics
	events     events.Emitter
	now        func() time.Time
	timeouts   Timeouts
	retryDelay time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithEvents(e events.Emitter) Option {
	return func(s *Service) { s.events = e }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithTimeouts(t Timeouts) Option {
	return func(s *Service) {
		if t.Price > 0 {
			s.timeouts.Price = t.Price
		}
		if t.Context > 0 {
			s.timeouts.Context = t.Context
		}
		if t.Engine > 0 {
			s.timeouts.Engine = t.Engine
		}
		if t.Storage > 0 {
			s.timeouts.Storage = t.Storage
		}
	}
}

// WithRetryDelay sets the pause between receipt store attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Service) { s.retryDelay = d }
}

func New(deps Deps, opts ...Option) *Service {
	if deps.Context == nil {
		deps.Context = market.NoContext{}
	}
	s := &Service{
		deps:       deps,
		pairs:      make(map[string]struct{}, len(deps.Pairs)),
		logger:     slog.Default(),
		events:     events.Nop{},
		now:        time.Now,
		timeouts:   DefaultTimeouts(),
		retryDelay: 100 * time.Millisecond,
	}
	for _, p := range deps.Pairs {
		s.pairs[p] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "signals")
	return s
}

// MaxDuration is how long Issue can run when every step hits its timeout,
// settlement and receipt retries included.
func (s *Service) MaxDuration() time.Duration {
	t := s.timeouts
	d := t.Price + s.deps.Gate.MaxDuration() + t.Context + t.Engine
	d += receiptAttempts*t.Storage + t.Storage // receipt attempts, then reputation
	for attempt := 1; attempt < receiptAttempts; attempt++ {
		d += time.Duration(attempt) * s.retryDelay
	}
	return d
}

// Pairs lists the supported symbols in configuration order.
func (s *Service) Pairs() []string {
	return append([]string(nil), s.deps.Pairs...)
}

func (s *Service) Agents() []agents.Agent {
	return s.deps.Registry.All()
}

// Requirement returns the payment requirement addressed to resource.
func (s *Service) Requirement(resource string) payment.Requirement {
	if resource == "" {
		return s.deps.Requirement
	}
	return s.deps.Requirement.ForResource(resource)
}

// Issue runs one purchase: validate, price, admit, recommend, record a
// receipt, update reputation. Nothing is charged if validation or pricing
// fails, and once payment settles the remaining steps ignore client
// cancellation.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Issuance, error) {
	receivedAt := s.now().UnixMilli()

	agent, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	requirement := s.Requirement(req.Resource)

	var price *market.Price
	if strings.TrimSpace(req.PaymentHeader) != "" {
		price, err = s.price(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
	}

	result, err := s.deps.Gate.Admit(ctx, req.PaymentHeader, requirement)
	if err != nil {
		if apperr.Is(err, apperr.KindPaymentRejected) {
			s.events.Emit(events.TypePaymentRejected, agent.ID, map[string]interface{}{
				"symbol": req.Symbol,
				"reason": apperr.Message(err),
			})
		}
		return nil, err
	}
	if result.Outcome == payment.Challenged {
		return &Issuance{Outcome: payment.Challenged, Challenge: result.Challenge}, nil
	}

	ctx = context.WithoutCancel(ctx)
	admission := result.Admission
	tx := admission.TransactionSignature()

	rec, err := s.recommend(ctx, agent, req.Symbol, price)
	if err != nil {
		s.recordOutcome(ctx, agent.ID, false)
		s.logger.Error("paid signal undelivered", "agent_id", agent.ID, "symbol", req.Symbol, "transaction", tx, "error", err)
		return nil, &UndeliveredError{
			TransactionSignature: tx,
			Err:                  apperr.Wrap(apperr.KindUpstreamUnavailable, "Signal generation failed", err),
		}
	}

	signal := Compose(agent, req.Symbol, price.Price, rec, s.now().UnixMilli())
	receipt := s.storeReceipt(ctx, signal, tx, admission.ClientPublicKey(), receivedAt)
	rep := s.recordOutcome(ctx, agent.ID, true)

	s.metrics.SignalIssued(agent.ID, signal.Symbol, string(signal.Signal))
	s.events.Emit(events.TypeSignalIssued, agent.ID, map[string]interface{}{
		"symbol":       signal.Symbol,
		"signal":       string(signal.Signal),
		"currentPrice": signal.CurrentPrice,
		"confidence":   signal.Confidence,
		"receiptHash":  receipt.Hash,
	})
	if rep != nil {
		s.events.Emit(events.TypeReputationUpdated, agent.ID, map[string]interface{}{
			"totalRequests":   rep.TotalRequests,
			"reputationScore": rep.ReputationScore,
		})
	}

	s.logger.Info("signal issued",
		"agent_id", agent.ID,
		"symbol", signal.Symbol,
		"signal", signal.Signal,
		"transaction", tx,
		"receipt", receipt.Hash,
		"receipt_stored", receipt.Stored,
	)
	return &Issuance{
		Outcome:    payment.Admitted,
		Signal:     signal,
		Receipt:    receipt,
		Settlement: admission.Settlement,
	}, nil
}

func (s *Service) validate(req IssueRequest) (agents.Agent, error) {
	if strings.TrimSpace(req.Symbol) == "" || strings.TrimSpace(req.AgentID) == "" {
		return agents.Agent{}, apperr.New(apperr.KindValidation, "symbol and agentId are required")
	}
	if _, ok := s.pairs[req.Symbol]; !ok {
		return agents.Agent{}, apperr.New(apperr.KindValidation, "Unsupported trading pair: "+req.Symbol)
	}
	agent, ok := s.deps.Registry.Get(req.AgentID)
	if !ok {
		return agents.Agent{}, apperr.New(apperr.KindValidation, "Unknown agent: "+req.AgentID)
	}
	return agent, nil
}

func (s *Service) price(ctx context.Context, symbol string) (*market.Price, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Price)
	defer cancel()

	p, err := s.deps.Prices.GetPrice(ctx, symbol)
	if err != nil {
		s.logger.Warn("price lookup failed", "symbol", symbol, "error", err)
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "Price feed unavailable", err)
	}
	return p, nil
}

func (s *Service) recommend(ctx context.Context, agent agents.Agent, symbol string, price *market.Price) (*agents.Recommendation, error) {
	mcCtx, cancel := context.WithTimeout(ctx, s.timeouts.Context)
	mc, err := s.deps.Context.GetContext(mcCtx, symbol)
	cancel()
	if err != nil {
		s.logger.Debug("market context unavailable", "symbol", symbol, "error", err)
		mc = nil
	}

	engineCtx, cancel := context.WithTimeout(ctx, s.timeouts.Engine)
	defer cancel()
	rec, err := s.deps.Engine.Generate(engineCtx, agent, symbol, price.Price, mc)
	if err != nil {
		return nil, err
	}
	return agents.Normalize(rec, agent, price.Price), nil
}

// storeReceipt writes the receipt, retrying because the ledger insert is
// idempotent. The hash is returned even when every attempt fails.
func (s *Service) storeReceipt(ctx context.Context, signal *Signal, tx, client string, receivedAt int64) *ReceiptRef {
	ref := &ReceiptRef{TransactionSignature: tx}

	content, err := ledger.CanonicalContent(signal)
	if err != nil {
		s.logger.Error("signal content not serializable", "error", err)
		return ref
	}
	record := ledger.Record{
		TransactionSignature: tx,
		SignalContent:        content,
		RequestTimestamp:     receivedAt,
		ClientPublicKey:      client,
	}
	ref.Hash = ledger.ComputeHash(record)

	for attempt := 1; attempt <= receiptAttempts; attempt++ {
		storeCtx, cancel := context.WithTimeout(ctx, s.timeouts.Storage)
		_, err = s.deps.Ledger.Store(storeCtx, record)
		cancel()
		if err == nil {
			ref.Stored = true
			s.events.Emit(events.TypeReceiptStored, signal.AgentID, map[string]interface{}{
				"hash":                 ref.Hash,
				"transactionSignature": tx,
			})
			return ref
		}
		s.logger.Warn("receipt store attempt failed", "hash", ref.Hash, "attempt", attempt, "error", err)
		if attempt < receiptAttempts && s.retryDelay > 0 {
			time.Sleep(time.Duration(attempt) * s.retryDelay)
		}
	}

	s.logger.Error("receipt not stored", "hash", ref.Hash, "transaction", tx)
	return ref
}

func (s *Service) recordOutcome(ctx context.Context, agentID string, success bool) *reputation.AgentReputation {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Storage)
	defer cancel()

	rep, err := s.deps.Reputation.RecordOutcome(ctx, agentID, success)
	if err != nil {
		s.logger.Error("reputation not updated", "agent_id", agentID, "success", success, "error", err)
		return nil
	}
	return rep
}
