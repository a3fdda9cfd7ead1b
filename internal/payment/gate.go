package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/incrypt/backend/internal/apperr"
	"github.com/incrypt/backend/internal/circuitbreaker"
	"github.com/incrypt/backend/internal/metrics"
)

type Outcome int

const (
	Challenged Outcome = iota
	Admitted
)

func (o Outcome) String() string {
	if o == Admitted {
		return "admitted"
	}
	return "challenged"
}

// Admission carries what the protected handler may rely on once payment has
// settled.
type Admission struct {
	Proof      *Proof
	Settlement *Settlement
}

// TransactionSignature prefers the settled transaction over the client's claim.
func (a *Admission) TransactionSignature() string {
	if a.Settlement != nil && a.Settlement.Transaction != "" {
		return a.Settlement.Transaction
	}
	return a.Proof.TransactionSignature
}

// ClientPublicKey prefers the proof's key and falls back to the settled payer.
func (a *Admission) ClientPublicKey() string {
	if a.Proof.ClientPublicKey != "" {
		return a.Proof.ClientPublicKey
	}
	if a.Settlement != nil {
		return a.Settlement.Payer
	}
	return ""
}

// Result is either an admission or a challenge. Rejections are errors.
type Result struct {
	Outcome   Outcome
	Admission *Admission
	Challenge *Challenge
}

type Gate struct {
	facilitator Facilitator
	settlements SettlementStore
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type GateOption func(*Gate)

func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

func WithGateMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithStepTimeout bounds each facilitator call.
func WithStepTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.timeout = d }
}

func NewGate(facilitator Facilitator, settlements SettlementStore, opts ...GateOption) *Gate {
	g := &Gate{
		facilitator: facilitator,
		settlements: settlements,
		timeout:     10 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "payment_gate")
	return g
}

// Admit decides whether the request carrying header may reach the protected
// resource described by req. It returns a challenge when header is empty, an
// admission once payment is verified and settled, and a classified error in
// every other case.
func (g *Gate) Admit(ctx context.Context, header string, req Requirement) (*Result, error) {
	proof, err := ExtractProof(header)
	if err != nil {
		g.metrics.GateOutcome("rejected")
		g.logger.Info("malformed payment proof", "error", err)
		return nil, apperr.Wrap(apperr.KindPaymentRejected, "Invalid payment", err)
	}
	if proof == nil {
		g.metrics.GateOutcome("challenged")
		return &Result{Outcome: Challenged, Challenge: BuildChallenge(req)}, nil
	}

	// Once a proof is claimed the settlement must run to completion.
	ctx = context.WithoutCancel(ctx)
	keys := proof.Keys()

	if err := g.claim(ctx, keys); err != nil {
		if errors.Is(err, ErrProofReplayed) {
			g.metrics.GateOutcome("replayed")
			g.logger.Warn("payment proof replayed", "transaction", proof.TransactionSignature)
			return nil, apperr.Wrap(apperr.KindPaymentRejected, "Payment already used", err)
		}
		g.metrics.GateOutcome("unavailable")
		g.logger.Error("settlement store unavailable", "error", err)
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "Payment processing unavailable", err)
	}

	start := time.Now()
	settlement, err := g.verifyAndSettle(ctx, proof, req)
	g.metrics.ObserveSettlement(time.Since(start))
	if err != nil {
		g.release(ctx, keys)
		return nil, err
	}

	for _, key := range keys {
		if err := g.settlements.Complete(ctx, key); err != nil {
			// The payment is settled; the pending claim still blocks replays until it expires.
			g.logger.Error("failed to mark proof settled", "proof_key", key, "error", err)
		}
	}

	g.metrics.GateOutcome("admitted")
	admission := &Admission{Proof: proof, Settlement: settlement}
	g.logger.Info("payment settled",
		"transaction", admission.TransactionSignature(),
		"network", settlement.Network,
		"amount", req.PriceMicroUnits,
	)
	return &Result{Outcome: Admitted, Admission: admission}, nil
}

// claim takes every key or none of them.
func (g *Gate) claim(ctx context.Context, keys []string) error {
	for i, key := range keys {
		if err := g.settlements.Begin(ctx, key); err != nil {
			g.release(ctx, keys[:i])
			return err
		}
	}
	return nil
}

func (g *Gate) release(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := g.settlements.Fail(ctx, key); err != nil {
			g.logger.Error("failed to release proof claim", "proof_key", key, "error", err)
		}
	}
}

// MaxDuration is the longest Admit waits on the facilitator.
func (g *Gate) MaxDuration() time.Duration {
	return 2 * g.timeout
}

func (g *Gate) verifyAndSettle(ctx context.Context, proof *Proof, req Requirement) (*Settlement, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, g.timeout)
	valid, err := g.facilitator.Verify(verifyCtx, proof, req)
	cancel()
	if err != nil {
		g.metrics.GateOutcome("unavailable")
		g.metrics.UpstreamError("facilitator")
		g.logger.Error("payment verification failed", "error", err, "circuit_open", circuitbreaker.IsRejected(err))
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "Payment facilitator unavailable", err)
	}
	if !valid {
		g.metrics.GateOutcome("rejected")
		return nil, apperr.New(apperr.KindPaymentRejected, "Invalid payment")
	}

	settleCtx, cancel := context.WithTimeout(ctx, g.timeout)
	settlement, err := g.facilitator.Settle(settleCtx, proof, req)
	cancel()
	if err != nil {
		g.metrics.GateOutcome("settlement_failed")
		g.metrics.UpstreamError("facilitator")
		g.logger.Error("payment settlement failed", "error", err)
		return nil, apperr.Wrap(apperr.KindSettlementFailed, "Payment settlement failed", err)
	}
	if settlement == nil || !settlement.Success {
		reason := "unknown"
		if settlement != nil && settlement.ErrorReason != "" {
			reason = settlement.ErrorReason
		}
		g.metrics.GateOutcome("settlement_failed")
		g.logger.Warn("payment settlement declined", "reason", reason)
		return nil, apperr.New(apperr.KindSettlementFailed, "Payment settlement failed: "+reason)
	}
	return settlement, nil
}
