package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/incrypt/backend/internal/circuitbreaker"
)

// Settlement is the facilitator's answer to a settle request.
type Settlement struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Facilitator verifies and settles payments on the payment network. A
// transport failure is an error; an invalid payment is (false, nil).
type Facilitator interface {
	Verify(ctx context.Context, proof *Proof, req Requirement) (bool, error)
	Settle(ctx context.Context, proof *Proof, req Requirement) (*Settlement, error)
}

// HTTPFacilitator talks to an x402 facilitator over its /verify and /settle
// endpoints.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewHTTPFacilitator(baseURL string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *slog.Logger) *HTTPFacilitator {
	if logger == nil {
		logger = slog.Default()
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("facilitator"))
	}
	return &HTTPFacilitator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger.With("component", "facilitator"),
	}
}

type facilitatorRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      json.RawMessage     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason"`
	Payer         string `json:"payer"`
}

func (f *HTTPFacilitator) Verify(ctx context.Context, proof *Proof, req Requirement) (bool, error) {
	var out verifyResponse
	if err := f.post(ctx, "/verify", proof, req, &out); err != nil {
		return false, err
	}
	if !out.IsValid {
		f.logger.Info("payment rejected by facilitator", "reason", out.InvalidReason, "payer", out.Payer)
	}
	return out.IsValid, nil
}

func (f *HTTPFacilitator) Settle(ctx context.Context, proof *Proof, req Requirement) (*Settlement, error) {
	var out Settlement
	if err := f.post(ctx, "/settle", proof, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, proof *Proof, req Requirement, out any) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         X402Version,
		PaymentPayload:      proof.document(),
		PaymentRequirements: req.Wire(),
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	_, err = circuitbreaker.Call(ctx, f.breaker, func(ctx context.Context) (struct{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := f.client.Do(httpReq)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return struct{}{}, err
		}
		if resp.StatusCode >= 500 {
			return struct{}{}, fmt.Errorf("facilitator %s returned %d", path, resp.StatusCode)
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return struct{}{}, fmt.Errorf("decode facilitator %s response (status %d): %w", path, resp.StatusCode, err)
		}
		return struct{}{}, nil
	})
	return err
}
