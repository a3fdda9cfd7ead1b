package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incrypt/backend/internal/circuitbreaker"
)

type recordedRequest struct {
	path string
	body facilitatorRequest
}

type recorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.reqs...)
}

func facilitatorServer(t *testing.T, handler func(w http.ResponseWriter, path string)) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body facilitatorRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, recordedRequest{path: r.URL.Path, body: body})
		rec.mu.Unlock()
		handler(w, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestHTTPFacilitatorVerifyAndSettle(t *testing.T) {
	srv, seen := facilitatorServer(t, func(w http.ResponseWriter, path string) {
		switch path {
		case "/verify":
			_, _ = w.Write([]byte(`{"isValid":true,"payer":"payer-key"}`))
		case "/settle":
			_, _ = w.Write([]byte(`{"success":true,"transaction":"onchain-sig","network":"solana-devnet","payer":"payer-key"}`))
		}
	})

	f := NewHTTPFacilitator(srv.URL+"/", time.Second, nil, nil)
	proof, err := ExtractProof(validHeader("client-tx"))
	require.NoError(t, err)

	ok, err := f.Verify(context.Background(), proof, testRequirement())
	require.NoError(t, err)
	assert.True(t, ok)

	settlement, err := f.Settle(context.Background(), proof, testRequirement())
	require.NoError(t, err)
	assert.True(t, settlement.Success)
	assert.Equal(t, "onchain-sig", settlement.Transaction)

	reqs := seen.all()
	require.Len(t, reqs, 2)
	first := reqs[0]
	assert.Equal(t, "/verify", first.path)
	assert.Equal(t, 1, first.body.X402Version)
	assert.Equal(t, "10000", first.body.PaymentRequirements.MaxAmountRequired)
	assert.Contains(t, string(first.body.PaymentPayload), `"transactionSignature":"client-tx"`)
}

func TestHTTPFacilitatorInvalidPayment(t *testing.T) {
	srv, _ := facilitatorServer(t, func(w http.ResponseWriter, _ string) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"isValid":false,"invalidReason":"invalid_exact_svm_payload_transaction"}`))
	})

	f := NewHTTPFacilitator(srv.URL, time.Second, nil, nil)
	proof, _ := ExtractProof(validHeader("client-tx"))

	ok, err := f.Verify(context.Background(), proof, testRequirement())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPFacilitatorServerErrorTripsBreaker(t *testing.T) {
	srv, seen := facilitatorServer(t, func(w http.ResponseWriter, _ string) {
		w.WriteHeader(http.StatusBadGateway)
	})

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "facilitator",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	f := NewHTTPFacilitator(srv.URL, time.Second, breaker, nil)
	proof, _ := ExtractProof(validHeader("client-tx"))

	for i := 0; i < 2; i++ {
		_, err := f.Verify(context.Background(), proof, testRequirement())
		assert.Error(t, err)
	}
	_, err := f.Verify(context.Background(), proof, testRequirement())
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Len(t, seen.all(), 2)
}
