package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
)

// fakeFacilitator records calls and answers from its fields.
type fakeFacilitator struct {
	mu          sync.Mutex
	valid       bool
	verifyErr   error
	settle      *Settlement
	settleErr   error
	verifyCalls int
	settleCalls int
}

func newFakeFacilitator() *fakeFacilitator {
	return &fakeFacilitator{
		valid:  true,
		settle: &Settlement{Success: true, Transaction: "settled-tx-1", Network: "solana-devnet", Payer: "payer-key"},
	}
}

func (f *fakeFacilitator) Verify(context.Context, *Proof, Requirement) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return f.valid, f.verifyErr
}

func (f *fakeFacilitator) Settle(context.Context, *Proof, Requirement) (*Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++
	return f.settle, f.settleErr
}

func (f *fakeFacilitator) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, f.settleCalls
}

func encodeProof(v any) string {
	raw, _ := json.Marshal(v)
	return base64.StdEncoding.EncodeToString(raw)
}

func validHeader(tx string) string {
	return encodeProof(map[string]any{
		"x402Version":          1,
		"scheme":               "exact",
		"network":              "solana-devnet",
		"transactionSignature": tx,
		"clientPublicKey":      "client-key",
	})
}

func testRequirement() Requirement {
	return Requirement{
		ResourcePath:      "https://signals.example.com/api/signals",
		PriceMicroUnits:   10000,
		AssetAddress:      "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		AssetDecimals:     6,
		Description:       "Trading signal request",
		Network:           "solana-devnet",
		PayTo:             "Treasury111",
		MaxTimeoutSeconds: 60,
	}
}
