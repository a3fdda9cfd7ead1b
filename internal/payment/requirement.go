// Package payment gates a paid resource behind an x402 micropayment: it issues
// challenges, decodes proofs, and admits a request only after the facilitator
// has verified and settled its payment.
package payment

import (
	"strconv"
	"strings"

	"github.com/incrypt/backend/internal/config"
)

const (
	X402Version = 1
	SchemeExact = "exact"
	HeaderName  = "X-PAYMENT"
)

// Requirement describes what a client must pay for one resource.
type Requirement struct {
	ResourcePath      string
	PriceMicroUnits   int64
	AssetAddress      string
	AssetDecimals     int
	Description       string
	Network           string
	PayTo             string
	MaxTimeoutSeconds int
}

// RequirementFromConfig builds the signal resource's requirement.
func RequirementFromConfig(cfg config.PaymentConfig) Requirement {
	return Requirement{
		ResourcePath:      cfg.Resource,
		PriceMicroUnits:   cfg.PriceMicroUnits,
		AssetAddress:      cfg.AssetAddress,
		AssetDecimals:     cfg.AssetDecimals,
		Description:       cfg.Description,
		Network:           cfg.Network,
		PayTo:             cfg.TreasuryAddress,
		MaxTimeoutSeconds: cfg.MaxTimeoutSeconds,
	}
}

// ForResource returns a copy of r addressed to resource, which may be a path
// or an absolute URL.
func (r Requirement) ForResource(resource string) Requirement {
	r.ResourcePath = resource
	return r
}

// PaymentRequirements is the x402 wire form of a Requirement.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Wire converts r to the form sent to clients and the facilitator.
func (r Requirement) Wire() PaymentRequirements {
	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           r.Network,
		MaxAmountRequired: strconv.FormatInt(r.PriceMicroUnits, 10),
		Resource:          resourceURL(r.ResourcePath),
		Description:       r.Description,
		MimeType:          "application/json",
		PayTo:             r.PayTo,
		MaxTimeoutSeconds: r.MaxTimeoutSeconds,
		Asset:             r.AssetAddress,
		Extra:             map[string]any{"decimals": r.AssetDecimals},
	}
}

// x402 requires an absolute resource URL.
func resourceURL(resource string) string {
	if strings.HasPrefix(resource, "http://") || strings.HasPrefix(resource, "https://") {
		return resource
	}
	return "https://" + strings.TrimPrefix(resource, "/")
}

// ResourceURL resolves path against the host a request arrived on.
func ResourceURL(host, path string, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	if host == "" {
		return path
	}
	return scheme + "://" + host + "/" + strings.TrimPrefix(path, "/")
}

// Challenge is the 402 response body.
type Challenge struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// BuildChallenge returns the body a client receives when it did not pay.
func BuildChallenge(req Requirement) *Challenge {
	return &Challenge{
		X402Version: X402Version,
		Accepts:     []PaymentRequirements{req.Wire()},
		Error:       "Payment required",
	}
}
