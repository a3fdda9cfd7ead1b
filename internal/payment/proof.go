package payment

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedProof = errors.New("malformed payment proof")

// Proof is a decoded X-PAYMENT header. Nothing in it is trusted until the
// facilitator verifies it.
type Proof struct {
	X402Version          int             `json:"x402Version"`
	Scheme               string          `json:"scheme"`
	Network              string          `json:"network"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	TransactionSignature string          `json:"transactionSignature,omitempty"`
	ClientPublicKey      string          `json:"clientPublicKey,omitempty"`

	// Transaction is the signed transaction carried in the payload, if any.
	Transaction string `json:"-"`

	// Raw is the header exactly as received.
	Raw string `json:"-"`
}

type proofPayload struct {
	Transaction          string `json:"transaction"`
	TransactionSignature string `json:"transactionSignature"`
	Signature            string `json:"signature"`
	ClientPublicKey      string `json:"clientPublicKey"`
	From                 string `json:"from"`
}

// ExtractProof decodes a base64 JSON payment header. An empty header yields
// (nil, nil): the caller should challenge rather than reject.
func ExtractProof(header string) (*Proof, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	raw, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", ErrMalformedProof)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedProof)
	}

	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	p.Raw = header

	if len(p.Payload) > 0 && !bytes.Equal(p.Payload, []byte("null")) {
		var inner proofPayload
		if err := json.Unmarshal(p.Payload, &inner); err == nil {
			p.Transaction = inner.Transaction
			if p.TransactionSignature == "" {
				p.TransactionSignature = firstNonEmpty(inner.TransactionSignature, inner.Signature)
			}
			if p.ClientPublicKey == "" {
				p.ClientPublicKey = firstNonEmpty(inner.ClientPublicKey, inner.From)
			}
			if inner.Transaction != "" || p.TransactionSignature != "" {
				return &p, nil
			}
		}
	}

	if p.TransactionSignature == "" {
		return nil, fmt.Errorf("%w: no transaction", ErrMalformedProof)
	}
	return &p, nil
}

// Keys identify the payment for replay protection. They depend only on the
// transaction the proof carries, never on how the header was encoded. A proof
// with both a signed transaction and a signature yields a key for each, so
// resending either one alone is still a replay.
func (p *Proof) Keys() []string {
	var keys []string
	if p.Transaction != "" {
		keys = append(keys, replayKey("tx", p.Transaction))
	}
	if p.TransactionSignature != "" {
		keys = append(keys, replayKey("sig", p.TransactionSignature))
	}
	return keys
}

func replayKey(kind, id string) string {
	sum := sha256.Sum256([]byte(kind + ":" + id))
	return hex.EncodeToString(sum[:])
}

// document returns the proof as sent by the client, for forwarding to the
// facilitator.
func (p *Proof) document() json.RawMessage {
	raw, err := decodeBase64(p.Raw)
	if err != nil {
		return nil
	}
	return json.RawMessage(bytes.TrimSpace(raw))
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, errors.New("invalid base64")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
