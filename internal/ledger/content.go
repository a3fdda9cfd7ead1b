package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalContent serializes v as RFC 8785 JSON so the same signal always
// produces the same receipt content, whatever field order the encoder used.
func CanonicalContent(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal signal content: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize signal content: %w", err)
	}
	return string(canonical), nil
}
