package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"unicode/utf8"
)

// Record is the content a receipt binds together. An empty ClientPublicKey
// hashes the same as an absent one.
type Record struct {
	TransactionSignature string
	SignalContent        string
	RequestTimestamp     int64
	ClientPublicKey      string
}

// ComputeHash returns the lowercase hex SHA-256 of the record's canonical
// preimage:
//
//	{"tx":<tx>,"signal":<content>,"timestamp":<ms>,"client":<key or "">}
//
// Key order is fixed and strings are escaped the way JSON.stringify escapes
// them, so digests stay compatible with receipts issued by JavaScript clients.
func ComputeHash(r Record) string {
	sum := sha256.Sum256(canonicalPreimage(r))
	return hex.EncodeToString(sum[:])
}

func canonicalPreimage(r Record) []byte {
	buf := make([]byte, 0, 64+len(r.TransactionSignature)+len(r.SignalContent)+len(r.ClientPublicKey))
	buf = append(buf, `{"tx":`...)
	buf = appendQuoted(buf, r.TransactionSignature)
	buf = append(buf, `,"signal":`...)
	buf = appendQuoted(buf, r.SignalContent)
	buf = append(buf, `,"timestamp":`...)
	buf = strconv.AppendInt(buf, r.RequestTimestamp, 10)
	buf = append(buf, `,"client":`...)
	buf = appendQuoted(buf, r.ClientPublicKey)
	return append(buf, '}')
}

const hexDigits = "0123456789abcdef"

// appendQuoted escapes only quote, backslash and C0 controls. encoding/json
// also escapes <, >, & and U+2028/U+2029, which would change the digest.
func appendQuoted(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"', '\\':
				buf = append(buf, '\\', c)
			case '\b':
				buf = append(buf, '\\', 'b')
			case '\f':
				buf = append(buf, '\\', 'f')
			case '\n':
				buf = append(buf, '\\', 'n')
			case '\r':
				buf = append(buf, '\\', 'r')
			case '\t':
				buf = append(buf, '\\', 't')
			default:
				if c < 0x20 {
					buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
				} else {
					buf = append(buf, c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf = utf8.AppendRune(buf, utf8.RuneError)
		} else {
			buf = append(buf, s[i:i+size]...)
		}
		i += size
	}
	return append(buf, '"')
}

// IsValidHash reports whether s looks like a receipt digest.
func IsValidHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
