// Package apperr classifies errors crossing component boundaries so the HTTP
// layer can map them to status codes without knowing where they came from.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is the error taxonomy shared by every component.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindPaymentRejected     Kind = "payment_rejected"
	KindSettlementFailed    Kind = "settlement_failed"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindIntegrity           Kind = "integrity"
	KindStorageUnavailable  Kind = "storage_unavailable"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindPaymentRejected:
		return http.StatusPaymentRequired
	case KindSettlementFailed:
		return http.StatusBadGateway
	case KindUpstreamUnavailable, KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type classifiedError struct {
	kind    Kind
	message string
	cause   error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return e.message
	}
	if e.message == "" {
		return e.cause.Error()
	}
	return e.message + ": " + e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// New returns a classified error without an underlying cause.
func New(kind Kind, message string) error {
	return &classifiedError{kind: kind, message: message}
}

// Wrap classifies cause. A nil cause yields nil.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{kind: kind, message: message, cause: cause}
}

// KindOf reports the outermost classification of err, or KindInternal.
func KindOf(err error) Kind {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.kind
	}
	return KindInternal
}

// Message returns the client-facing message for err. Unclassified errors
// never leak their text.
func Message(err error) string {
	var classified *classifiedError
	if !errors.As(err, &classified) {
		return "Internal server error"
	}
	if classified.message != "" {
		return classified.message
	}
	return classified.Error()
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
