package errors

import (
	"errors"
)

// Kind classifies edit-engine errors.
//
// Structural errors are fatal to the operation and returned to the caller.
// Validation and Invariant conditions are logged and dropped at the point
// they are detected; they only appear as errors when a caller insists on
// surfacing them. Upstream errors abort the single affected feature.
type Kind int

const (
	KindStructural Kind = iota
	KindValidation
	KindInvariant
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindValidation:
		return "validation"
	case KindInvariant:
		return "invariant"
	case KindUpstream:
		return "upstream"
	}
	return "unknown"
}

// EditError represents an edit-engine error
type EditError struct {
	Kind    Kind
	Message string
	Err     error // Original error
}

// Error returns the error message
func (e *EditError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the original error
func (e *EditError) Unwrap() error {
	return e.Err
}

// New creates a new edit-engine error
func New(kind Kind, message string, err error) *EditError {
	return &EditError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Common error types
var (
	// ErrDetachedLedger means a ledger operation ran against a document that
	// has been closed. Callers must recreate the ledger through the
	// registry, not retry.
	ErrDetachedLedger = errors.New("ledger has no attached document")

	// ErrMalformedFeatureID means a composite feature id failed to parse.
	ErrMalformedFeatureID = errors.New("malformed composite feature id")

	// ErrUpstreamUnavailable means the existence check against the
	// authoritative store failed.
	ErrUpstreamUnavailable = errors.New("upstream feature store unavailable")

	// ErrUnknownLayer means a registry lookup could not resolve a ledger.
	ErrUnknownLayer = errors.New("no tracked edits for layer")
)

// Structural wraps err as a structural error
func Structural(message string, err error) *EditError {
	return New(KindStructural, message, err)
}

// Upstream wraps err as an upstream I/O error
func Upstream(message string, err error) *EditError {
	return New(KindUpstream, message, err)
}

// IsKind reports whether err is an EditError of the given kind
func IsKind(err error, kind Kind) bool {
	var editErr *EditError
	if errors.As(err, &editErr) {
		return editErr.Kind == kind
	}
	return false
}
