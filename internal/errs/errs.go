// Package errs defines the structured error kinds surfaced at the public
// boundaries of the relay (API responses, WebSocket log envelopes). Internal
// callers should still use fmt.Errorf("...: %w", err) to wrap these; errs
// only names the small, closed set of kinds a caller outside the process
// needs to branch on.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories named in the error handling design.
type Kind string

const (
	ConfigInvalid     Kind = "ConfigInvalid"
	PortUnavailable   Kind = "PortUnavailable"
	StateMismatch     Kind = "StateMismatch"
	TranscoderMissing Kind = "TranscoderMissing"
	ChildExit         Kind = "ChildExit"
	IngestRejected    Kind = "IngestRejected"
	NotFound          Kind = "NotFound"
	NetworkTransient  Kind = "NetworkTransient"
)

// RelayError is a structured value carried across a public boundary instead
// of an opaque error escaping it. Details holds multi-line or field-level
// information that a one-line Error() string can't carry.
type RelayError struct {
	Kind    Kind
	Message string
	Details []string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a RelayError of the given kind.
func New(kind Kind, format string, args ...any) *RelayError {
	return &RelayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches field-level or multi-line detail to an error and
// returns it for chaining at the construction site.
func (e *RelayError) WithDetails(details ...string) *RelayError {
	e.Details = append(e.Details, details...)
	return e
}

// Is reports whether err is, or wraps via %w, a *RelayError of the given
// kind, e.g. errs.Is(err, errs.NotFound).
func Is(err error, kind Kind) bool {
	var re *RelayError
	return errors.As(err, &re) && re.Kind == kind
}
