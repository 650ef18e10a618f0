package hmr

import (
	"errors"
	"fmt"
)

// Kind classifies the error taxonomy from the HMR error handling design:
// parse/IO/analysis errors are surfaced to clients without rejecting the
// job; graph invariant violations and transport/apply errors are handled
// closer to where they occur.
type Kind string

const (
	KindParseError              Kind = "parse"
	KindIOError                 Kind = "io"
	KindAnalysisError           Kind = "analysis"
	KindGraphInvariantViolation Kind = "graph_invariant"
	KindTransportError          Kind = "transport"
	KindClientApplyError        Kind = "client_apply"
)

// Error wraps an underlying cause with the HMR error kind and the file it
// occurred on, so callers can branch with errors.As without string
// matching.
type Error struct {
	Kind Kind
	File ModuleID
	Err  error
}

func (e *Error) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.File, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, file ModuleID, err error) *Error {
	return &Error{Kind: kind, File: file, Err: err}
}

func ParseError(file ModuleID, err error) *Error {
	return newError(KindParseError, file, err)
}

func IOError(file ModuleID, err error) *Error {
	return newError(KindIOError, file, err)
}

func AnalysisError(file ModuleID, err error) *Error {
	return newError(KindAnalysisError, file, err)
}

func GraphInvariantViolation(file ModuleID, err error) *Error {
	return newError(KindGraphInvariantViolation, file, err)
}

func TransportError(err error) *Error {
	return newError(KindTransportError, "", err)
}

func ClientApplyError(file ModuleID, err error) *Error {
	return newError(KindClientApplyError, file, err)
}

// IsUserVisible reports whether the error kind is one that should be
// surfaced to connected clients as a protocol "error" message rather than
// only logged server-side. ParseError, IOError and AnalysisError are
// user-visible per the error handling design; GraphInvariantViolation is a
// programmer error and TransportError/ClientApplyError are handled at
// their own layer.
func IsUserVisible(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindParseError, KindIOError, KindAnalysisError:
		return true
	default:
		return false
	}
}
