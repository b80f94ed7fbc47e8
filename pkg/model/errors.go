package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, machine-readable error taxonomy every public
// operation surfaces.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindInvalidArgument  ErrorKind = "invalid_argument"
	KindUpstreamError    ErrorKind = "upstream_error"
	KindOverloaded       ErrorKind = "overloaded"
	KindTimeout          ErrorKind = "timeout"
	KindInternalError    ErrorKind = "internal_error"
)

// Sentinel errors for errors.Is comparisons.
var (
	ErrNotFound         = errors.New("entity not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUpstream         = errors.New("upstream repository error")
	ErrOverloaded       = errors.New("too many concurrent requests")
	ErrTimeout          = errors.New("deadline exceeded")
	ErrInternal         = errors.New("internal invariant violation")
)

// RecoError wraps an error with a stable kind, an operation name, and a
// human-readable message, matching the taxonomy in spec.md §7.
type RecoError struct {
	Op      string
	Kind    ErrorKind
	Err     error
	Message string
}

func (e *RecoError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("propmatch: %s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("propmatch: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *RecoError) Unwrap() error {
	return e.Err
}

func (e *RecoError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError builds a RecoError for the given operation and kind.
func NewError(op string, kind ErrorKind, err error) *RecoError {
	return &RecoError{Op: op, Kind: kind, Err: err}
}

// Wrap maps a sentinel error to its RecoError with operation context. Errors
// that don't match a known sentinel are wrapped as InternalError.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return NewError(op, KindNotFound, err)
	case errors.Is(err, ErrInvalidArgument):
		return NewError(op, KindInvalidArgument, err)
	case errors.Is(err, ErrUpstream):
		return NewError(op, KindUpstreamError, err)
	case errors.Is(err, ErrOverloaded):
		return NewError(op, KindOverloaded, err)
	case errors.Is(err, ErrTimeout):
		return NewError(op, KindTimeout, err)
	default:
		return NewError(op, KindInternalError, err)
	}
}

// IsFallbackEligible reports whether err is one of the kinds that the
// advanced-mode pipeline is allowed to recover from by falling back to the
// classic scorer path (spec.md §7).
func IsFallbackEligible(err error) bool {
	var re *RecoError
	if errors.As(err, &re) {
		return re.Kind == KindUpstreamError || re.Kind == KindTimeout
	}
	return errors.Is(err, ErrUpstream) || errors.Is(err, ErrTimeout)
}
