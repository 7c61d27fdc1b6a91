package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide between retry, record and pause.
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient"     // network, timeout, 5xx, rate limit: retry with backoff
	KindRejected      ErrorKind = "rejected"      // insufficient funds, invalid quantity: record, no retry
	KindConfiguration ErrorKind = "configuration" // missing credentials, bad symbol: pause the strategy
	KindInternal      ErrorKind = "internal"      // invariant violated: log and force-reset
)

// EngineError carries an ErrorKind together with the failing operation.
type EngineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewError wraps err with the given kind.
func NewError(kind ErrorKind, op string, err error) *EngineError {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

func TransientError(op string, err error) error     { return NewError(KindTransient, op, err) }
func RejectedError(op string, err error) error      { return NewError(KindRejected, op, err) }
func ConfigurationError(op string, err error) error { return NewError(KindConfiguration, op, err) }
func InternalInvariantError(op string, err error) error {
	return NewError(KindInternal, op, err)
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

func IsTransient(err error) bool     { return KindOf(err) == KindTransient }
func IsRejected(err error) bool      { return KindOf(err) == KindRejected }
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
func IsInternal(err error) bool      { return KindOf(err) == KindInternal }

var (
	// ErrSnapshotUnavailable is returned when no fresh snapshot exists for a symbol.
	ErrSnapshotUnavailable = errors.New("market snapshot unavailable")
	// ErrNotFound is returned for unknown entities.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned when a request fails validation.
	ErrInvalidInput = errors.New("invalid input")
)
