// Package reconcile holds the result vocabulary shared by the event handlers:
// what happened to an event and, when something failed, which kind of failure
// it was.
package reconcile

import (
	"errors"
	"fmt"
)

// Outcome reports how a handler disposed of an event.
type Outcome int

const (
	// Applied means the event was reconciled and can be removed from the queue.
	Applied Outcome = iota
	// Deferred means a precondition is missing; the event stays queued.
	Deferred
	// Skipped means the event can never be applied; it is consumed and logged.
	Skipped
)

// String renders the outcome for logs and metric labels.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Deferred:
		return "deferred"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Consumed reports whether the queue may delete the event.
func (o Outcome) Consumed() bool {
	return o == Applied || o == Skipped
}

// Kind classifies failures so callers can decide between retry, skip and abort.
type Kind string

const (
	KindTransport    Kind = "transport"
	KindProvenance   Kind = "provenance"
	KindPrecondition Kind = "precondition"
	KindInvariant    Kind = "invariant"
	KindValidation   Kind = "validation"
	KindInternal     Kind = "internal"
)

// Error is a classified failure raised by a reconciler.
type Error struct {
	code string
	kind Kind
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" identifier.
func (e *Error) Code() string {
	return e.code
}

// Kind returns the failure classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// NewError builds a classified error with a "<operation>.<reason>" code.
func NewError(operation, reason string, kind Kind, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), kind: kind, err: cause}
}

// Invariant is shorthand for an invariant violation.
func Invariant(operation, reason string, cause error) error {
	return NewError(operation, reason, KindInvariant, cause)
}

// Internal is shorthand for an unexpected internal failure such as a store error.
func Internal(operation, reason string, cause error) error {
	return NewError(operation, reason, KindInternal, cause)
}

// KindOf returns the kind of the first classified error in the chain. Errors
// that were never classified count as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return KindInternal
}

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool {
	return err != nil && KindOf(err) == KindInvariant
}

// IsRetriable reports whether leaving the event queued can ever help.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindProvenance, KindValidation:
		return false
	default:
		return err != nil
	}
}
