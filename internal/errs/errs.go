// Package errs defines the error taxonomy shared by the orchestration and safety
// components. Callers classify failures with errors.Is against the sentinels.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrLimitExceeded      = errors.New("limit exceeded")
	ErrConflict           = errors.New("conflict")
	ErrExternalFailure    = errors.New("external failure")
	ErrInvalid            = errors.New("invalid argument")
)

// Kind is the wire name of an error class.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidTransition  Kind = "invalid_transition"
	KindPreconditionFailed Kind = "precondition_failed"
	KindLimitExceeded      Kind = "limit_exceeded"
	KindConflict           Kind = "conflict"
	KindExternalFailure    Kind = "external_failure"
	KindInvalid            Kind = "invalid_argument"
	KindInternal           Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrPreconditionFailed, KindPreconditionFailed},
	{ErrLimitExceeded, KindLimitExceeded},
	{ErrConflict, KindConflict},
	{ErrExternalFailure, KindExternalFailure},
	{ErrInvalid, KindInvalid},
}

// KindOf classifies err. Unclassified errors are reported as internal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// NotFound reports that an entity of the given type does not exist.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// Transition reports an illegal state change.
func Transition(entity, id string, from, to any) error {
	return fmt.Errorf("%s %s: %v -> %v: %w", entity, id, from, to, ErrInvalidTransition)
}

// External wraps a collaborator failure, keeping its message attached.
func External(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrExternalFailure, err)
}
