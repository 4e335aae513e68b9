package orchestrator

import (
	"errors"
	"fmt"

	"github.com/devghori1264/mcpanel/internal/models"
)

var (
	// ErrPreconditionFailed marks a request rejected because of the current
	// phase. Never retried.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrExternalCallFailed marks a single failed attempt of an external call.
	ErrExternalCallFailed = errors.New("external call failed")
	// ErrExternalCallExhausted marks an external call that failed on every attempt.
	ErrExternalCallExhausted = errors.New("external call retries exhausted")
	// ErrReconciliationMismatch marks a disagreement between the stored record
	// and what the external systems report.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
)

// PreconditionError is returned when an operation is not allowed in the
// record's current phase.
type PreconditionError struct {
	Op     string
	Phase  models.Phase
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s rejected in phase %s: %s", e.Op, e.Phase, e.Reason)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

// ExternalCallError reports an external call that exhausted its retries.
type ExternalCallError struct {
	Call     string
	Attempts int
	Err      error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Call, e.Attempts, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

func (e *ExternalCallError) Is(target error) bool {
	return target == ErrExternalCallExhausted
}

// MismatchError reports that external state contradicts the stored phase.
type MismatchError struct {
	Phase  models.Phase
	Detail string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("reconciliation mismatch in phase %s: %s", e.Phase, e.Detail)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrReconciliationMismatch
}
