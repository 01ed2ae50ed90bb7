package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	// ErrCapExceeded means the daily spend cap would be (or has been)
	// breached. It terminates the engine after the current cycle persists.
	ErrCapExceeded = errors.New("daily cost cap exceeded")

	// ErrCostUpdateConflict means the spend counter CAS lost repeatedly.
	ErrCostUpdateConflict = errors.New("cost counter update conflict")

	// ErrEmergencyStop means the emergency tombstone is active.
	ErrEmergencyStop = errors.New("emergency stop active")

	// ErrNotFound is returned by stores for missing documents or secrets.
	ErrNotFound = errors.New("not found")

	// ErrRevisionMismatch is returned by conditional document writes.
	ErrRevisionMismatch = errors.New("document revision mismatch")
)

// ConfigError is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// DataQualityError marks malformed external data. The observation is dropped
// and a warning recorded; the cycle continues.
type DataQualityError struct {
	Source string
	Reason string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("bad data from %s: %s", e.Source, e.Reason)
}

// StateInvariantViolation marks an internal bug. The cycle fails fast and
// the decision is forced to HOLD.
type StateInvariantViolation struct {
	Invariant string
}

func (e *StateInvariantViolation) Error() string {
	return fmt.Sprintf("state invariant violated: %s", e.Invariant)
}

// TransientError wraps timeouts and upstream 5xx-style failures that are
// retried per the per-I/O policy and surfaced as warnings when persistent.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a TransientError anywhere in its chain.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ExecutionError wraps failures from gateway execution calls. Cannot occur
// in observation mode.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s failed: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
