// Package kverrors defines the error taxonomy used across the storage and
// execution core: transient (retryable), conflict, invariant-violation, and
// replication-quorum failures.
package kverrors

import "fmt"

// Code classifies a StoreError for programmatic handling.
type Code int

const (
	CodeUnknown Code = iota
	CodeRetry        // transient: re-enqueue and retry locally
	CodeShifted      // transient: responsible handler changed, retry on new owner
	CodeLocked       // conflict: row lock held by another transaction
	CodeInvariant    // fatal: invariant violation (closed map, corrupt chunk, nil value)
	CodeQuorum       // replication quorum could not be reached within MaxTries
	CodeTimeout      // a waiter's deadline elapsed
	CodeDeadlock     // a lock-wait cycle was detected
)

func (c Code) String() string {
	switch c {
	case CodeRetry:
		return "RETRY"
	case CodeShifted:
		return "SHIFTED"
	case CodeLocked:
		return "LOCKED"
	case CodeInvariant:
		return "INVARIANT"
	case CodeQuorum:
		return "QUORUM"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeDeadlock:
		return "DEADLOCK"
	default:
		return "UNKNOWN"
	}
}

// StoreError is the concrete error type returned by this module. Code
// selects retry/propagation behavior; Cause preserves the wrapped error.
type StoreError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("treekv: %s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("treekv: %s: %s", e.Code, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// Is reports whether target has the same Code, so callers can write
// errors.Is(err, kverrors.Retry) against a sentinel of the right code.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(code Code, message string, cause error) error {
	return &StoreError{Code: code, Message: message, Cause: cause}
}

func Retryf(format string, args ...interface{}) error {
	return New(CodeRetry, fmt.Sprintf(format, args...), nil)
}

func Shiftedf(format string, args ...interface{}) error {
	return New(CodeShifted, fmt.Sprintf(format, args...), nil)
}

func Lockedf(format string, args ...interface{}) error {
	return New(CodeLocked, fmt.Sprintf(format, args...), nil)
}

func Invariantf(format string, args ...interface{}) error {
	return New(CodeInvariant, fmt.Sprintf(format, args...), nil)
}

func Quorumf(format string, args ...interface{}) error {
	return New(CodeQuorum, fmt.Sprintf(format, args...), nil)
}

func Timeoutf(format string, args ...interface{}) error {
	return New(CodeTimeout, fmt.Sprintf(format, args...), nil)
}

func Deadlockf(format string, args ...interface{}) error {
	return New(CodeDeadlock, fmt.Sprintf(format, args...), nil)
}

// Sentinels usable with errors.Is when the message doesn't matter.
var (
	Retry     = &StoreError{Code: CodeRetry}
	Shifted   = &StoreError{Code: CodeShifted}
	Locked    = &StoreError{Code: CodeLocked}
	Invariant = &StoreError{Code: CodeInvariant}
	Quorum    = &StoreError{Code: CodeQuorum}
	Timeout   = &StoreError{Code: CodeTimeout}
	Deadlock  = &StoreError{Code: CodeDeadlock}
)
