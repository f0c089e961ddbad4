package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry, rollback, and escalation
// decisions.
type ErrorKind string

const (
	KindTransient       ErrorKind = "transient"
	KindModel           ErrorKind = "model"
	KindParse           ErrorKind = "parse"
	KindPolicyViolation ErrorKind = "policy_violation"
	KindExecution       ErrorKind = "execution_failure"
	KindRollback        ErrorKind = "rollback_failure"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op   string
	Msg  string
	Kind ErrorKind
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an unclassified AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// Transient tags an error as retryable with backoff.
func Transient(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindTransient, Err: err}
}

// ModelError tags a statistical model failure; the affected cycle is
// skipped, not retried.
func ModelError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindModel, Err: err}
}

// ParseError tags unusable output from the reasoning capability.
func ParseError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindParse, Err: err}
}

// PolicyViolation tags a refusal by the risk gate. It is normal control
// flow, not a fault.
func PolicyViolation(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindPolicyViolation, Err: err}
}

// ExecutionFailure tags a failed remediation action.
func ExecutionFailure(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindExecution, Err: err}
}

// RollbackFailure tags a failed rollback; these always escalate urgently.
func RollbackFailure(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindRollback, Err: err}
}

// KindOf returns the classification of err, or empty when untagged.
func KindOf(err error) ErrorKind {
	var app *AppError
	if errors.As(err, &app) {
		return app.Kind
	}
	return ""
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsPolicyViolation reports whether err is a risk-gate refusal.
func IsPolicyViolation(err error) bool {
	return KindOf(err) == KindPolicyViolation
}
