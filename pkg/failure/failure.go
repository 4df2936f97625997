// Package failure defines the error kinds shared by every stage of query analysis.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of failure.
type Kind string

const (
	ClassificationAmbiguous   Kind = "classification_ambiguous"
	OperationParameterInvalid Kind = "operation_parameter_invalid"
	OperationNotFound         Kind = "operation_not_found"
	OperationFailed           Kind = "operation_failed"
	GatewayNoSelection        Kind = "gateway_no_selection"
	GatewayError              Kind = "gateway_error"
	ScriptUnsafe              Kind = "script_unsafe"
	ScriptInvalid             Kind = "script_invalid"
	ScriptRuntimeError        Kind = "script_runtime_error"
	ScriptTimeout             Kind = "script_timeout"
	ResultMissing             Kind = "result_missing"
	ResultValidationFailed    Kind = "result_validation_failed"
	RetryBudgetExhausted      Kind = "retry_budget_exhausted"
	InvalidInput              Kind = "invalid_input"
	Canceled                  Kind = "canceled"
)

// Error is a typed failure. Message is safe to show to callers; Err may carry
// internal detail and is only used for logging and errors.Is/As chains.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a failure of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a failure of the given kind that wraps err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries a failure of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the caller-safe message for err.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Message != "" {
			return fe.Message
		}
	}
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

const maxMessageLength = 300

// Sanitize trims engine noise from a message: it keeps the first line and caps the length.
func Sanitize(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	if len(msg) > maxMessageLength {
		msg = msg[:maxMessageLength] + "..."
	}
	return msg
}
