// Package apperr defines the typed error taxonomy shared by the search,
// LLM, memory, and session layers. Callers type-switch or use
// errors.As against these types rather than matching error strings.
package apperr

import "fmt"

// Kind identifies an error category. The session protocol maps Kind to
// the wire-level error payload without inspecting error text.
type Kind string

const (
	KindCredentialMissing Kind = "credential_missing"
	KindValidation        Kind = "validation_error"
	KindRateLimited       Kind = "rate_limited"
	KindRateExhausted     Kind = "rate_limit_exhausted"
	KindAuth              Kind = "auth_error"
	KindProvider          Kind = "provider_error"
	KindParse             Kind = "parse_error"
	KindTimeout           Kind = "timeout"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindPromptAborted     Kind = "prompt_aborted"
	KindPromptTimeout     Kind = "prompt_timeout"
	KindProtocolViolation Kind = "protocol_violation"
	KindUserRequired      Kind = "user_required"
	KindPersonaUnknown    Kind = "persona_unknown"
)

// Error is the common shape for all typed errors in deepquery. Source
// identifies which component raised it (e.g. "search.brave", "llm.anthropic"),
// and Err wraps the underlying cause when one exists.
type Error struct {
	K       Kind
	Source  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind returns the error's category.
func (e *Error) Kind() string { return string(e.K) }

// New builds an Error with no wrapped cause.
func New(k Kind, source, message string) *Error {
	return &Error{K: k, Source: source, Message: message}
}

// Wrap builds an Error that wraps an underlying cause.
func Wrap(k Kind, source, message string, err error) *Error {
	return &Error{K: k, Source: source, Message: message, Err: err}
}

// Is reports whether err is an *Error of the given kind, unwrapping
// through the chain as needed.
func Is(err error, k Kind) bool {
	var ae *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			ae = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return ae != nil && ae.K == k
}
