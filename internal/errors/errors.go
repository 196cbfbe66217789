// Package errors implements the categorized error taxonomy used across
// worketl: every fallible boundary (source, sink, AI endpoint, config)
// returns one of these kinds so the CLI and the orchestrators can apply
// a uniform retry/abort/exit-code policy instead of inspecting error
// strings.
package errors

import (
	"encoding/json"
	"fmt"
	"os"
)

// Kind classifies a failure per spec.md §4.5.
type Kind int

const (
	KindTransient Kind = iota
	KindPersistent
	KindData
	KindCircuitOpen
	KindBudget
	KindConfig
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPersistent:
		return "persistent"
	case KindData:
		return "data"
	case KindCircuitOpen:
		return "circuit_open"
	case KindBudget:
		return "budget"
	case KindConfig:
		return "config"
	default:
		return "internal"
	}
}

// ExitCode maps a Kind onto the CLI exit-code convention in spec.md §6:
// 0 success, 1 partial failure, 2 config error, 3 persistent infra error.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfig:
		return 2
	case KindPersistent, KindCircuitOpen, KindInternal:
		return 3
	default:
		return 1
	}
}

// Error is worketl's categorized fatal error: a Kind plus a
// title/detail/hint/cause bundle the CLI renders to the operator.
type Error struct {
	Kind   Kind
	Title  string
	Detail string
	Hint   string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Title, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Title, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, title, detail, hint string, cause error) *Error {
	return &Error{Kind: kind, Title: title, Detail: detail, Hint: hint, Cause: cause}
}

func NewTransientError(title, detail, hint string, cause error) *Error {
	return newError(KindTransient, title, detail, hint, cause)
}

func NewPersistentError(title, detail, hint string, cause error) *Error {
	return newError(KindPersistent, title, detail, hint, cause)
}

func NewDataError(title, detail, hint string, cause error) *Error {
	return newError(KindData, title, detail, hint, cause)
}

func NewCircuitOpenError(title, detail, hint string, cause error) *Error {
	return newError(KindCircuitOpen, title, detail, hint, cause)
}

func NewBudgetError(title, detail, hint string, cause error) *Error {
	return newError(KindBudget, title, detail, hint, cause)
}

func NewConfigError(title, detail, hint string, cause error) *Error {
	return newError(KindConfig, title, detail, hint, cause)
}

func NewInternalError(title, detail, hint string, cause error) *Error {
	return newError(KindInternal, title, detail, hint, cause)
}

// NewDatabaseError is a Persistent error specialized for sink/source
// connection and schema failures.
func NewDatabaseError(title, detail, hint string, cause error) *Error {
	return newError(KindPersistent, title, detail, hint, cause)
}

// NewNetworkError is a Transient error specialized for warehouse/AI
// endpoint connectivity failures.
func NewNetworkError(title, detail, hint string, cause error) *Error {
	return newError(KindTransient, title, detail, hint, cause)
}

// NewPermissionError is a Persistent error for filesystem/credential
// permission failures.
func NewPermissionError(title, detail, hint string, cause error) *Error {
	return newError(KindPersistent, title, detail, hint, cause)
}

// Render formats the error for the CLI: a single human line, or a JSON
// object when globals.JSON is set.
func (e *Error) Render(jsonOutput bool) string {
	if jsonOutput {
		payload := map[string]string{
			"kind":   e.Kind.String(),
			"title":  e.Title,
			"detail": e.Detail,
			"hint":   e.Hint,
		}
		if e.Cause != nil {
			payload["cause"] = e.Cause.Error()
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return e.Error()
		}
		return string(b)
	}
	out := fmt.Sprintf("error: %s\n  %s", e.Title, e.Detail)
	if e.Hint != "" {
		out += fmt.Sprintf("\n  hint: %s", e.Hint)
	}
	return out
}

// FatalError prints err and terminates the process with the exit code
// for its Kind. Non-*Error values are treated as KindInternal.
func FatalError(err error, jsonOutput bool) {
	wrapped, ok := err.(*Error)
	if !ok {
		wrapped = NewInternalError("Unexpected error", err.Error(), "", err)
	}
	fmt.Fprintln(os.Stderr, wrapped.Render(jsonOutput))
	os.Exit(wrapped.Kind.ExitCode())
}

// Classify maps a raw error from a dependency into a Kind without
// constructing an Error, used by the retry/circuit-breaker layer where
// only the category (not a user-facing message) is needed.
func Classify(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
