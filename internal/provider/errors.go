package provider

import (
	"errors"
	"fmt"

	"KlineVault/internal/model"
)

// Failure kinds. NetworkError and RateLimitError are transient and retried;
// the others go straight to the next provider.
var (
	ErrNetwork        = errors.New("network error")
	ErrRateLimited    = errors.New("rate limited")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrSymbolNotFound = errors.New("symbol not found")
)

// Error is a classified provider failure.
type Error struct {
	Source string
	Symbol model.Symbol
	Kind   error // one of the Err* sentinels
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Source, e.Symbol, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether err is worth retrying against the same source.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}

func newError(source string, sym model.Symbol, kind error, format string, args ...any) *Error {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &Error{Source: source, Symbol: sym, Kind: kind, Err: cause}
}
