package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Kind classifies an error by how callers and the retry policy should treat it.
type Kind int

const (
	KindTerminal Kind = iota
	KindInvalidInput
	KindConfiguration
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	default:
		return "terminal"
	}
}

type InvalidPromptError struct {
	Provider string
	Model    string
}

func (e *InvalidPromptError) Error() string {
	return fmt.Sprintf("%s prompt cannot be empty (model %s)", e.Provider, e.Model)
}

// ValidationError reports a request field the normalizer rejected.
type ValidationError struct {
	Provider string
	Field    string
	Value    any
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s must be %s, got %v", e.Provider, e.Field, e.Message, e.Value)
}

type ConfigError struct {
	Provider string
	Message  string
	Cause    error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s configuration error: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s configuration error: %s", e.Provider, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// APIError is the generic wrapper for unexpected failures during invocation.
type APIError struct {
	Provider string
	Message  string
	Cause    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// HTTPError is a non-2xx response from a backend endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) ServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

func NewAPIError(provider string, cause error) *APIError {
	return &APIError{Provider: provider, Message: cause.Error(), Cause: cause}
}

// KindOf walks the error chain and reports the outermost classification that applies.
func KindOf(err error) Kind {
	if err == nil {
		return KindTerminal
	}

	var invalidPrompt *InvalidPromptError
	var validation *ValidationError
	if errors.As(err, &invalidPrompt) || errors.As(err, &validation) {
		return KindInvalidInput
	}

	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return KindConfiguration
	}

	if errors.Is(err, context.Canceled) {
		return KindTerminal
	}
	// Per-call timeouts. The retry loop stops on its own once the caller's context is done.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.ServerError() || httpErr.StatusCode == http.StatusTooManyRequests {
			return KindTransient
		}
		return KindTerminal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransient
	}

	return KindTerminal
}

// IsRetryable reports whether the retry policy should attempt the call again. Every
// invocation failure is retried except invalid input, configuration errors and caller
// cancellation; terminal errors still get the standard attempts before surfacing.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindInvalidInput, KindConfiguration:
		return false
	}
	return true
}
