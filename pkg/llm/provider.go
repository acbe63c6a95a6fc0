// Package llm defines the external language-model capability guild
// agents call to produce work products. The core treats the provider as
// opaque: one Complete call per attempt, a bounded timeout, and two
// typed failures (unavailable, timed out) the agent runtime converts
// into a rejected result instead of a crash.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request is one completion call.
type Request struct {
	Prompt        string
	MaxTokens     int
	StopSequences []string
}

// Response is a completed request.
type Response struct {
	Text    string
	Elapsed time.Duration
}

// Provider is the language-model capability contract.
type Provider interface {
	// Complete produces text for the request. Failures are
	// *UnavailableError or *TimeoutError; anything else is a programming
	// error in the provider.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// UnavailableError reports that the provider could not be reached or
// returned a server-side failure. Retryable once.
type UnavailableError struct {
	Provider string
	Cause    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("llm provider %s unavailable: %v", e.Provider, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// TimeoutError reports that the per-call deadline elapsed before the
// provider responded. Retryable once.
type TimeoutError struct {
	Provider string
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("llm provider %s timed out after %s", e.Provider, e.Elapsed)
}

// Retryable reports whether err is one of the two transient provider
// failures worth a single retry.
func Retryable(err error) bool {
	var unavailable *UnavailableError
	var timeout *TimeoutError
	return errors.As(err, &unavailable) || errors.As(err, &timeout)
}
