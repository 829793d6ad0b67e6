package gateway

import (
	"errors"
	"fmt"

	"github.com/vnmchuo/llmgate/internal/provider"
)

var (
	ErrNoProviders           = errors.New("no LLM providers configured")
	ErrNoMessages            = errors.New("chat request has no messages")
	ErrProviderNotRegistered = errors.New("no client registered for provider")
	ErrStreamInterrupted     = errors.New("stream ended before completion")
)

// ConfigurationError is returned by New when no provider has credentials,
// since no later call could succeed.
type ConfigurationError struct {
	Requested provider.Identity
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s (requested %q): set OPENAI_API_KEY, GEMINI_API_KEY or ANTHROPIC_API_KEY", ErrNoProviders, e.Requested)
}

func (e *ConfigurationError) Unwrap() error { return ErrNoProviders }

// TransportError is any failure of the provider round-trip.
type TransportError struct {
	Provider provider.Identity
	Model    string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llm %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AsTransportError reports whether err is or wraps a *TransportError.
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
