package provider

import (
	"context"
	"fmt"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64 // nil leaves the provider default
	Stream      bool
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Response is a provider's answer to one chat request. Usage holds the
// provider's own usage object; its shape differs per backend.
type Response struct {
	ID       string
	Content  string
	Model    string
	Provider string
	Usage    any
	Raw      map[string]any
}

// UsageSource exposes the provider-specific usage object.
func (r *Response) UsageSource() any {
	if r == nil {
		return nil
	}
	return r.Usage
}

func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return r.Content
}

func (r *Response) RawPayload() map[string]any {
	if r == nil {
		return nil
	}
	return r.Raw
}

// Chunk is one streamed delta. The final chunk has Done set and may carry
// the usage object reported at the end of the stream.
type Chunk struct {
	Delta string
	Done  bool
	Usage any
	Err   error
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() Identity
}

// APIError is a non-success HTTP status returned by a provider.
type APIError struct {
	Provider   Identity
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
