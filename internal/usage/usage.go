// Package usage normalises provider token accounting into one shape.
//
// Providers report usage in different schemas. Classify sorts a usage object
// into one of a closed set of shapes and Extract turns that shape into a
// canonical Usage. Extraction is best-effort telemetry: it never fails a call.
package usage

import (
	"encoding/json"
	"log/slog"
	"math"
)

// Usage is the canonical token record. HasInput and HasOutput report
// whether the provider actually supplied each count.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CachedTokens *int
	HasInput     bool
	HasOutput    bool
}

// Accessors a usage object may implement. The method sets mirror the
// provider schemas: OpenAI prompt/completion, Anthropic input/output and
// Gemini prompt/candidates counts.
type (
	OpenAIReporter interface {
		PromptTokens() int
		CompletionTokens() int
	}
	AnthropicReporter interface {
		InputTokens() int
		OutputTokens() int
	}
	GeminiReporter interface {
		PromptTokenCount() (int, bool)
	}
	TotalReporter interface {
		TotalTokens() (int, bool)
	}
	CachedReporter interface {
		CachedTokens() (int, bool)
	}
	CandidatesReporter interface {
		CandidatesTokenCount() (int, bool)
	}
	GeminiTotalReporter interface {
		TotalTokenCount() (int, bool)
	}
)

// Accessors a response may implement to expose its usage object.
type (
	UsageReporter interface {
		UsageSource() any
	}
	MetadataReporter interface {
		UsageMetadata() any
	}
)

// Source is the classified usage object. It is one of OpenAIShape,
// AnthropicShape, GeminiShape, RawMapping or Unknown.
type Source interface {
	isSource()
}

type OpenAIShape struct {
	Prompt     int
	Completion int
	Total      *int
	Cached     *int
}

type AnthropicShape struct {
	Input  int
	Output int
}

type GeminiShape struct {
	Prompt     *int
	Candidates *int
	Total      *int
}

type RawMapping struct {
	Prompt     *int
	Candidates *int
	Total      *int
}

type Unknown struct{}

func (OpenAIShape) isSource()    {}
func (AnthropicShape) isSource() {}
func (GeminiShape) isSource()    {}
func (RawMapping) isSource()     {}
func (Unknown) isSource()        {}

// Classify inspects src once and returns its shape.
func Classify(src any) Source {
	if src == nil {
		return Unknown{}
	}

	if r, ok := src.(OpenAIReporter); ok {
		s := OpenAIShape{Prompt: r.PromptTokens(), Completion: r.CompletionTokens()}
		if t, ok := src.(TotalReporter); ok {
			s.Total = optional(t.TotalTokens())
		}
		if c, ok := src.(CachedReporter); ok {
			s.Cached = optional(c.CachedTokens())
		}
		return s
	}

	if r, ok := src.(AnthropicReporter); ok {
		return AnthropicShape{Input: r.InputTokens(), Output: r.OutputTokens()}
	}

	if r, ok := src.(GeminiReporter); ok {
		s := GeminiShape{Prompt: optional(r.PromptTokenCount())}
		if c, ok := src.(CandidatesReporter); ok {
			s.Candidates = optional(c.CandidatesTokenCount())
		}
		if t, ok := src.(GeminiTotalReporter); ok {
			s.Total = optional(t.TotalTokenCount())
		}
		return s
	}

	if m, ok := asMapping(src); ok {
		return RawMapping{
			Prompt:     lookup(m, "promptTokenCount", "prompt_token_count"),
			Candidates: lookup(m, "candidatesTokenCount", "candidates_token_count"),
			Total:      lookup(m, "totalTokenCount", "total_token_count"),
		}
	}

	return Unknown{}
}

// Extract converts a classified source into a Usage. It reports false when
// the source carries no usable counts.
func Extract(src Source) (*Usage, bool) {
	switch s := src.(type) {
	case OpenAIShape:
		u := &Usage{
			InputTokens:  s.Prompt,
			OutputTokens: s.Completion,
			TotalTokens:  s.Prompt + s.Completion,
			CachedTokens: s.Cached,
			HasInput:     true,
			HasOutput:    true,
		}
		if s.Total != nil {
			u.TotalTokens = *s.Total
		}
		return u, true

	case AnthropicShape:
		return &Usage{
			InputTokens:  s.Input,
			OutputTokens: s.Output,
			TotalTokens:  s.Input + s.Output,
			HasInput:     true,
			HasOutput:    true,
		}, true

	case GeminiShape:
		// Partial counts are reported as they are.
		if s.Prompt == nil && s.Candidates == nil && s.Total == nil {
			return nil, false
		}
		u := &Usage{}
		if s.Prompt != nil {
			u.InputTokens, u.HasInput = *s.Prompt, true
		}
		if s.Candidates != nil {
			u.OutputTokens, u.HasOutput = *s.Candidates, true
		}
		u.TotalTokens = u.InputTokens + u.OutputTokens
		if s.Total != nil {
			u.TotalTokens = *s.Total
		}
		return u, true

	case RawMapping:
		// Untyped payloads must carry both counts.
		if s.Prompt == nil || s.Candidates == nil {
			return nil, false
		}
		u := &Usage{
			InputTokens:  *s.Prompt,
			OutputTokens: *s.Candidates,
			TotalTokens:  *s.Prompt + *s.Candidates,
			HasInput:     true,
			HasOutput:    true,
		}
		if s.Total != nil {
			u.TotalTokens = *s.Total
		}
		return u, true
	}
	return nil, false
}

// Normalize classifies and extracts src, recovering from misbehaving
// accessors. A failure is logged and reported as absent usage.
func Normalize(src any) (u *Usage, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("error extracting token usage", "panic", r)
			u, ok = nil, false
		}
	}()
	return Extract(Classify(src))
}

// FromResponse locates the usage object on resp through UsageSource, then
// UsageMetadata, and normalises it.
func FromResponse(resp any) (*Usage, bool) {
	src, ok := sourceOf(resp)
	if !ok {
		return nil, false
	}
	return Normalize(src)
}

func sourceOf(resp any) (src any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("error reading usage from response", "panic", r)
			src, ok = nil, false
		}
	}()

	switch r := resp.(type) {
	case UsageReporter:
		src = r.UsageSource()
	case MetadataReporter:
		src = r.UsageMetadata()
	default:
		return nil, false
	}
	return src, src != nil
}

func optional(v int, ok bool) *int {
	if !ok {
		return nil
	}
	return &v
}

func asMapping(src any) (map[string]any, bool) {
	switch m := src.(type) {
	case map[string]any:
		return m, true
	case map[string]int:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	case map[string]int64:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	case map[string]float64:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	}
	return nil, false
}

// lookup returns the first key present with a numeric value.
func lookup(m map[string]any, keys ...string) *int {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if n, ok := toInt(v); ok {
			return &n
		}
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case float32:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
