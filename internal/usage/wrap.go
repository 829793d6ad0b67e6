package usage

import (
	"fmt"
)

// TokenUsage is the OpenAI-style record exposed by Wrapped. Counts the
// provider did not report are nil.
type TokenUsage struct {
	Prompt     *int
	Completion *int
	Total      int
	Cached     *int
}

func (t *TokenUsage) PromptTokens() int     { return deref(t.Prompt) }
func (t *TokenUsage) CompletionTokens() int { return deref(t.Completion) }

func (t *TokenUsage) TotalTokens() (int, bool) { return t.Total, true }

func (t *TokenUsage) CachedTokens() (int, bool) {
	if t.Cached == nil {
		return 0, false
	}
	return *t.Cached, true
}

// Wrapped presents any provider response as plain text while keeping its
// token usage reachable.
type Wrapped struct {
	content string
	input   *int
	output  *int
	cached  *int
}

type (
	textReporter interface {
		Text() string
	}
	rawReporter interface {
		RawPayload() map[string]any
	}
	inputCounter interface {
		InputTokens() int
	}
	outputCounter interface {
		OutputTokens() int
	}
)

// Wrap captures resp's text and token counts. Counts come from the
// response's own InputTokens/OutputTokens accessors, then from a raw
// usageMetadata payload, then from the normalised usage object.
func Wrap(resp any) *Wrapped {
	w := &Wrapped{content: textOf(resp)}

	if r, ok := resp.(inputCounter); ok {
		w.input = ptr(r.InputTokens())
	}
	if r, ok := resp.(outputCounter); ok {
		w.output = ptr(r.OutputTokens())
	}
	if r, ok := resp.(CachedReporter); ok {
		w.cached = optional(r.CachedTokens())
	}

	if w.input == nil || w.output == nil {
		if r, ok := resp.(rawReporter); ok {
			if meta := metadataOf(r.RawPayload()); meta != nil {
				if w.input == nil {
					w.input = lookup(meta, "promptTokenCount")
				}
				if w.output == nil {
					w.output = lookup(meta, "candidatesTokenCount")
				}
			}
		}
	}

	if w.input == nil && w.output == nil {
		if u, ok := FromResponse(resp); ok {
			if u.HasInput {
				w.input = ptr(u.InputTokens)
			}
			if u.HasOutput {
				w.output = ptr(u.OutputTokens)
			}
			if w.cached == nil {
				w.cached = u.CachedTokens
			}
		}
	}
	return w
}

func (w *Wrapped) String() string { return w.content }

// Usage returns the token record, or nil when neither count is known.
func (w *Wrapped) Usage() *TokenUsage {
	if w.input == nil && w.output == nil {
		return nil
	}
	return &TokenUsage{
		Prompt:     w.input,
		Completion: w.output,
		Total:      deref(w.input) + deref(w.output),
		Cached:     w.cached,
	}
}

func (w *Wrapped) UsageSource() any {
	if u := w.Usage(); u != nil {
		return u
	}
	return nil
}

func (w *Wrapped) UsageMetadata() any { return w.UsageSource() }

func textOf(resp any) string {
	switch r := resp.(type) {
	case nil:
		return ""
	case string:
		return r
	case textReporter:
		return r.Text()
	case fmt.Stringer:
		return r.String()
	}
	return ""
}

func metadataOf(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	meta, ok := raw["usageMetadata"]
	if !ok {
		return nil
	}
	m, _ := asMapping(meta)
	return m
}

func ptr(v int) *int { return &v }

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
