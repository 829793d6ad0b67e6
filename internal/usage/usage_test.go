package usage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type openAIUsage struct {
	prompt, completion int
	total              *int
	cached             *int
}

func (u openAIUsage) PromptTokens() int     { return u.prompt }
func (u openAIUsage) CompletionTokens() int { return u.completion }
func (u openAIUsage) TotalTokens() (int, bool) {
	if u.total == nil {
		return 0, false
	}
	return *u.total, true
}
func (u openAIUsage) CachedTokens() (int, bool) {
	if u.cached == nil {
		return 0, false
	}
	return *u.cached, true
}

type bareOpenAIUsage struct{ prompt, completion int }

func (u bareOpenAIUsage) PromptTokens() int     { return u.prompt }
func (u bareOpenAIUsage) CompletionTokens() int { return u.completion }

type anthropicUsage struct{ in, out int }

func (u anthropicUsage) InputTokens() int  { return u.in }
func (u anthropicUsage) OutputTokens() int { return u.out }

type geminiUsage struct {
	prompt, candidates, total *int
}

func (u geminiUsage) PromptTokenCount() (int, bool)     { return get(u.prompt) }
func (u geminiUsage) CandidatesTokenCount() (int, bool) { return get(u.candidates) }
func (u geminiUsage) TotalTokenCount() (int, bool)      { return get(u.total) }

func get(p *int) (int, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

type response struct {
	text  string
	usage any
}

func (r response) UsageSource() any { return r.usage }
func (r response) Text() string     { return r.text }

type metadataResponse struct{ meta any }

func (r metadataResponse) UsageMetadata() any { return r.meta }

type panickyUsage struct{}

func (panickyUsage) PromptTokens() int     { panic("boom") }
func (panickyUsage) CompletionTokens() int { return 0 }

func TestClassify(t *testing.T) {
	assert.IsType(t, OpenAIShape{}, Classify(bareOpenAIUsage{1, 2}))
	assert.IsType(t, AnthropicShape{}, Classify(anthropicUsage{1, 2}))
	assert.IsType(t, GeminiShape{}, Classify(geminiUsage{prompt: ptr(1)}))
	assert.IsType(t, RawMapping{}, Classify(map[string]any{"promptTokenCount": 1}))
	assert.IsType(t, RawMapping{}, Classify(map[string]int{"prompt_token_count": 1}))
	assert.IsType(t, Unknown{}, Classify(struct{}{}))
	assert.IsType(t, Unknown{}, Classify(nil))
}

func TestFromResponse_OpenAIShape(t *testing.T) {
	u, ok := FromResponse(response{usage: bareOpenAIUsage{prompt: 10, completion: 5}})
	require.True(t, ok)
	assert.Equal(t, 10, u.InputTokens)
	assert.Equal(t, 5, u.OutputTokens)
	assert.Equal(t, 15, u.TotalTokens)
	assert.Nil(t, u.CachedTokens)

	u, ok = FromResponse(response{usage: openAIUsage{prompt: 10, completion: 5, total: ptr(18), cached: ptr(4)}})
	require.True(t, ok)
	assert.Equal(t, 18, u.TotalTokens)
	require.NotNil(t, u.CachedTokens)
	assert.Equal(t, 4, *u.CachedTokens)
}

func TestFromResponse_AnthropicShape(t *testing.T) {
	u, ok := FromResponse(response{usage: anthropicUsage{in: 7, out: 3}})
	require.True(t, ok)
	assert.Equal(t, &Usage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10, HasInput: true, HasOutput: true}, u)
}

func TestFromResponse_GeminiShape(t *testing.T) {
	u, ok := FromResponse(metadataResponse{meta: geminiUsage{prompt: ptr(8), candidates: ptr(2)}})
	require.True(t, ok)
	assert.Equal(t, 8, u.InputTokens)
	assert.Equal(t, 2, u.OutputTokens)
	assert.Equal(t, 10, u.TotalTokens)

	u, ok = FromResponse(metadataResponse{meta: geminiUsage{prompt: ptr(8), candidates: ptr(2), total: ptr(12)}})
	require.True(t, ok)
	assert.Equal(t, 12, u.TotalTokens)
}

func TestFromResponse_RawMapping(t *testing.T) {
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"promptTokenCount": 6, "candidatesTokenCount": 4}`), &decoded))

	u, ok := FromResponse(response{usage: decoded})
	require.True(t, ok)
	assert.Equal(t, 6, u.InputTokens)
	assert.Equal(t, 4, u.OutputTokens)
	assert.Equal(t, 10, u.TotalTokens)

	u, ok = FromResponse(response{usage: map[string]int64{
		"prompt_token_count":     6,
		"candidates_token_count": 4,
		"total_token_count":      11,
	}})
	require.True(t, ok)
	assert.Equal(t, 11, u.TotalTokens)
}

func TestFromResponse_PartialGeminiVersusRawMapping(t *testing.T) {
	u, ok := FromResponse(response{usage: geminiUsage{prompt: ptr(9)}})
	require.True(t, ok)
	assert.True(t, u.HasInput)
	assert.False(t, u.HasOutput)
	assert.Equal(t, 9, u.InputTokens)
	assert.Equal(t, 0, u.OutputTokens)
	assert.Equal(t, 9, u.TotalTokens)

	u, ok = FromResponse(response{usage: map[string]any{"promptTokenCount": 9}})
	assert.False(t, ok)
	assert.Nil(t, u)
}

func TestFromResponse_GeminiWithoutPromptCount(t *testing.T) {
	u, ok := FromResponse(response{usage: geminiUsage{candidates: ptr(4), total: ptr(11)}})
	require.True(t, ok)
	assert.False(t, u.HasInput)
	assert.True(t, u.HasOutput)
	assert.Equal(t, 4, u.OutputTokens)
	assert.Equal(t, 11, u.TotalTokens)

	u, ok = FromResponse(response{usage: geminiUsage{total: ptr(6)}})
	require.True(t, ok)
	assert.False(t, u.HasInput)
	assert.False(t, u.HasOutput)
	assert.Equal(t, 6, u.TotalTokens)
}

func TestFromResponse_Absent(t *testing.T) {
	cases := map[string]any{
		"nil response":        nil,
		"no accessor":         struct{ Usage int }{Usage: 3},
		"nil usage":           response{},
		"unknown usage shape": response{usage: "lots of tokens"},
		"empty gemini":        response{usage: geminiUsage{}},
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			u, ok := FromResponse(resp)
			assert.False(t, ok)
			assert.Nil(t, u)
		})
	}
}

func TestFromResponse_RecoversFromPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		u, ok := FromResponse(response{usage: panickyUsage{}})
		assert.False(t, ok)
		assert.Nil(t, u)
	})
}

type rawResponse struct {
	text string
	raw  map[string]any
}

func (r rawResponse) Text() string               { return r.text }
func (r rawResponse) RawPayload() map[string]any { return r.raw }

type countedResponse struct{}

func (countedResponse) String() string            { return "counted" }
func (countedResponse) InputTokens() int          { return 3 }
func (countedResponse) OutputTokens() int         { return 4 }
func (countedResponse) CachedTokens() (int, bool) { return 1, true }

func TestWrap_Accessors(t *testing.T) {
	w := Wrap(countedResponse{})
	assert.Equal(t, "counted", w.String())

	tu := w.Usage()
	require.NotNil(t, tu)
	assert.Equal(t, 3, tu.PromptTokens())
	assert.Equal(t, 4, tu.CompletionTokens())
	assert.Equal(t, 7, tu.Total)
	require.NotNil(t, tu.Cached)
	assert.Equal(t, 1, *tu.Cached)
	assert.Equal(t, w.UsageSource(), w.UsageMetadata())
}

func TestWrap_RawUsageMetadata(t *testing.T) {
	w := Wrap(rawResponse{
		text: "hello",
		raw: map[string]any{
			"usageMetadata": map[string]any{"promptTokenCount": float64(5)},
		},
	})
	assert.Equal(t, "hello", w.String())

	tu := w.Usage()
	require.NotNil(t, tu)
	assert.Equal(t, 5, tu.PromptTokens())
	assert.Nil(t, tu.Completion)
	assert.Equal(t, 5, tu.Total)
}

func TestWrap_FallsBackToNormalizedUsage(t *testing.T) {
	w := Wrap(response{text: "hi", usage: anthropicUsage{in: 2, out: 3}})
	tu := w.Usage()
	require.NotNil(t, tu)
	assert.Equal(t, 5, tu.Total)

	// A wrapped response is itself an OpenAI-shaped usage reporter.
	u, ok := FromResponse(w)
	require.True(t, ok)
	assert.Equal(t, 2, u.InputTokens)
	assert.Equal(t, 3, u.OutputTokens)
}

func TestWrap_NoUsage(t *testing.T) {
	w := Wrap("plain text")
	assert.Equal(t, "plain text", w.String())
	assert.Nil(t, w.Usage())
	assert.Nil(t, w.UsageSource())

	_, ok := FromResponse(w)
	assert.False(t, ok)
}
