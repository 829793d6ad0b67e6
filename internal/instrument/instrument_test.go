package instrument

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llmgate/internal/gateway"
	"github.com/vnmchuo/llmgate/internal/llmctx"
	"github.com/vnmchuo/llmgate/internal/provider"
	"github.com/vnmchuo/llmgate/internal/usage"
)

type stubChatter struct {
	result *gateway.Result
	err    error

	gotCtx context.Context
	tagsIn llmctx.Tags
	hadIn  bool
}

func (s *stubChatter) Target(req *gateway.ChatRequest) (provider.Identity, string) {
	return provider.Gemini, "gemini-2.5-flash"
}

func (s *stubChatter) Chat(ctx context.Context, req *gateway.ChatRequest) (*gateway.Result, error) {
	s.gotCtx = ctx
	s.tagsIn, s.hadIn = llmctx.Get(ctx)
	return s.result, s.err
}

func newTestGateway(t *testing.T, next gateway.Chatter) (*Gateway, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return New(next, WithTracerProvider(tp)), sr
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func chatRequest() *gateway.ChatRequest {
	return &gateway.ChatRequest{Messages: []provider.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}}
}

func TestChat_SuccessSpan(t *testing.T) {
	cached := 2
	stub := &stubChatter{result: &gateway.Result{
		Content: "hello",
		Usage: &usage.Usage{
			InputTokens: 7, OutputTokens: 3, TotalTokens: 10,
			CachedTokens: &cached, HasInput: true, HasOutput: true,
		},
	}}
	g, sr := newTestGateway(t, stub)

	res, err := g.Chat(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, SpanName, span.Name())
	assert.Equal(t, trace.SpanKindClient, span.SpanKind())
	assert.Equal(t, ScopeName, span.InstrumentationScope().Name)
	assert.Equal(t, ScopeVersion, span.InstrumentationScope().Version)

	a := attrs(span)
	assert.Equal(t, "gemini", a[AttrProvider].AsString())
	assert.Equal(t, "gemini-2.5-flash", a[AttrModel].AsString())
	assert.False(t, a[AttrStreaming].AsBool())
	assert.Equal(t, int64(2), a[AttrMessageCount].AsInt64())
	assert.Equal(t, StatusSuccess, a[AttrStatus].AsString())
	assert.GreaterOrEqual(t, a[AttrDurationMs].AsFloat64(), 0.0)
	assert.Equal(t, int64(7), a[AttrInputTokens].AsInt64())
	assert.Equal(t, int64(3), a[AttrOutputTokens].AsInt64())
	assert.Equal(t, int64(10), a[AttrTotalTokens].AsInt64())
	assert.Equal(t, int64(2), a[AttrCachedTokens].AsInt64())
	assert.False(t, a[AttrEstimated].AsBool())
	assert.NotContains(t, a, AttrOperationType)
	assert.NotEqual(t, codes.Error, span.Status().Code)

	// The wrapped call runs inside the span.
	assert.Equal(t, span.SpanContext().SpanID(), trace.SpanContextFromContext(stub.gotCtx).SpanID())
}

func TestChat_PartialUsage(t *testing.T) {
	stub := &stubChatter{result: &gateway.Result{
		Usage: &usage.Usage{InputTokens: 9, TotalTokens: 9, HasInput: true},
	}}
	g, sr := newTestGateway(t, stub)

	_, err := g.Chat(context.Background(), chatRequest())
	require.NoError(t, err)

	a := attrs(sr.Ended()[0])
	assert.Equal(t, int64(9), a[AttrInputTokens].AsInt64())
	assert.NotContains(t, a, AttrOutputTokens)
	assert.NotContains(t, a, AttrCachedTokens)
	assert.Equal(t, int64(9), a[AttrTotalTokens].AsInt64())
}

func TestChat_NoUsage(t *testing.T) {
	g, sr := newTestGateway(t, &stubChatter{result: &gateway.Result{Content: "ok"}})

	_, err := g.Chat(context.Background(), chatRequest())
	require.NoError(t, err)

	a := attrs(sr.Ended()[0])
	assert.Equal(t, StatusSuccess, a[AttrStatus].AsString())
	assert.NotContains(t, a, AttrTotalTokens)
	assert.NotContains(t, a, AttrEstimated)
}

func TestChat_ErrorSpan(t *testing.T) {
	cause := &provider.APIError{Provider: provider.Gemini, StatusCode: 503, Body: "overloaded"}
	wrapped := &gateway.TransportError{Provider: provider.Gemini, Model: "gemini-2.5-flash", Err: cause}
	g, sr := newTestGateway(t, &stubChatter{err: wrapped})

	res, err := g.Chat(context.Background(), chatRequest())
	assert.Nil(t, res)
	assert.Same(t, wrapped, err)

	span := sr.Ended()[0]
	a := attrs(span)
	assert.Equal(t, StatusError, a[AttrStatus].AsString())
	assert.GreaterOrEqual(t, a[AttrDurationMs].AsFloat64(), 0.0)
	assert.Equal(t, "*provider.APIError", a[AttrErrorType].AsString())
	assert.Equal(t, wrapped.Error(), a[AttrErrorMessage].AsString())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "LLM request failed: "+wrapped.Error(), span.Status().Description)

	require.Len(t, span.Events(), 1)
	assert.Equal(t, "exception", span.Events()[0].Name)
}

func TestChat_BusinessTags(t *testing.T) {
	stub := &stubChatter{result: &gateway.Result{}}
	g, sr := newTestGateway(t, stub)

	ctx := llmctx.Set(context.Background(), llmctx.Tags{
		OperationType: "summarize",
		SubjectType:   "ticket",
		SubjectID:     "42",
	})
	req := chatRequest()
	req.Tags = llmctx.Tags{SubjectID: "43", CallID: "call-1"}

	_, err := g.Chat(ctx, req)
	require.NoError(t, err)

	a := attrs(sr.Ended()[0])
	assert.Equal(t, "summarize", a[AttrOperationType].AsString())
	assert.Equal(t, "ticket", a[AttrSubjectType].AsString())
	assert.Equal(t, "43", a[AttrSubjectID].AsString())
	assert.Equal(t, "call-1", a[AttrCallID].AsString())
	assert.NotContains(t, a, AttrCommentID)

	// Tags are visible during the call and gone afterwards.
	assert.True(t, stub.hadIn)
	assert.Equal(t, "42", stub.tagsIn.SubjectID)
	_, ok := llmctx.Get(ctx)
	assert.False(t, ok)
}

func TestChat_ClearsTagsOnError(t *testing.T) {
	g, _ := newTestGateway(t, &stubChatter{err: errors.New("boom")})

	ctx := llmctx.Set(context.Background(), llmctx.Tags{CallID: "c"})
	_, err := g.Chat(ctx, chatRequest())
	require.EqualError(t, err, "boom")

	_, ok := llmctx.Get(ctx)
	assert.False(t, ok)
}

// rendezvousChatter holds every call until all expected calls have
// entered, then reports the tags each one sees.
type rendezvousChatter struct {
	arrived sync.WaitGroup

	mu   sync.Mutex
	seen map[string]llmctx.Tags
}

func (c *rendezvousChatter) Target(req *gateway.ChatRequest) (provider.Identity, string) {
	return provider.Gemini, "gemini-2.5-flash"
}

func (c *rendezvousChatter) Chat(ctx context.Context, req *gateway.ChatRequest) (*gateway.Result, error) {
	c.arrived.Done()
	c.arrived.Wait()

	tags, _ := llmctx.Get(ctx)
	c.mu.Lock()
	c.seen[req.Messages[0].Content] = tags
	c.mu.Unlock()
	return &gateway.Result{}, nil
}

func TestChat_ConcurrentCallsFromTaggedParent(t *testing.T) {
	next := &rendezvousChatter{seen: make(map[string]llmctx.Tags)}
	g, sr := newTestGateway(t, next)

	parent := llmctx.Set(context.Background(), llmctx.Tags{OperationType: "batch"})
	ids := []string{"A", "B"}
	next.arrived.Add(len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ctx := llmctx.Set(parent, llmctx.Tags{OperationType: "batch", CallID: id})
			req := &gateway.ChatRequest{Messages: []provider.Message{{Role: "user", Content: id}}}
			_, err := g.Chat(ctx, req)
			assert.NoError(t, err)

			_, ok := llmctx.Get(ctx)
			assert.False(t, ok)
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, id, next.seen[id].CallID)
		assert.Equal(t, "batch", next.seen[id].OperationType)
	}

	spanCalls := make(map[string]bool)
	for _, span := range sr.Ended() {
		spanCalls[attrs(span)[AttrCallID].AsString()] = true
	}
	assert.Equal(t, map[string]bool{"A": true, "B": true}, spanCalls)

	// Children clear their own cells only.
	got, ok := llmctx.Get(parent)
	require.True(t, ok)
	assert.Equal(t, "batch", got.OperationType)
}

func TestChat_Streaming(t *testing.T) {
	g, sr := newTestGateway(t, &stubChatter{result: &gateway.Result{}})

	req := chatRequest()
	req.OnChunk = func(string) {}
	_, err := g.Chat(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, attrs(sr.Ended()[0])[AttrStreaming].AsBool())
}

func TestTrackCacheHit(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	TrackCacheHit(ctx, true)
	span.End()

	a := attrs(sr.Ended()[0])
	assert.True(t, a[AttrCacheHit].AsBool())

	assert.NotPanics(t, func() { TrackCacheHit(context.Background(), false) })
}

func TestChat_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	stub := &stubChatter{result: &gateway.Result{
		Usage: &usage.Usage{InputTokens: 5, OutputTokens: 8, TotalTokens: 13, HasInput: true, HasOutput: true},
	}}
	g := New(stub, WithMeterProvider(mp))
	_, err := g.Chat(context.Background(), chatRequest())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = m.Data
		}
	}

	calls, ok := found["llm.chat.calls"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, calls.DataPoints, 1)
	assert.Equal(t, int64(1), calls.DataPoints[0].Value)
	status, _ := calls.DataPoints[0].Attributes.Value(AttrStatus)
	assert.Equal(t, StatusSuccess, status.AsString())

	tokens, ok := found["llm.chat.tokens"].(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range tokens.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(13), total)

	duration, ok := found["llm.chat.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, duration.DataPoints, 1)
	assert.Equal(t, uint64(1), duration.DataPoints[0].Count)
}
