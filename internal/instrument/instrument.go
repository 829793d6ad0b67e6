// Package instrument decorates a gateway with tracing and metrics.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llmgate/internal/gateway"
	"github.com/vnmchuo/llmgate/internal/llmctx"
	"github.com/vnmchuo/llmgate/internal/provider"
	"github.com/vnmchuo/llmgate/internal/usage"
)

const (
	ScopeName    = "llm"
	ScopeVersion = "1.0.0"
	SpanName     = "llm.chat"
)

// Span attribute keys.
const (
	AttrProvider     = attribute.Key("llm.provider")
	AttrModel        = attribute.Key("llm.model")
	AttrStreaming    = attribute.Key("llm.streaming")
	AttrMessageCount = attribute.Key("llm.message_count")

	AttrOperationType = attribute.Key("llm.business.operation_type")
	AttrSubjectType   = attribute.Key("llm.business.subject_type")
	AttrSubjectID     = attribute.Key("llm.business.subject_id")
	AttrCommentID     = attribute.Key("llm.business.comment_id")
	AttrCallID        = attribute.Key("llm.business.call_id")

	AttrStatus       = attribute.Key("llm.status")
	AttrDurationMs   = attribute.Key("llm.duration_ms")
	AttrErrorType    = attribute.Key("llm.error.type")
	AttrErrorMessage = attribute.Key("llm.error.message")

	AttrInputTokens  = attribute.Key("llm.token_usage.input")
	AttrOutputTokens = attribute.Key("llm.token_usage.output")
	AttrTotalTokens  = attribute.Key("llm.token_usage.total")
	AttrCachedTokens = attribute.Key("llm.token_usage.cached")
	AttrEstimated    = attribute.Key("llm.token_usage.estimated")

	AttrCacheHit = attribute.Key("llm.cache_hit")
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Gateway wraps a gateway.Chatter and exposes the same Chat contract.
type Gateway struct {
	next   gateway.Chatter
	tracer trace.Tracer
	logger *slog.Logger

	calls    metric.Int64Counter
	duration metric.Float64Histogram
	tokens   metric.Int64Counter
}

var _ gateway.Chatter = (*Gateway)(nil)

type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	logger         *slog.Logger
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func New(next gateway.Chatter, opts ...Option) *Gateway {
	o := options{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		next:   next,
		tracer: o.tracerProvider.Tracer(ScopeName, trace.WithInstrumentationVersion(ScopeVersion)),
		logger: o.logger,
	}

	meter := o.meterProvider.Meter(ScopeName, metric.WithInstrumentationVersion(ScopeVersion))
	var err error
	if g.calls, err = meter.Int64Counter("llm.chat.calls",
		metric.WithDescription("Number of LLM chat calls")); err != nil {
		g.logger.Warn("failed to create metric", "name", "llm.chat.calls", "error", err)
		g.calls = noop.Int64Counter{}
	}
	if g.duration, err = meter.Float64Histogram("llm.chat.duration",
		metric.WithDescription("Duration of LLM chat calls"),
		metric.WithUnit("ms")); err != nil {
		g.logger.Warn("failed to create metric", "name", "llm.chat.duration", "error", err)
		g.duration = noop.Float64Histogram{}
	}
	if g.tokens, err = meter.Int64Counter("llm.chat.tokens",
		metric.WithDescription("Tokens reported by LLM providers"),
		metric.WithUnit("{token}")); err != nil {
		g.logger.Warn("failed to create metric", "name", "llm.chat.tokens", "error", err)
		g.tokens = noop.Int64Counter{}
	}
	return g
}

func (g *Gateway) Target(req *gateway.ChatRequest) (provider.Identity, string) {
	return g.next.Target(req)
}

// Chat opens an llm.chat span around the wrapped call. Business tags come
// from ctx, overridden field by field by req.Tags. Tags present in ctx at
// the start are cleared before the span ends, on every exit path. Errors
// are annotated on the span and returned unchanged.
func (g *Gateway) Chat(ctx context.Context, req *gateway.ChatRequest) (res *gateway.Result, err error) {
	id, model := g.next.Target(req)

	tags, hadTags := llmctx.Get(ctx)
	attrs := []attribute.KeyValue{
		AttrProvider.String(string(id)),
		AttrModel.String(model),
		AttrStreaming.Bool(req.Streaming()),
		AttrMessageCount.Int(messageCount(req)),
	}
	if req != nil {
		tags = tags.Merge(req.Tags)
	}
	attrs = append(attrs, businessAttributes(tags)...)

	ctx, span := g.tracer.Start(ctx, SpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()
	if hadTags {
		defer llmctx.Clear(ctx)
	}

	start := time.Now()
	res, err = g.next.Chat(ctx, req)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	metricAttrs := metric.WithAttributes(AttrProvider.String(string(id)), AttrModel.String(model))
	if err != nil {
		g.recordError(span, err, elapsed)
		g.calls.Add(ctx, 1, metricAttrs, metric.WithAttributes(AttrStatus.String(StatusError)))
		g.duration.Record(ctx, elapsed, metricAttrs)
		return nil, err
	}

	span.SetAttributes(
		AttrStatus.String(StatusSuccess),
		AttrDurationMs.Float64(elapsed),
	)
	if res != nil && res.Usage != nil {
		g.recordUsage(ctx, span, res.Usage, metricAttrs)
	}
	g.calls.Add(ctx, 1, metricAttrs, metric.WithAttributes(AttrStatus.String(StatusSuccess)))
	g.duration.Record(ctx, elapsed, metricAttrs)
	return res, nil
}

func (g *Gateway) recordError(span trace.Span, err error, elapsed float64) {
	span.SetAttributes(
		AttrStatus.String(StatusError),
		AttrDurationMs.Float64(elapsed),
		AttrErrorType.String(fmt.Sprintf("%T", rootCause(err))),
		AttrErrorMessage.String(err.Error()),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, "LLM request failed: "+err.Error())
}

func (g *Gateway) recordUsage(ctx context.Context, span trace.Span, u *usage.Usage, metricAttrs metric.MeasurementOption) {
	attrs := []attribute.KeyValue{
		AttrTotalTokens.Int(u.TotalTokens),
		AttrEstimated.Bool(false),
	}
	if u.HasInput {
		attrs = append(attrs, AttrInputTokens.Int(u.InputTokens))
		g.tokens.Add(ctx, int64(u.InputTokens), metricAttrs, metric.WithAttributes(attribute.String("direction", "input")))
	}
	if u.HasOutput {
		attrs = append(attrs, AttrOutputTokens.Int(u.OutputTokens))
		g.tokens.Add(ctx, int64(u.OutputTokens), metricAttrs, metric.WithAttributes(attribute.String("direction", "output")))
	}
	if u.CachedTokens != nil {
		attrs = append(attrs, AttrCachedTokens.Int(*u.CachedTokens))
	}
	span.SetAttributes(attrs...)
}

// TrackCacheHit marks the span in ctx as served from (or missing) a
// response cache.
func TrackCacheHit(ctx context.Context, hit bool) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(AttrCacheHit.Bool(hit))
}

func businessAttributes(t llmctx.Tags) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	add := func(k attribute.Key, v string) {
		if v != "" {
			attrs = append(attrs, k.String(v))
		}
	}
	add(AttrOperationType, t.OperationType)
	add(AttrSubjectType, t.SubjectType)
	add(AttrSubjectID, t.SubjectID)
	add(AttrCommentID, t.CommentID)
	add(AttrCallID, t.CallID)
	return attrs
}

func messageCount(req *gateway.ChatRequest) int {
	if req == nil {
		return 0
	}
	return len(req.Messages)
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
