// Package httpapi exposes the gateway over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llmgate/internal/auth"
	"github.com/vnmchuo/llmgate/internal/billing"
	"github.com/vnmchuo/llmgate/internal/gateway"
	"github.com/vnmchuo/llmgate/internal/llmctx"
	"github.com/vnmchuo/llmgate/internal/provider"
	"github.com/vnmchuo/llmgate/internal/usage"
	"github.com/vnmchuo/llmgate/pkg/ratelimit"
)

// Catalog answers provider configuration questions.
type Catalog interface {
	Provider() provider.Identity
	Model() string
	DefaultModel(id provider.Identity) string
	IsConfigured(alias string) bool
	AvailableProviders() []provider.Identity
}

// Recorder accepts usage records for asynchronous persistence.
type Recorder interface {
	Enqueue(ctx context.Context, log *billing.UsageLog) error
}

type Handler struct {
	chat     gateway.Chatter
	catalog  Catalog
	billing  billing.Store
	recorder Recorder
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// NewHandler wires the HTTP surface. billing, recorder and limiter may be
// nil, which disables usage queries, usage recording and rate limiting.
func NewHandler(chat gateway.Chatter, catalog Catalog, billing billing.Store, recorder Recorder, limiter *ratelimit.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		chat:     chat,
		catalog:  catalog,
		billing:  billing,
		recorder: recorder,
		limiter:  limiter,
		logger:   logger,
	}
}

type chatRequest struct {
	Messages    []provider.Message `json:"messages"`
	Provider    string             `json:"provider,omitempty"`
	Model       string             `json:"model,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	llmctx.Tags
}

type usageBody struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	CachedTokens     *int `json:"cached_tokens,omitempty"`
}

type chatResponse struct {
	ID       string     `json:"id"`
	Object   string     `json:"object"`
	Provider string     `json:"provider"`
	Model    string     `json:"model"`
	Content  string     `json:"content"`
	Usage    *usageBody `json:"usage"`
}

type streamDelta struct {
	Content string `json:"content"`
}

type providerInfo struct {
	Name         provider.Identity `json:"name"`
	Configured   bool              `json:"configured"`
	DefaultModel string            `json:"default_model"`
}

// call is one validated chat request ready to run.
type call struct {
	tenantID  string
	requestID string
	body      chatRequest
	started   time.Time
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	c, ok := h.prepare(w, r)
	if !ok {
		return
	}

	ctx := llmctx.Set(r.Context(), c.body.Tags)
	res, err := h.chat.Chat(ctx, c.gatewayRequest(nil))
	h.record(r.Context(), c, res, err, false)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ID:       c.body.CallID,
		Object:   "chat.completion",
		Provider: string(res.Provider),
		Model:    res.Model,
		Content:  res.Content,
		Usage:    usageOf(res),
	})
}

func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	c, ok := h.prepare(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := llmctx.Set(r.Context(), c.body.Tags)
	res, err := h.chat.Chat(ctx, c.gatewayRequest(func(delta string) {
		writeEvent(w, "", streamDelta{Content: delta})
		flusher.Flush()
	}))
	h.record(r.Context(), c, res, err, true)
	if err != nil {
		writeEvent(w, "error", map[string]string{"error": err.Error()})
		flusher.Flush()
		return
	}

	if u := usageOf(res); u != nil {
		writeEvent(w, "usage", u)
	}
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// prepare authenticates, decodes and rate-limits the request. It writes the
// error response itself and reports false when the request must stop.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (*call, bool) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return nil, false
	}
	if body.CallID == "" {
		body.CallID = uuid.New().String()
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	promptChars := 0
	for _, m := range body.Messages {
		promptChars += len(m.Content)
	}
	allowed, err := h.limiter.Allow(ctx, tenantID, ratelimit.Estimate(promptChars, body.MaxTokens))
	if err != nil {
		h.logger.Warn("rate limit check failed", "tenant_id", tenantID, "error", err)
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return nil, false
	}

	return &call{tenantID: tenantID, requestID: requestID, body: body, started: time.Now()}, true
}

func (c *call) gatewayRequest(onChunk func(string)) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Messages:    c.body.Messages,
		Provider:    c.body.Provider,
		Model:       c.body.Model,
		MaxTokens:   c.body.MaxTokens,
		Temperature: c.body.Temperature,
		OnChunk:     onChunk,
	}
}

// record queues the call for the usage ledger.
func (h *Handler) record(ctx context.Context, c *call, res *gateway.Result, callErr error, streaming bool) {
	if h.recorder == nil {
		return
	}

	entry := &billing.UsageLog{
		TenantID:      c.tenantID,
		RequestID:     c.requestID,
		CallID:        c.body.CallID,
		OperationType: c.body.OperationType,
		SubjectType:   c.body.SubjectType,
		SubjectID:     c.body.SubjectID,
		Provider:      c.body.Provider,
		Model:         c.body.Model,
		Streaming:     streaming,
		Status:        billing.StatusSuccess,
		LatencyMs:     time.Since(c.started).Milliseconds(),
	}
	if te, ok := gateway.AsTransportError(callErr); ok {
		entry.Provider, entry.Model = string(te.Provider), te.Model
	}
	if callErr != nil {
		entry.Status = billing.StatusError
	}
	if res != nil {
		entry.Provider, entry.Model = string(res.Provider), res.Model
		if u := res.Usage; u != nil {
			if u.HasInput {
				entry.InputTokens = &u.InputTokens
			}
			if u.HasOutput {
				entry.OutputTokens = &u.OutputTokens
			}
			entry.TotalTokens = u.TotalTokens
			entry.CachedTokens = u.CachedTokens
		}
	}

	// Enqueue logs its own failures.
	_ = h.recorder.Enqueue(ctx, entry)
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	available := h.catalog.AvailableProviders()
	if available == nil {
		available = []provider.Identity{}
	}

	var all []providerInfo
	for _, id := range []provider.Identity{provider.OpenAI, provider.Gemini, provider.Anthropic} {
		all = append(all, providerInfo{
			Name:         id,
			Configured:   h.catalog.IsConfigured(string(id)),
			DefaultModel: h.catalog.DefaultModel(id),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default_provider": h.catalog.Provider(),
		"default_model":    h.catalog.Model(),
		"available":        available,
		"providers":        all,
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.billing == nil {
		writeError(w, http.StatusNotImplemented, "usage ledger disabled")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totals, err := h.billing.GetTokenTotalsByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":      tenantID,
		"total_requests": totals.Calls,
		"input_tokens":   totals.InputTokens,
		"output_tokens":  totals.OutputTokens,
		"total_tokens":   totals.TotalTokens,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func usageOf(res *gateway.Result) *usageBody {
	if res == nil {
		return nil
	}
	tu := usage.Wrap(res.Response).Usage()
	if tu == nil {
		u := res.Usage
		if u == nil {
			return nil
		}
		body := &usageBody{TotalTokens: u.TotalTokens, CachedTokens: u.CachedTokens}
		if u.HasInput {
			body.PromptTokens = &u.InputTokens
		}
		if u.HasOutput {
			body.CompletionTokens = &u.OutputTokens
		}
		return body
	}
	return &usageBody{
		PromptTokens:     tu.Prompt,
		CompletionTokens: tu.Completion,
		TotalTokens:      tu.Total,
		CachedTokens:     tu.Cached,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrNoMessages):
		return http.StatusBadRequest
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gateway.ErrProviderNotRegistered):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
