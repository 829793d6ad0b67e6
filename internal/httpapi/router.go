package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vnmchuo/llmgate/internal/auth"
)

// NewRouter mounts the public and tenant-scoped routes. authn resolves the
// tenant for the /v1 group.
func NewRouter(h *Handler, authn auth.Middleware) chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequestID())
	r.Use(requestLogger(h.logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Post("/v1/chat", h.HandleChat)
		r.Post("/v1/chat/stream", h.HandleChatStream)
		r.Get("/v1/providers", h.HandleProviders)
		r.Get("/v1/usage", h.HandleUsage)
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", auth.GetRequestID(r.Context()),
			)
		})
	}
}
