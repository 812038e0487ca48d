package proxy

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vnmchuo/ensemble-gateway/internal/auth"
)

// NewServer wires the gateway routes.
func NewServer(h *Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(AccessLog(logger))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "ensemble-gateway"})
	})
	r.Get("/v1/models", h.HandleModels)

	// Tenant routes
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware())
		r.Post("/v1/chat/completions", h.HandleChat)
		r.Post("/v1/ensemble", h.HandleEnsemble)
		r.Get("/v1/usage", h.HandleUsage)
	})

	return r
}

// AccessLog writes one structured record per request.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", ww.Header().Get(auth.RequestIDHeader)),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
