package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/internal/ratelimit"
	"github.com/shehryarbajwa/session-plane/internal/stream"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(streamHandler http.Handler, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	// Preflight for every path; corsMiddleware answers it.
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	// Stream traffic is long-lived and upgraded to WebSocket, so it stays
	// outside the request logger.
	r.PathPrefix(stream.Prefix).Handler(streamHandler)

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(requestLogger(h.log), RequireUser)

	// Creation endpoints (rate limited)
	limited := api.NewRoute().Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter))
	limited.HandleFunc("/session/start", h.StartSession).Methods(http.MethodPost)
	limited.HandleFunc("/session/import", h.ImportSession).Methods(http.MethodPost)
	limited.HandleFunc("/jobs", h.EnqueueJob).Methods(http.MethodPost)

	api.HandleFunc("/session/complete", h.CompleteSession).Methods(http.MethodPost)
	api.HandleFunc("/session/{id}/hibernate", h.HibernateSession).Methods(http.MethodPost)
	api.HandleFunc("/session/{id}/resume", h.ResumeSession).Methods(http.MethodPost)
	api.HandleFunc("/session/{id}/status", h.GetSessionStatus).Methods(http.MethodGet)
	api.HandleFunc("/session/{id}", h.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)

	return r
}

// NewServer wraps the router in an http.Server with the configured timeouts.
// A non-zero WriteTimeout also bounds upgraded stream connections.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
