// Package httpserver mounts the gateway's single enforcement endpoint plus
// ambient health and metrics endpoints onto a chi router.
package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeroveil/gateway/internal/apierr"
	"github.com/zeroveil/gateway/internal/config"
	"github.com/zeroveil/gateway/internal/pipeline"
)

// Server holds the HTTP server dependencies.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	Pipeline  *pipeline.Pipeline
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server mounting the enforcement endpoint behind
// the standard middleware chain, plus unauthenticated /healthz and /metrics.
func NewServer(cfg *config.Config, logger *slog.Logger, pl *pipeline.Pipeline, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Pipeline:  pl,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	s.Router.Post("/v1/chat/completions", s.handleChatCompletions)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChatCompletions adapts an *http.Request into a pipeline.Input,
// invokes the pipeline, and renders its transport-agnostic Output.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := ReadBody(r)
	if err != nil {
		writeEnvelope(w, apierr.InvalidRequest(err.Error(), nil))
		return
	}

	in := pipeline.Input{
		RequestID:     RequestIDFromContext(r.Context()),
		Authorization: r.Header.Get("Authorization"),
		Body:          body,
		ClientIP:      clientIP(r),
		UserAgent:     r.Header.Get("User-Agent"),
	}

	out := s.Pipeline.Handle(r.Context(), in)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.Status)
	if _, err := w.Write(out.Body); err != nil {
		s.Logger.Error("writing response", "error", err)
	}
}

func writeEnvelope(w http.ResponseWriter, err *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(err.AsEnvelope())
}

// clientIP returns the first address in X-Forwarded-For, falling back to
// RemoteAddr. Metadata only — never used to alter enforcement decisions.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
