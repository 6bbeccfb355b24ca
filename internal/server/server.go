package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/persona/internal/engine"
	"github.com/lazypower/persona/internal/model"
)

// Server is the persona HTTP API server.
type Server struct {
	engine  *engine.Engine
	signals *engine.Broadcaster
	router  chi.Router
	version string
	started time.Time
	log     *log.Logger
}

// New creates a Server over eng. signals may be nil, in which case the
// signal stream route answers 404.
func New(eng *engine.Engine, signals *engine.Broadcaster, version string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		engine:  eng,
		signals: signals,
		version: version,
		started: time.Now(),
		log:     logger.WithPrefix("http"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/ingest", s.handleIngest)
		r.Post("/memories", s.handleRemember)
		r.Post("/retrieve", s.handleRetrieve)
		r.Get("/context", s.handleGetContext)
		r.Post("/decay", s.handleDecay)
		r.Get("/signals", s.handleSignals)

		r.Route("/memories/{ownerID}/{kind}/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetMemory)
			r.Delete("/", s.handleForget)
			r.Put("/pin", s.handlePin)
			r.Put("/hold", s.handleHold)
		})
	})

	s.router = r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "took", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrIndexUnavailable), errors.Is(err, model.ErrEmbeddingUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  model.ErrorCode(err),
	})
}
