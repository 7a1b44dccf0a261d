// Package api exposes the session engine over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/crucible/internal/catalog"
	"github.com/mattjoyce/crucible/internal/compute"
	"github.com/mattjoyce/crucible/internal/history"
	"github.com/mattjoyce/crucible/internal/param"
	"github.com/mattjoyce/crucible/internal/schema"
	"github.com/mattjoyce/crucible/internal/session"
	"github.com/mattjoyce/crucible/internal/system"
)

// SessionEngine is the surface the API needs from the session store.
type SessionEngine interface {
	Create(ctx context.Context, cfg *schema.Configuration, meta session.Metadata) (string, error)
	List() ([]string, error)
	Info(id string) (schema.SessionInfo, error)
	Status(id string) (schema.State, error)
	Remove(ctx context.Context, id string, force bool) error
	Parameters(id string, group schema.Group) ([]*param.Parameter, error)
	UpdateParameter(id string, group schema.Group, name string, value any) error
	UploadParameterFile(id string, group schema.Group, name, fileName string, content []byte) error
	ResetParameter(id string, group schema.Group, name string) error
	Execute(ctx context.Context, id string, req session.ExecuteRequest) (string, error)
	Stop(ctx context.Context, id string) error
	Results(id string) ([]schema.ResultInfo, error)
	GetResult(ctx context.Context, id, name string) (string, error)
	History(ctx context.Context, id string) ([]history.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the single bearer token. Empty disables auth.
	APIKey string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	engine    SessionEngine
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server around a session engine.
func New(config Config, engine SessionEngine, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		engine:    engine,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // synchronous executions block the response
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleRemoveSession)
			r.Get("/status", s.handleStatus)
			r.Post("/execute", s.handleExecute)
			r.Post("/stop", s.handleStop)
			r.Get("/results", s.handleListResults)
			r.Get("/results/{name}", s.handleGetResult)
			r.Get("/history", s.handleHistory)
			r.Route("/parameters/{group}", func(r chi.Router) {
				r.Get("/", s.handleGetParameters)
				r.Put("/{name}", s.handleUpdateParameter)
				r.Post("/{name}", s.handleUploadParameterFile)
				r.Delete("/{name}", s.handleResetParameter)
			})
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeDomainError maps engine error conditions onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrLocked):
		s.writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, catalog.ErrUnknownSystem),
		errors.Is(err, system.ErrUnknownParameter),
		errors.Is(err, system.ErrUnknownResult),
		errors.Is(err, os.ErrNotExist):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrState):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, schema.ErrValidation), errors.Is(err, param.ErrNotFile):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, compute.ErrUnavailable),
		errors.Is(err, compute.ErrCredentials),
		errors.Is(err, compute.ErrResource),
		errors.Is(err, compute.ErrFileTransfer):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
