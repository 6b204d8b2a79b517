// Package server exposes the HTTP JSON API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acervo-ai/acervo-backend/internal/answer"
	"github.com/acervo-ai/acervo-backend/internal/apperr"
	"github.com/acervo-ai/acervo-backend/internal/ingestion"
	"github.com/acervo-ai/acervo-backend/internal/jobs"
	"github.com/acervo-ai/acervo-backend/internal/objectstore"
	"github.com/acervo-ai/acervo-backend/internal/repository"
	"github.com/acervo-ai/acervo-backend/internal/retrieval"
)

// maxUploadBytes bounds multipart uploads.
const maxUploadBytes = 32 << 20

// Deps bundles everything the handlers need.
type Deps struct {
	Workspaces repository.WorkspaceRepository
	Documents  repository.DocumentRepository
	Ingestion  *ingestion.Pipeline
	Retrieval  *retrieval.Pipeline
	Answerer   *answer.Orchestrator
	Blobs      objectstore.Store
	Queue      *jobs.Queue
	Registry   *prometheus.Registry
}

// Server wraps the HTTP server and its router.
type Server struct {
	server *http.Server
	router *chi.Mux
	deps   Deps
}

// New builds the router and wires every route.
func New(addr string, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogging)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		deps:   deps,
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute, // streamed answers can run long
			IdleTimeout:  120 * time.Second,
		},
	}

	router.Get("/healthz", healthHandler)
	router.Get("/readyz", healthHandler)
	if deps.Registry != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	router.Route("/v1", func(r chi.Router) {
		r.Use(requireActor)

		r.Route("/workspaces", func(r chi.Router) {
			r.Post("/", s.createWorkspace)
			r.Get("/", s.listWorkspaces)
			r.Route("/{workspaceID}", func(r chi.Router) {
				r.Get("/", s.getWorkspace)
				r.Patch("/", s.updateWorkspace)
				r.Post("/archive", s.archiveWorkspace)

				r.Get("/acl", s.listACL)
				r.Post("/acl", s.grantACL)
				r.Delete("/acl/{userID}", s.revokeACL)

				r.Route("/documents", func(r chi.Router) {
					r.Post("/", s.ingestDocument)
					r.Post("/upload", s.uploadDocument)
					r.Get("/", s.listDocuments)
					r.Route("/{documentID}", func(r chi.Router) {
						r.Get("/", s.getDocument)
						r.Delete("/", s.deleteDocument)
						r.Post("/reprocess", s.reprocessDocument)
					})
				})

				r.Post("/query", s.query)
				r.Post("/answer", s.answerHandler)
				r.Post("/answer/stream", s.answerStream)
			})
		})
	})

	return s
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	slog.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

// Router exposes the router for tests.
func (s *Server) Router() http.Handler { return s.router }

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type actorKey struct{}

// requireActor resolves the acting principal from the identity headers set
// by the gateway. Requests without a subject are rejected.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			writeError(w, r, apperr.New(apperr.CodeUnauthorized, "missing identity"))
			return
		}
		role := r.Header.Get("X-User-Role")
		if role == "" {
			role = repository.RoleEmployee
		}
		actor := repository.Actor{UserID: userID, Role: role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) repository.Actor {
	actor, _ := r.Context().Value(actorKey{}).(repository.Actor)
	return actor
}
