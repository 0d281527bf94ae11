// Package server exposes the worker's HTTP surface: liveness and readiness
// probes, synchronous annotation of pre-segmented borders, and read access
// to stored annotations.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/adverant/nexus/docannotator-worker/internal/annotator"
	"github.com/adverant/nexus/docannotator-worker/internal/errors"
	"github.com/adverant/nexus/docannotator-worker/internal/logging"
	"github.com/adverant/nexus/docannotator-worker/internal/storage"
)

const (
	maxBodyBytes   = 32 << 20
	checkTimeout   = 3 * time.Second
	defaultSimilar = 10
	maxSimilar     = 100
)

// Checker is a dependency probed by /ready
type Checker interface {
	Ping(ctx context.Context) error
}

// AnnotationStore serves stored annotations
type AnnotationStore interface {
	LoadAnnotations(ctx context.Context, jobID string) (annotator.AnnotatedBorders, error)
	FindSimilarRegions(ctx context.Context, features annotator.FeatureVector, limit int) ([]*storage.SimilarRegion, error)
	GetJobStatus(ctx context.Context, jobID string) (status string, errorCode string, err error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// Config holds server configuration
type Config struct {
	Addr      string
	Annotator *annotator.Annotator
	Store     AnnotationStore    // nil disables the job, similarity and stats routes
	Checks    map[string]Checker // probed by /ready
	Logger    *logging.Logger
}

// Server is the worker's HTTP server
type Server struct {
	router    *mux.Router
	http      *http.Server
	annotator *annotator.Annotator
	store     AnnotationStore
	checks    map[string]Checker
	logger    *logging.Logger
}

// New builds the server and registers its routes
func New(cfg Config) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		annotator: cfg.Annotator,
		store:     cfg.Store,
		checks:    cfg.Checks,
		logger:    cfg.Logger,
	}
	if s.annotator == nil {
		s.annotator = annotator.New()
	}
	if s.logger == nil {
		s.logger = logging.NewLogger("HTTP")
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/annotate", s.handleAnnotate).Methods(http.MethodPost)
	if s.store != nil {
		s.router.HandleFunc("/jobs/{jobId}", s.handleJobStatus).Methods(http.MethodGet)
		s.router.HandleFunc("/jobs/{jobId}/regions", s.handleJobRegions).Methods(http.MethodGet)
		s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
		s.router.HandleFunc("/regions/similar", s.handleSimilar).Methods(http.MethodPost)
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background until Shutdown
func (s *Server) Start() {
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "unavailable"
	}
	s.writeJSON(w, status, map[string]interface{}{"status": state, "checks": results})
}

// handleAnnotate annotates a borders document posted as JSON
func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	var borders annotator.DocumentBorders
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&borders); err != nil {
		s.writeError(w, err)
		return
	}

	annotated, err := s.annotator.Annotate(borders)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, annotated)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	status, code, err := s.store.GetJobStatus(r.Context(), jobID)
	if stderrors.Is(err, storage.ErrJobNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("Failed to get job status", "jobId", jobID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get job status"})
		return
	}
	body := map[string]string{"jobId": jobID, "status": status}
	if code != "" {
		body["errorCode"] = code
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to collect stats", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to collect stats"})
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobRegions(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	borders, err := s.store.LoadAnnotations(r.Context(), jobID)
	if err != nil {
		s.logger.Error("Failed to load annotations", "jobId", jobID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load annotations"})
		return
	}
	s.writeJSON(w, http.StatusOK, borders)
}

type similarRequest struct {
	Features annotator.FeatureVector `json:"features"`
	Limit    int                     `json:"limit,omitempty"`
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	var req similarRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, err)
		return
	}
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			s.writeError(w, fmt.Errorf("invalid limit %q", q))
			return
		}
		req.Limit = n
	}
	if req.Limit <= 0 {
		req.Limit = defaultSimilar
	}
	if req.Limit > maxSimilar {
		req.Limit = maxSimilar
	}

	results, err := s.store.FindSimilarRegions(r.Context(), req.Features, req.Limit)
	if err != nil {
		s.logger.Error("Similarity search failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "similarity search failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// writeError maps contract violations to 422 and everything else in a
// request body to 400.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var pe *errors.ProcessingError
	if stderrors.As(err, &pe) {
		s.writeJSON(w, http.StatusUnprocessableEntity, pe.ToMap())
		return
	}
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
