// Package server exposes registration jobs over HTTP: a JSON API, an SSE progress stream
// and a GeoJSON view of the point sets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cwbudde/expectreg/internal/config"
	"github.com/cwbudde/expectreg/internal/errs"
	"github.com/cwbudde/expectreg/internal/store"
	"github.com/cwbudde/expectreg/internal/transform"
)

// Server represents the HTTP server
type Server struct {
	jobManager  *JobManager
	addr        string
	server      *http.Server
	resultStore store.Store
	traceDir    string

	// jobs run under baseCtx so Shutdown can stop them
	baseCtx  context.Context
	stopJobs context.CancelFunc
}

// NewServer creates a new HTTP server. resultStore may be nil to keep results in memory only;
// traceDir enables per-iteration traces when it is not empty.
func NewServer(addr string, resultStore store.Store, traceDir string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		jobManager:  NewJobManager(),
		addr:        addr,
		resultStore: resultStore,
		traceDir:    traceDir,
		baseCtx:     ctx,
		stopJobs:    cancel,
	}
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)

	// Register API routes
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/results", s.handleResults)
	mux.HandleFunc("/api/v1/results/", s.handleResultsWithID)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels running jobs and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", len(s.jobManager.GetRunningJobs()))
	s.stopJobs()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	if sub == "cancel" {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleCancelJob(w, r, jobID)
		return
	}
	if sub == "" && r.Method == http.MethodDelete {
		s.handleDeleteJob(w, r, jobID)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch sub {
	case "":
		s.handleGetJob(w, r, jobID)
	case "status":
		s.handleGetJobStatus(w, r, jobID)
	case "stream":
		s.handleJobStream(w, r, jobID)
	case "points.geojson":
		s.handleGetPoints(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	req := JobRequest{Config: *config.Default()}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if err := req.Config.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Initial != nil {
		if err := checkInitial(req.Config, req.Initial); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	job := s.jobManager.CreateJob(req.Config, req.Initial)
	s.startJob(job.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(job)
}

// startJob runs the job in its own goroutine with its own cancel function.
func (s *Server) startJob(jobID string) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.jobManager.setCancel(jobID, cancel)
	go func() {
		defer cancel()
		defer s.jobManager.clearCancel(jobID)
		if err := runJob(ctx, s.jobManager, s.resultStore, s.traceDir, jobID); err != nil {
			slog.Debug("Job ended with error", "job_id", jobID, "error", err)
		}
	}()
}

// checkInitial verifies that initial fits the configured transform.
func checkInitial(cfg config.RegistrationConfig, initial []float64) error {
	t, err := transform.New(transform.Kind(cfg.Transform.Kind), cfg.Scenario.Dimension, cfg.Transform.Center)
	if err != nil {
		return err
	}
	if len(initial) != t.NumberOfParameters() {
		return errs.Configf("initial", "has %d parameters, transform %s needs %d", len(initial), cfg.Transform.Kind, t.NumberOfParameters())
	}
	return nil
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobManager.ListJobs()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

// handleGetJob handles GET /api/v1/jobs/:id
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	ips := float64(0)
	if elapsed.Seconds() > 0 {
		ips = float64(job.Iterations) / elapsed.Seconds()
	}

	response := map[string]interface{}{
		"id":                  job.ID,
		"state":               job.State,
		"value":               job.Value,
		"initialValue":        job.InitialValue,
		"gradientNorm":        job.GradientNorm,
		"iterations":          job.Iterations,
		"budget":              job.Config.Optimizer.Iterations,
		"reason":              job.Reason,
		"elapsed":             elapsed.Seconds(),
		"iterationsPerSecond": ips,
		"startTime":           job.StartTime,
		"endTime":             job.EndTime,
		"error":               job.Error,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err := s.jobManager.CancelJob(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("Job cancellation requested", "job_id", jobID)
	w.WriteHeader(http.StatusAccepted)
}

// handleDeleteJob handles DELETE /api/v1/jobs/:id. Stored results are kept.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request, jobID string) {
	err := s.jobManager.RemoveJob(jobID)
	switch {
	case errors.Is(err, errJobNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Info("Job removed", "job_id", jobID)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleGetPoints handles GET /api/v1/jobs/:id/points.geojson
func (s *Server) handleGetPoints(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if job.Config.Scenario.Dimension != 2 {
		http.Error(w, "GeoJSON export needs a 2D scenario", http.StatusBadRequest)
		return
	}

	sc, registered, err := jobPoints(job)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to build points: %v", err), http.StatusInternalServerError)
		return
	}
	fc, err := pointsCollection(job.ID, sc.Fixed, sc.Moving, registered)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(fc); err != nil {
		slog.Error("Failed to encode GeoJSON", "error", err)
	}
}

// handleResults handles GET /api/v1/results
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.resultStore == nil {
		http.Error(w, "Result store disabled", http.StatusNotFound)
		return
	}

	infos, err := s.resultStore.ListResults()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infos)
}

// handleResultsWithID handles /api/v1/results/:id and /api/v1/results/:id/trace
func (s *Server) handleResultsWithID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.resultStore == nil {
		http.Error(w, "Result store disabled", http.StatusNotFound)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/results/"), "/")
	jobID := parts[0]
	if jobID == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	var payload interface{}
	switch {
	case len(parts) == 1:
		record, err := s.resultStore.LoadResult(jobID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		payload = record
	case parts[1] == "trace" && s.traceDir != "":
		last := 0
		if v := r.URL.Query().Get("last"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "last must be a non-negative integer", http.StatusBadRequest)
				return
			}
			last = n
		}
		entries, err := store.ReadTrace(s.traceDir, jobID, last)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		payload = entries
	default:
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
