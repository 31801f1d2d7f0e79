// Package server exposes the job API over HTTP: submit a scrape, read its
// status, list recent jobs and watch progress over a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PentesterFlow/SiteScape/internal/logger"
	"github.com/PentesterFlow/SiteScape/internal/metrics"
	"github.com/PentesterFlow/SiteScape/internal/models"
	"github.com/PentesterFlow/SiteScape/internal/output"
	"github.com/PentesterFlow/SiteScape/internal/state"
)

// Jobs is the job surface the API drives. *sitescape.JobManager satisfies it.
type Jobs interface {
	Submit(seedURL string) (*models.Job, error)
	Get(id string) (*models.Job, error)
	List() ([]*models.Job, error)
	Cancel(id string) bool
}

// Config holds server configuration.
type Config struct {
	Addr         string
	OutputDir    string
	Version      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":3000",
		OutputDir:    "output",
		Version:      "dev",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		MaxBodyBytes: 1 << 20,
	}
}

// ScrapeRequest is the body of POST /api/scrape.
type ScrapeRequest struct {
	URL string `json:"url"`
}

// ScrapeResponse acknowledges a submitted job.
type ScrapeResponse struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

// StatusResponse is the body of GET /api/status/{id}.
type StatusResponse struct {
	JobID    string           `json:"jobId"`
	URL      string           `json:"url"`
	Status   models.JobStatus `json:"status"`
	Progress int              `json:"progress"`
	Metadata models.Metadata  `json:"metadata"`
	Error    string           `json:"error,omitempty"`
}

// JobSummary is one entry of GET /api/jobs.
type JobSummary struct {
	JobID     string           `json:"jobId"`
	URL       string           `json:"url"`
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Metadata  models.Metadata  `json:"metadata"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Server serves the job API.
type Server struct {
	config  Config
	jobs    Jobs
	hub     http.Handler
	metrics *metrics.Collector
	mux     *http.ServeMux
	http    *http.Server
	log     *logger.Logger
}

// New wires the handlers. hub serves /ws and may be nil; collector may be
// nil.
func New(jobs Jobs, hub http.Handler, collector *metrics.Collector, config Config, log *logger.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		config:  config,
		jobs:    jobs,
		hub:     hub,
		metrics: collector,
		mux:     http.NewServeMux(),
		log:     log.WithComponent("server"),
	}
	s.routes()
	s.http = &http.Server{
		Addr:         config.Addr,
		Handler:      s,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api", s.handleIndex)
	s.mux.HandleFunc("/api/scrape", s.handleScrape)
	s.mux.HandleFunc("/api/status/", s.handleStatus)
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/", s.handleJobByID)
	s.mux.HandleFunc("/api/manifest/", s.handleManifest)
	s.mux.HandleFunc("/api/metrics", s.handleMetrics)
	if s.hub != nil {
		s.mux.Handle("/ws", s.hub)
	}
}

// ListenAndServe serves until Shutdown. It returns nil after a graceful
// shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Infof("Listening on %s", s.config.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "SiteScape API",
		"version": s.config.Version,
		"status":  "running",
		"endpoints": map[string]string{
			"scrape":   "POST /api/scrape",
			"status":   "GET /api/status/{jobId}",
			"jobs":     "GET /api/jobs",
			"cancel":   "POST /api/jobs/{jobId}/cancel",
			"manifest": "GET /api/manifest/{jobId}",
			"metrics":  "GET /api/metrics",
			"progress": "GET /ws?job={jobId}",
			"health":   "GET /health",
		},
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req ScrapeRequest
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json payload: %v", err))
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "URL is required")
		return
	}

	job, err := s.jobs.Submit(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.WithJob(job.ID).WithURL(job.URL).Info("Job submitted")
	writeJSON(w, http.StatusOK, ScrapeResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := pathID(r.URL.Path, "/api/status/")
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	job, ok := s.lookup(w, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		JobID:    job.ID,
		URL:      job.URL,
		Status:   job.Status,
		Progress: job.Progress,
		Metadata: job.Metadata,
		Error:    job.Error,
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	jobs, err := s.jobs.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, JobSummary{
			JobID:     job.ID,
			URL:       job.URL,
			Status:    job.Status,
			Progress:  job.Progress,
			Metadata:  job.Metadata,
			CreatedAt: job.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	parts := strings.Split(trimmed, "/")
	if trimmed == "" || len(parts) != 2 || parts[1] != "cancel" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, err := url.PathUnescape(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, ok := s.lookup(w, id)
	if !ok {
		return
	}
	if job.Status.IsTerminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("Job already %s", job.Status))
		return
	}
	if !s.jobs.Cancel(id) {
		writeError(w, http.StatusConflict, "Job is not running on this server")
		return
	}
	writeJSON(w, http.StatusAccepted, ScrapeResponse{JobID: id, Status: job.Status})
}

// handleManifest serves the manifest of a completed job.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := pathID(r.URL.Path, "/api/manifest/")
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	job, ok := s.lookup(w, id)
	if !ok {
		return
	}
	if job.Status != models.StatusCompleted {
		writeError(w, http.StatusBadRequest, "Job not completed yet")
		return
	}

	path := filepath.Join(s.config.OutputDir, job.ID, output.ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.WithJob(job.ID).WithError(err).Warn("Manifest unavailable")
		writeError(w, http.StatusNotFound, "Manifest not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if s.metrics == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot().Summary())
}

// lookup loads a job, writing 404 or 500 when it cannot.
func (s *Server) lookup(w http.ResponseWriter, id string) (*models.Job, bool) {
	job, err := s.jobs.Get(id)
	if err != nil {
		if errors.Is(err, state.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return job, true
}

func pathID(path, prefix string) (string, bool) {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return "", false
	}
	id, err := url.PathUnescape(trimmed)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
