// Package api exposes the loopback control surface. It is token-gated and
// bound to 127.0.0.1 only; remote automation goes through a tunnel, never
// an open port.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mediadeck/internal/config"
	"mediadeck/internal/engine"
	"mediadeck/internal/history"
	"mediadeck/internal/model"
	"mediadeck/internal/scheduler"
	"mediadeck/internal/storage"
)

const tokenHeader = "X-Mediadeck-Token"

type ControlServer struct {
	logger  *slog.Logger
	sched   *scheduler.Scheduler
	hist    *history.Manager
	cfg     *config.Manager
	router  *chi.Mux
	httpSrv *http.Server
}

func NewControlServer(logger *slog.Logger, sched *scheduler.Scheduler, hist *history.Manager, cfg *config.Manager) *ControlServer {
	s := &ControlServer{
		logger: logger,
		sched:  sched,
		hist:   hist,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)

	s.router.Post("/v1/jobs", s.handleSubmit)
	s.router.Get("/v1/jobs", s.handleListJobs)
	s.router.Get("/v1/jobs/{id}", s.handleGetJob)
	s.router.Post("/v1/jobs/{id}/control", s.handleJobControl)
	s.router.Get("/v1/history", s.handleHistory)
	s.router.Delete("/v1/history", s.handleClearHistory)
	s.router.Get("/v1/status", s.handleStatus)
	s.router.Post("/v1/settings", s.handleSettings)
}

// Start binds the loopback listener. Returns an error only when the bind
// itself fails; serve errors are logged from the background goroutine.
func (s *ControlServer) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control server failed to bind %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{Handler: s.router}
	s.logger.Info("control server listening", "addr", addr)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server failed", "error", err)
		}
	}()
	return nil
}

func (s *ControlServer) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *ControlServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if r.Header.Get(tokenHeader) != s.cfg.GetControlToken() {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Request/Response Models
type SubmitJobRequest struct {
	Kind     string                `json:"kind"`
	Title    string                `json:"title,omitempty"`
	Source   string                `json:"source"`
	Target   string                `json:"target,omitempty"`
	Priority bool                  `json:"priority,omitempty"`
	At       string                `json:"at,omitempty"` // RFC3339, deferred entry into the queue
	Download model.DownloadOptions `json:"download,omitempty"`
	Convert  model.ConvertOptions  `json:"convert,omitempty"`
}

type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

type ControlRequest struct {
	Action string `json:"action"` // "pause", "resume", "cancel"
}

type SettingsRequest struct {
	MaxConcurrent *int `json:"max_concurrent,omitempty"`
	MaxRetries    *int `json:"max_retries,omitempty"`
	HistoryLimit  *int `json:"history_limit,omitempty"`
}

type StatusResponse struct {
	Running       int                     `json:"running"`
	MaxConcurrent int                     `json:"max_concurrent"`
	Jobs          int                     `json:"jobs"`
	Engines       engine.DependencyReport `json:"engines"`
}

func (s *ControlServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sreq := scheduler.SubmitRequest{
		Kind:     model.JobKind(req.Kind),
		Title:    req.Title,
		Source:   req.Source,
		Target:   req.Target,
		Priority: req.Priority,
		Download: req.Download,
		Convert:  req.Convert,
	}

	var (
		id  string
		err error
	)
	if req.At != "" {
		due, perr := time.Parse(time.RFC3339, req.At)
		if perr != nil {
			http.Error(w, "invalid 'at' timestamp", http.StatusBadRequest)
			return
		}
		id, err = s.sched.SubmitAt(sreq, due)
	} else {
		id, err = s.sched.Submit(sreq)
	}
	if err != nil {
		var cerr *model.ClassifiedError
		status := http.StatusInternalServerError
		if errors.As(err, &cerr) && cerr.Kind == model.ErrKindValidation {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, SubmitJobResponse{JobID: id})
}

func (s *ControlServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sched.Jobs())
}

func (s *ControlServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.sched.Get(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, job)
}

func (s *ControlServer) handleJobControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	switch req.Action {
	case "pause":
		err = s.sched.Pause(id)
	case "resume":
		err = s.sched.Resume(id)
	case "cancel", "stop":
		err = s.sched.Cancel(id)
	default:
		http.Error(w, "invalid action", http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.HistoryFilter{
		Kind:    q.Get("kind"),
		Outcome: q.Get("outcome"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, "invalid 'since' timestamp", http.StatusBadRequest)
			return
		}
		f.Since = t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			http.Error(w, "invalid 'until' timestamp", http.StatusBadRequest)
			return
		}
		f.Until = t
	}
	limit := 100
	if ls := q.Get("limit"); ls != "" {
		if n, err := strconv.Atoi(ls); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.hist.Query(f, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func (s *ControlServer) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.HistoryFilter{
		Kind:    q.Get("kind"),
		Outcome: q.Get("outcome"),
	}
	n, err := s.hist.Clear(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int64{"removed": n})
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatusResponse{
		Running:       s.sched.RunningCount(),
		MaxConcurrent: s.cfg.GetMaxConcurrent(),
		Jobs:          len(s.sched.Jobs()),
		Engines:       engine.DependencyStatus(),
	})
}

func (s *ControlServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxConcurrent != nil {
		s.sched.SetMaxConcurrent(*req.MaxConcurrent)
	}
	if req.MaxRetries != nil {
		s.cfg.SetMaxRetries(*req.MaxRetries)
	}
	if req.HistoryLimit != nil {
		s.cfg.SetHistoryLimit(*req.HistoryLimit)
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
