// Package api exposes the batch pipeline over HTTP for SaaS-side triggers:
// job submission, batch processing ticks, and progress reads.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/romy-hq/prospect-research-cli/internal/dispatch"
	"github.com/romy-hq/prospect-research-cli/internal/model"
	"github.com/romy-hq/prospect-research-cli/internal/store"
)

// Server wires HTTP routes to the dispatcher.
type Server struct {
	dispatcher *dispatch.Dispatcher
	store      store.Store
}

// NewServer creates a Server.
func NewServer(d *dispatch.Dispatcher, st store.Store) *Server {
	return &Server{dispatcher: d, store: st}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/v1/healthz", s.handleHealth)

	r.Route("/v1/batches", func(r chi.Router) {
		r.Post("/", s.handleCreateBatch)
		r.Get("/", s.handleListBatches)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetBatch)
			r.Get("/items", s.handleListItems)
			r.Post("/process", s.handleProcessBatch)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/cancel", s.handleCancel)
			r.Post("/items/{itemID}/retry", s.handleRetryItem)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createBatchRequest is the POST /v1/batches body.
type createBatchRequest struct {
	UserID        string            `json:"user_id"`
	Name          string            `json:"name"`
	Prospects     []model.Prospect  `json:"prospects"`
	Settings      model.JobSettings `json:"settings"`
	WebhookURL    string            `json:"webhook_url,omitempty"`
	WebhookSecret string            `json:"webhook_secret,omitempty"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.dispatcher.CreateJob(r.Context(), dispatch.CreateJobRequest{
		UserID:        req.UserID,
		Name:          req.Name,
		Prospects:     req.Prospects,
		Settings:      req.Settings,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), userID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	items, err := s.store.ListItems(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	resp, err := s.dispatcher.ProcessBatch(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	resp, err := s.dispatcher.RetryItem(r.Context(),
		chi.URLParam(r, "jobID"), chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.dispatcher.PauseJob)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.dispatcher.ResumeJob)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.dispatcher.CancelJob)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, jobID string) error) {
	jobID := chi.URLParam(r, "jobID")
	if err := fn(r.Context(), jobID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("api: encode response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
