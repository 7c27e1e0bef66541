package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type jobSubmitRequest struct {
	TaskID   string          `json:"task_id"`
	Kind     string          `json:"kind"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.jobs.Submit(r.Context(), req.TaskID, req.Kind, req.Priority, req.Payload)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, statusFor(err), "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	applied, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) listTaskJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListByTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}
