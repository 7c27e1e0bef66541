package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/intervention"
)

type interventionEnqueueRequest struct {
	TaskID    string `json:"task_id"`
	URL       string `json:"url"`
	Domain    string `json:"domain"`
	Challenge string `json:"challenge_type"`
	Priority  string `json:"priority"`
	TTLHours  int    `json:"ttl_hours"`
	JobID     string `json:"job_id"`
}

type sessionStartRequest struct {
	TaskID   string   `json:"task_id"`
	ItemIDs  []string `json:"item_ids"`
	Priority string   `json:"priority"`
}

type interventionCompleteRequest struct {
	Success bool            `json:"success"`
	Session json.RawMessage `json:"session"`
}

type interventionSkipRequest struct {
	ItemIDs []string `json:"item_ids"`
	Domain  string   `json:"domain"`
	TaskID  string   `json:"task_id"`
	Status  string   `json:"status"`
}

func (s *Server) enqueueIntervention(w http.ResponseWriter, r *http.Request) {
	var req interventionEnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.interventions.Enqueue(r.Context(), intervention.EnqueueRequest{
		TaskID:    req.TaskID,
		URL:       req.URL,
		Domain:    req.Domain,
		Challenge: coordinator.ChallengeType(req.Challenge),
		Priority:  coordinator.Priority(req.Priority),
		TTL:       hoursToDuration(req.TTLHours),
		JobID:     req.JobID,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"item_id": id})
}

func (s *Server) listInterventions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.interventions.ListPending(r.Context(), coordinator.InterventionFilter{
		TaskID:   q.Get("task_id"),
		Domain:   q.Get("domain"),
		Priority: coordinator.Priority(q.Get("priority")),
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) listInterventionDomains(w http.ResponseWriter, r *http.Request) {
	groups, err := s.interventions.GroupByDomain(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	summaries := make([]coordinator.DomainSummary, 0, len(groups))
	for _, g := range groups {
		summaries = append(summaries, g)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].HighPriorityCount != summaries[j].HighPriorityCount {
			return summaries[i].HighPriorityCount > summaries[j].HighPriorityCount
		}
		return summaries[i].Domain < summaries[j].Domain
	})
	writeJSON(w, http.StatusOK, map[string]any{"domains": summaries})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	items, err := s.interventions.StartSession(r.Context(), intervention.StartSessionRequest{
		TaskID:   req.TaskID,
		ItemIDs:  req.ItemIDs,
		Priority: coordinator.Priority(req.Priority),
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) completeIntervention(w http.ResponseWriter, r *http.Request) {
	var req interventionCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	applied, err := s.interventions.Complete(r.Context(), chi.URLParam(r, "item_id"), req.Success, req.Session)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) completeDomain(w http.ResponseWriter, r *http.Request) {
	var req interventionCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	resolution, err := s.interventions.CompleteDomain(r.Context(), chi.URLParam(r, "domain"), req.Success, req.Session)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

func (s *Server) skipInterventions(w http.ResponseWriter, r *http.Request) {
	var req interventionSkipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	status := coordinator.InterventionStatus(req.Status)
	if status == "" {
		status = coordinator.InterventionSkipped
	}
	count, err := s.interventions.Skip(r.Context(), coordinator.InterventionSelector{
		ItemIDs: req.ItemIDs,
		Domain:  req.Domain,
		TaskID:  req.TaskID,
	}, status)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) getDomainSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.interventions.SessionForDomain(r.Context(),
		chi.URLParam(r, "domain"), r.URL.Query().Get("task_id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "no session captured for domain")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": json.RawMessage(session)})
}
