package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

type claimRequest struct {
	Type     string `json:"identifier_type"`
	Value    string `json:"identifier_value"`
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

type claimCompleteRequest struct {
	ResultRef string `json:"result_ref"`
}

type claimFailRequest struct {
	Error string `json:"error"`
}

func (s *Server) submitClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.ledger.Claim(r.Context(),
		coordinator.IdentifierType(req.Type), req.Value, req.TaskID, req.WorkerID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) lookupClaim(w http.ResponseWriter, r *http.Request) {
	typ := coordinator.IdentifierType(chi.URLParam(r, "type"))
	value := chi.URLParam(r, "value")
	claim, found, err := s.ledger.Lookup(r.Context(), typ, value)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "claim not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claim": claim})
}

func (s *Server) completeClaim(w http.ResponseWriter, r *http.Request) {
	var req claimCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	typ := coordinator.IdentifierType(chi.URLParam(r, "type"))
	value := chi.URLParam(r, "value")
	applied, err := s.ledger.Complete(r.Context(), typ, value, req.ResultRef)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) failClaim(w http.ResponseWriter, r *http.Request) {
	var req claimFailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	typ := coordinator.IdentifierType(chi.URLParam(r, "type"))
	value := chi.URLParam(r, "value")
	applied, err := s.ledger.Fail(r.Context(), typ, value, req.Error)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}
