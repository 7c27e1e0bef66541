package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	records := s.health.List()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Kind == coordinator.EntityKind(kind) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": records})
}

func (s *Server) getBreaker(w http.ResponseWriter, r *http.Request) {
	kind := coordinator.EntityKind(chi.URLParam(r, "kind"))
	name := chi.URLParam(r, "name")
	rec, ok := s.health.Snapshot(kind, name)
	if !ok {
		writeError(w, http.StatusNotFound, "breaker not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breaker": rec})
}

func (s *Server) listEligible(w http.ResponseWriter, r *http.Request) {
	kind := coordinator.EntityKind(chi.URLParam(r, "kind"))
	if kind != coordinator.KindEngine && kind != coordinator.KindDomain {
		writeError(w, http.StatusBadRequest, "kind must be engine or domain")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"eligible": s.health.SelectEligible(kind)})
}

func (s *Server) closeBreaker(w http.ResponseWriter, r *http.Request) {
	kind := coordinator.EntityKind(chi.URLParam(r, "kind"))
	name := chi.URLParam(r, "name")
	if kind != coordinator.KindEngine && kind != coordinator.KindDomain {
		writeError(w, http.StatusBadRequest, "kind must be engine or domain")
		return
	}
	if err := s.health.ForceClose(r.Context(), kind, name); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(coordinator.BreakerClosed)})
}

func hoursToDuration(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}
