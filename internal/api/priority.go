package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/reliefsync/backend/internal/models"
)

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.deps.Priority.Rules()})
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule models.PriorityRule
	if err := decode(r, &rule); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.deps.Priority.CreateRule(r.Context(), &rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.PriorityRule
	if err := decode(r, &rule); err != nil {
		s.writeError(w, err)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	updated, err := s.deps.Priority.UpdateRule(r.Context(), &rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Priority.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recalculate(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Priority.RecalculateAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rescored": n})
}
