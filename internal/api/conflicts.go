package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/conflict"
)

// NoteBody is the body of POST /api/conflicts/{id}/notes.
type NoteBody struct {
	Actor   string `json:"performed_by"`
	Details string `json:"details"`
}

func parseConflictFilter(r *http.Request) (conflict.Filter, error) {
	q := r.URL.Query()
	var f conflict.Filter
	var err error

	if v := q.Get("severity"); v != "" {
		if f.Severity, err = models.ParseSeverity(v); err != nil {
			return f, badQuery("severity", err)
		}
	}
	if v := q.Get("entity_type"); v != "" {
		if f.EntityType, err = models.ParseEntityType(v); err != nil {
			return f, badQuery("entity_type", err)
		}
	}
	switch v := models.ConflictStatus(q.Get("status")); v {
	case "", models.ConflictPending, models.ConflictResolved:
		f.Status = v
	default:
		return f, badQuery("status", fmt.Errorf("unknown conflict status %q", v))
	}
	return f, nil
}

// listConflicts returns pending conflicts in work order unless another
// status is asked for.
func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseConflictFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var items []*models.Conflict
	if filter.Status == models.ConflictPending {
		items = s.deps.Conflicts.Pending(filter)
	} else {
		items = s.deps.Conflicts.List(filter)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) conflictStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseConflictFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Conflicts.Stats(filter))
}

func (s *Server) getConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Conflicts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// resolveConflict takes a conflict_id-less ResolveRequest; the id comes from
// the path.
func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req conflict.ResolveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	req.ConflictID = chi.URLParam(r, "id")

	id, err := s.deps.Conflicts.Resolve(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.deps.Conflicts.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflict_id": id, "conflict": c})
}

func (s *Server) addConflictNote(w http.ResponseWriter, r *http.Request) {
	var req NoteBody
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.deps.Conflicts.AddNote(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Details)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
