package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/queue"
)

// EnqueueRequest is the body of POST /api/queue.
type EnqueueRequest struct {
	Type        models.EntityType `json:"type"`
	Action      models.Action     `json:"action"`
	EntityID    string            `json:"entity_id"`
	Payload     models.Payload    `json:"payload"`
	Priority    models.Priority   `json:"priority,omitempty"`
	BaseVersion int64             `json:"base_version"`
	CreatedBy   string            `json:"created_by,omitempty"`
	Role        string            `json:"role,omitempty"`
}

// OverrideRequest is the body of PUT /api/queue/{id}/priority.
type OverrideRequest struct {
	Score         float64 `json:"score"`
	Justification string  `json:"justification"`
	PerformedBy   string  `json:"performed_by"`
}

func parseQueueFilter(r *http.Request) (queue.Filter, error) {
	q := r.URL.Query()
	var f queue.Filter
	var err error

	if v := q.Get("status"); v != "" {
		if f.Status, err = models.ParseStatus(v); err != nil {
			return f, badQuery("status", err)
		}
	}
	if v := q.Get("priority"); v != "" {
		if f.Priority, err = models.ParsePriority(v); err != nil {
			return f, badQuery("priority", err)
		}
	}
	if v := q.Get("type"); v != "" {
		if f.Type, err = models.ParseEntityType(v); err != nil {
			return f, badQuery("type", err)
		}
	}
	for name, dst := range map[string]**float64{"min_score": &f.MinScore, "max_score": &f.MaxScore} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, badQuery(name, err)
		}
		*dst = &score
	}
	return f, nil
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	filter, err := parseQueueFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.deps.Queue.Items(filter)})
}

func (s *Server) queueSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Summary())
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	item, err := s.deps.Queue.Enqueue(r.Context(), &models.QueueItem{
		Type:        req.Type,
		Action:      req.Action,
		EntityID:    req.EntityID,
		Payload:     req.Payload,
		Priority:    req.Priority,
		BaseVersion: req.BaseVersion,
		CreatedBy:   req.CreatedBy,
		Role:        req.Role,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) getQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) removeQueueItem(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Queue.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) overridePriority(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.PerformedBy == "" {
		s.writeError(w, apperrors.New(apperrors.ErrValidation, "performed_by is required"))
		return
	}
	o, err := s.deps.Priority.OverridePriority(r.Context(), chi.URLParam(r, "id"), req.Score, req.Justification, req.PerformedBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) clearOverride(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Priority.ClearOverride(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.deps.Priority.Overrides(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": overrides})
}
