package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/kimhsiao/reliefsync/backend/internal/config"
	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/notify"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/scheduler"
)

// SyncStatusResponse is returned by GET /api/sync/status.
type SyncStatusResponse struct {
	scheduler.SchedulerStatus
	Notifications *notify.Stats `json:"notifications,omitempty"`
}

// triggerSync is the manual refresh. It never waits for the network.
func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	res := s.trigger.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: ErrorDetail{
			Code:    apperrors.ErrRateLimited,
			Message: "sync was triggered too often; try again shortly",
		}})
		return
	}

	started := s.deps.Scheduler.TriggerSync(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]bool{
		"started": started,
		"online":  s.deps.Scheduler.GetStatus().IsOnline,
	})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	resp := SyncStatusResponse{SchedulerStatus: s.deps.Scheduler.GetStatus()}
	if s.deps.Notifications != nil {
		st := s.deps.Notifications.Stats()
		resp.Notifications = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) setOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Online == nil {
		s.writeError(w, apperrors.New(apperrors.ErrValidation, "online is required"))
		return
	}
	s.deps.Scheduler.SetOnlineStatus(r.Context(), *req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *req.Online})
}

// PreferencesBody is the JSON form of config.Preferences with the interval
// in seconds.
type PreferencesBody struct {
	AutoRefresh            bool                  `json:"auto_refresh"`
	RefreshIntervalSeconds int                   `json:"refresh_interval_seconds"`
	QueueFilter            config.QueueFilter    `json:"queue_filter"`
	ConflictFilter         config.ConflictFilter `json:"conflict_filter"`
}

func toBody(p config.Preferences) PreferencesBody {
	return PreferencesBody{
		AutoRefresh:            p.AutoRefresh,
		RefreshIntervalSeconds: int(p.RefreshInterval / time.Second),
		QueueFilter:            p.QueueFilter,
		ConflictFilter:         p.ConflictFilter,
	}
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	if s.deps.Preferences == nil {
		writeJSON(w, http.StatusOK, toBody(config.DefaultPreferences()))
		return
	}
	prefs, err := s.deps.Preferences.Load()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBody(prefs))
}

// putPreferences saves the preferences and applies the auto refresh flag.
func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request) {
	var body PreferencesBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	prefs := config.Preferences{
		AutoRefresh:     body.AutoRefresh,
		RefreshInterval: time.Duration(body.RefreshIntervalSeconds) * time.Second,
		QueueFilter:     body.QueueFilter,
		ConflictFilter:  body.ConflictFilter,
	}
	if err := prefs.Validate(); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.ErrValidation, "invalid preferences", err))
		return
	}
	if s.deps.Preferences != nil {
		if err := s.deps.Preferences.Save(prefs); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.deps.Scheduler.SetAutoRefresh(prefs.AutoRefresh)
	writeJSON(w, http.StatusOK, toBody(prefs))
}
