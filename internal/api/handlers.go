package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/keel/internal/kernel"
	"github.com/haasonsaas/keel/internal/scheduler"
	"github.com/haasonsaas/keel/internal/sessions"
	"github.com/haasonsaas/keel/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Task    string         `json:"task"`
	Mode    string         `json:"mode,omitempty"`
	Agentic *bool          `json:"agentic,omitempty"`
	Limits  *models.Limits `json:"limits,omitempty"`
}

type submitResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	opts := s.cfg.Submit
	opts.SubmittedBy = "api"
	if req.Mode != "" {
		mode := models.RunMode(req.Mode)
		if !mode.Valid() {
			writeError(w, http.StatusBadRequest, "invalid mode %q", req.Mode)
			return
		}
		opts.Mode = mode
	}
	if req.Agentic != nil {
		opts.Agentic = *req.Agentic
	}
	if req.Limits != nil {
		opts.Limits = req.Limits
	}

	session, err := s.cfg.Tasks.Submit(r.Context(), req.Task, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, "submit: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		SessionID: session.SessionID,
		Status:    string(session.Status),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := sessions.ListOptions{Status: models.SessionStatus(query.Get("status"))}

	var err error
	if opts.Limit, err = queryInt(query.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: %v", err)
		return
	}
	if opts.Offset, err = queryInt(query.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset: %v", err)
		return
	}

	list, err := s.cfg.Sessions.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
		"count":    len(list),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.cfg.Sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session %s not found", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "get session: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Sessions.Get(r.Context(), id); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session %s not found", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "get session: %v", err)
		return
	}

	events, err := s.cfg.Events.ReadSession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read events: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Tasks.Abort(id); err != nil {
		switch {
		case errors.Is(err, kernel.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session %s not found", id)
		case errors.Is(err, kernel.ErrNotAbortable):
			writeError(w, http.StatusConflict, "%v", err)
		default:
			writeError(w, http.StatusInternalServerError, "abort: %v", err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     "aborting",
	})
}

// schedules returns the schedule service or answers 503 when none is wired.
func (s *Server) schedules(w http.ResponseWriter) (ScheduleService, bool) {
	if s.cfg.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not configured")
		return nil, false
	}
	return s.cfg.Schedules, true
}

type scheduleRequest struct {
	Name    string                 `json:"name"`
	Trigger models.Trigger         `json:"trigger"`
	Action  models.Action          `json:"action"`
	Options models.ScheduleOptions `json:"options,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.schedules(w)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	sched, err := svc.Create(r.Context(), scheduler.CreateRequest{
		Name:    req.Name,
		Trigger: req.Trigger,
		Action:  req.Action,
		Options: req.Options,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "create schedule: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.schedules(w)
	if !ok {
		return
	}
	list := svc.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": list,
		"count":     len(list),
	})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.schedules(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	sched, err := svc.Get(id)
	if err != nil {
		if errors.Is(err, scheduler.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule %s not found", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "get schedule: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

type scheduleUpdateRequest struct {
	Name    *string                 `json:"name,omitempty"`
	Trigger *models.Trigger         `json:"trigger,omitempty"`
	Action  *models.Action          `json:"action,omitempty"`
	Options *models.ScheduleOptions `json:"options,omitempty"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.schedules(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var req scheduleUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	sched, err := svc.Update(r.Context(), id, scheduler.UpdateRequest{
		Name:    req.Name,
		Trigger: req.Trigger,
		Action:  req.Action,
		Options: req.Options,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule %s not found", id)
			return
		}
		writeError(w, http.StatusBadRequest, "update schedule: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.schedules(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := svc.Delete(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule %s not found", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "delete schedule: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	s.transitionSchedule(w, r, "pause", func(svc ScheduleService, id string) (*models.Schedule, error) {
		return svc.Pause(r.Context(), id)
	})
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	s.transitionSchedule(w, r, "resume", func(svc ScheduleService, id string) (*models.Schedule, error) {
		return svc.Resume(r.Context(), id)
	})
}

func (s *Server) transitionSchedule(w http.ResponseWriter, r *http.Request, verb string, apply func(ScheduleService, string) (*models.Schedule, error)) {
	svc, ok := s.schedules(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	sched, err := apply(svc, id)
	if err != nil {
		if errors.Is(err, scheduler.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule %s not found", id)
			return
		}
		writeError(w, http.StatusConflict, "%s schedule: %v", verb, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleLessons(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Lessons == nil {
		writeError(w, http.StatusServiceUnavailable, "lesson store is not configured")
		return
	}
	lessons, err := s.cfg.Lessons.All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list lessons: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lessons": lessons,
		"count":   len(lessons),
	})
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}
