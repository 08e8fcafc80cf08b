package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"overwatch/core"
)

func (s *Server) handleListAlarms(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	q := r.URL.Query()
	filters := &core.AlarmFilters{
		Tenant:   q.Get("tenant"),
		Site:     q.Get("site"),
		Assignee: q.Get("assignee"),
		Limit:    limit,
		Offset:   offset,
	}
	if state := q.Get("state"); state != "" {
		st := core.AlarmState(state)
		if !st.IsValid() {
			writeServiceError(w, fmt.Errorf("%w: unknown state %q", core.ErrValidation, state))
			return
		}
		filters.State = st
	}
	if severity := q.Get("severity"); severity != "" {
		sev := core.Severity(severity)
		if !sev.IsValid() {
			writeServiceError(w, fmt.Errorf("%w: unknown severity %q", core.ErrValidation, severity))
			return
		}
		filters.Severity = sev
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeServiceError(w, fmt.Errorf("%w: invalid from timestamp", core.ErrValidation))
			return
		}
		filters.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeServiceError(w, fmt.Errorf("%w: invalid to timestamp", core.ErrValidation))
			return
		}
		filters.To = t
	}

	alarms, total, err := s.alarms.List(r.Context(), filters)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paginatedResponse{
		Items:  alarms,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetAlarm(w http.ResponseWriter, r *http.Request) {
	a, err := s.alarms.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	a, err := s.alarms.Acknowledge(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To   string `json:"to"`
		Note string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, fmt.Errorf("%w: %v", core.ErrValidation, err))
		return
	}
	to := core.AlarmState(body.To)
	if !to.IsValid() {
		writeServiceError(w, fmt.Errorf("%w: unknown state %q", core.ErrValidation, body.To))
		return
	}
	a, err := s.alarms.Transition(r.Context(), mux.Vars(r)["id"], to, actor(r), body.Note)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Assignee string `json:"assignee"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, fmt.Errorf("%w: %v", core.ErrValidation, err))
		return
	}
	a, err := s.alarms.Assign(r.Context(), mux.Vars(r)["id"], body.Assignee, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Duration string `json:"duration"`
		Note     string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, fmt.Errorf("%w: %v", core.ErrValidation, err))
		return
	}
	d, err := time.ParseDuration(body.Duration)
	if err != nil || d <= 0 {
		writeServiceError(w, fmt.Errorf("%w: invalid snooze duration %q", core.ErrValidation, body.Duration))
		return
	}
	a, err := s.alarms.Snooze(r.Context(), mux.Vars(r)["id"], d, actor(r), body.Note)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, fmt.Errorf("%w: %v", core.ErrValidation, err))
		return
	}
	a, err := s.alarms.Suppress(r.Context(), mux.Vars(r)["id"], actor(r), body.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSeverity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Severity string `json:"severity"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, fmt.Errorf("%w: %v", core.ErrValidation, err))
		return
	}
	a, err := s.alarms.UpdateSeverity(r.Context(), mux.Vars(r)["id"], core.Severity(body.Severity), actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRunbook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RunbookID string `json:"runbook_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, fmt.Errorf("%w: %v", core.ErrValidation, err))
		return
	}
	a, err := s.alarms.UpdateRunbook(r.Context(), mux.Vars(r)["id"], body.RunbookID, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleEscalation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Policy string `json:"policy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, fmt.Errorf("%w: %v", core.ErrValidation, err))
		return
	}
	a, err := s.alarms.UpdateEscalationPolicy(r.Context(), mux.Vars(r)["id"], body.Policy, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAddWatcher(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identity string `json:"identity"`
	}
	if err := decodeBody(r, &body); err != nil || body.Identity == "" {
		writeServiceError(w, fmt.Errorf("%w: identity is required", core.ErrValidation))
		return
	}
	a, err := s.alarms.AddWatcher(r.Context(), mux.Vars(r)["id"], body.Identity, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRemoveWatcher(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a, err := s.alarms.RemoveWatcher(r.Context(), vars["id"], vars["identity"], actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, fmt.Errorf("%w: %v", core.ErrValidation, err))
		return
	}
	a, err := s.alarms.AddNote(r.Context(), mux.Vars(r)["id"], body.Note, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
