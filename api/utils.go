package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"overwatch/core"
	"overwatch/storage"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, storage.ErrAlarmNotFound),
		errors.Is(err, storage.ErrEventNotFound),
		errors.Is(err, storage.ErrRuleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrValidation),
		errors.Is(err, core.ErrRuleEvaluation),
		errors.Is(err, core.ErrSuppressReasonRequired):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrConcurrentModification),
		errors.Is(err, storage.ErrVersionConflict),
		errors.Is(err, storage.ErrDuplicateRule),
		errors.Is(err, storage.ErrDuplicateAlarm):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// paginatedResponse wraps list results with paging metadata.
type paginatedResponse struct {
	Items      any   `json:"items"`
	Total      int64 `json:"total"`
	Limit      int   `json:"limit"`
	Offset     int   `json:"offset"`
}

// parsePagination reads limit/offset query parameters with sane bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxPageLimit {
				limit = maxPageLimit
			}
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

// decodeBody decodes a JSON request body into dst, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

// actor extracts the acting identity from the request, defaulting to the
// string "api" when no identity header is present.
func actor(r *http.Request) string {
	if who := r.Header.Get("X-Actor"); who != "" {
		return who
	}
	return "api"
}
