package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
)

// Rule create/update bodies are raw YAML documents, matching the on-disk
// rule file format.
const maxRuleSize = 256 * 1024

func readRuleBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRuleSize+1))
	if err != nil || len(body) == 0 {
		http.Error(w, "rule body required", http.StatusBadRequest)
		return nil, false
	}
	if len(body) > maxRuleSize {
		http.Error(w, "rule body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	allRules, err := s.rules.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": allRules, "total": len(allRules)})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	body, ok := readRuleBody(w, r)
	if !ok {
		return
	}
	rule, err := s.rules.Create(r.Context(), body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	body, ok := readRuleBody(w, r)
	if !ok {
		return
	}
	rule, err := s.rules.Update(r.Context(), mux.Vars(r)["id"], body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.SetEnabled(r.Context(), mux.Vars(r)["id"], true)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.SetEnabled(r.Context(), mux.Vars(r)["id"], false)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}
