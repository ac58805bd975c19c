package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/perfectuser21/grapnel/internal/history"
	"github.com/perfectuser21/grapnel/internal/hooks"
	"github.com/perfectuser21/grapnel/internal/scheduler"
)

const (
	maxExecuteBody = 1 << 20

	defaultExecutionLimit = 50
	maxExecutionLimit     = 500
)

type errorResponse struct {
	Error string `json:"error"`
}

type executeRequest struct {
	Hooks   []string       `json:"hooks"`
	Context map[string]any `json:"context"`
}

type executeResponse struct {
	Results []hooks.Result `json:"results"`
	Count   int            `json:"count"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response body")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleHooks(w http.ResponseWriter, r *http.Request) {
	configs := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"hooks": configs,
		"count": len(configs),
	})
}

// handleExecute runs a batch. Hook selectors are expanded against the
// registry, so globs work here the same way they do in schedules.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxExecuteBody)

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Hooks) == 0 {
		writeError(w, http.StatusBadRequest, "hooks is required")
		return
	}

	names, err := s.registry.Match(req.Hooks)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.engine.Execute(r.Context(), hooks.Batch{
		Hooks:   names,
		Context: req.Context,
		Source:  "api",
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{Results: results, Count: len(results)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats(r.Context()))
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	entries := []scheduler.EntryStatus{}
	if s.sched != nil {
		entries = s.sched.Entries()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": entries,
		"count":     len(entries),
	})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "execution history is disabled")
		return
	}

	filter, err := parseExecutionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.history.List(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list executions")
		writeError(w, http.StatusInternalServerError, "listing executions failed")
		return
	}
	if records == nil {
		records = []*history.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"executions": records,
		"count":      len(records),
	})
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "execution history is disabled")
		return
	}

	record, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load execution")
		writeError(w, http.StatusInternalServerError, "loading execution failed")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func parseExecutionFilter(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	filter := history.Filter{
		Hook:    q.Get("hook"),
		Status:  q.Get("status"),
		Source:  q.Get("source"),
		BatchID: q.Get("batch_id"),
		Limit:   defaultExecutionLimit,
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		if n > maxExecutionLimit {
			n = maxExecutionLimit
		}
		filter.Limit = n
	}

	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid offset %q", v)
		}
		filter.Offset = n
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid since timestamp %q, want RFC3339", v)
		}
		filter.Since = t
	}

	return filter, nil
}
