package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/store"
)

func (s *Server) queryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lq := store.LogQuery{
		Level:       q.Get("level"),
		Module:      q.Get("module"),
		Text:        q.Get("text"),
		ExecutionID: q.Get("execution_id"),
	}

	var err error
	if lq.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, errs.ForField("from", "must be RFC 3339"))
		return
	}
	if lq.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, errs.ForField("to", "must be RFC 3339"))
		return
	}
	if lq.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		writeError(w, errs.ForField("limit", "must be a non-negative integer"))
		return
	}
	if lq.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		writeError(w, errs.ForField("offset", "must be a non-negative integer"))
		return
	}
	if lq.Limit == 0 || lq.Limit > store.MaxLogPageSize {
		lq.Limit = store.MaxLogPageSize
	}

	entries, err := s.sink.Query(r.Context(), lq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) deleteLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	serviceID := q.Get("service_id")
	if serviceID == "" {
		writeError(w, errs.ForField("service_id", "is required"))
		return
	}
	days, err := parseIntParam(q.Get("older_than_days"))
	if err != nil {
		writeError(w, errs.ForField("older_than_days", "must be a non-negative integer"))
		return
	}
	if days == 0 || days > store.MaxLogRetentionDays {
		days = store.MaxLogRetentionDays
	}

	n, err := s.sink.DeleteByServiceAge(r.Context(), serviceID, days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) postFeedback(w http.ResponseWriter, r *http.Request) {
	var f model.Feedback
	if err := decodeBody(r, &f); err != nil {
		writeError(w, err)
		return
	}
	if f.Rating != "up" && f.Rating != "down" {
		writeError(w, errs.ForField("rating", "must be up or down"))
		return
	}
	if f.ExecutionID == "" {
		writeError(w, errs.ForField("execution_id", "is required"))
		return
	}
	f.ID = uuid.New().String()
	f.SchemaVersion = model.SchemaVersion
	f.CreatedAt = time.Now().UTC()
	if err := s.store.Feedback().Insert(r.Context(), &f); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) listFeedback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseIntParam(q.Get("limit"))
	if err != nil {
		writeError(w, errs.ForField("limit", "must be a non-negative integer"))
		return
	}
	list, err := s.store.Feedback().List(r.Context(), q.Get("agent_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// mcpConfig tells MCP clients how to connect to the tool view.
func (s *Server) mcpConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"url":       s.cfg.MCPServerURL,
		"transport": "streamable-http",
	})
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseIntParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errs.New(errs.KindValidationFailed, "bad integer")
	}
	return n, nil
}
