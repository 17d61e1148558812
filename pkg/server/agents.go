package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uxmcp/uxmcp/pkg/agent"
	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/llms"
	"github.com/uxmcp/uxmcp/pkg/memory"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/store"
)

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	var a model.Agent
	if err := decodeBody(r, &a); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.reg.CreateAgent(r.Context(), &a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.ListAgents())
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.reg.GetAgent(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request) {
	var a model.Agent
	if err := decodeBody(r, &a); err != nil {
		writeError(w, err)
		return
	}
	a.ID = chi.URLParam(r, "id")
	updated, err := s.reg.UpdateAgent(r.Context(), &a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.DeleteAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activateAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.reg.ActivateAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) deactivateAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.reg.DeactivateAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) validateAgent(w http.ResponseWriter, r *http.Request) {
	report, err := s.reg.ValidateAgent(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) executeAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.reg.GetAgent(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Input     any            `json:"input"`
		History   []agentMessage `json:"history"`
		TimeoutMS int            `json:"timeout_ms"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	timeout := s.cfg.AgentTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := s.exec.Execute(ctx, a, req.Input, agent.Options{History: toLLMMessages(req.History)})
	if err != nil {
		// The partial result travels with the error so callers can inspect
		// the trace.
		writeJSON(w, errs.HTTPStatus(errs.KindOf(err)), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Memory endpoints. Stats was chosen over the overlapping summary endpoint;
// analyze covers the summarisation use case explicitly.

func (s *Server) listMemory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	q := r.URL.Query()

	f := store.MemoryFilter{UserID: q.Get("user_id")}
	for _, ct := range q["content_type"] {
		f.ContentTypes = append(f.ContentTypes, model.ContentType(ct))
	}
	if v := q.Get("min_importance"); v != "" {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, errs.ForField("min_importance", "must be a number"))
			return
		}
		f.MinImportance = m
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, errs.ForField("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	records, err := s.mem.List(r.Context(), agentID, f, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) storeMemory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	a, err := s.reg.GetAgent(agentID)
	if err != nil {
		writeError(w, err)
		return
	}

	// Importance is a pointer so an explicit 0 is distinguishable from an
	// omitted field.
	var req struct {
		Content     string            `json:"content"`
		ContentType model.ContentType `json:"content_type"`
		Importance  *float64          `json:"importance"`
		UserID      string            `json:"user_id"`
		Metadata    map[string]any    `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec := model.MemoryRecord{
		AgentID:     agentID,
		Content:     req.Content,
		ContentType: req.ContentType,
		Importance:  memory.ImportanceUnset,
		UserID:      req.UserID,
		Metadata:    req.Metadata,
	}
	if req.Importance != nil {
		rec.Importance = *req.Importance
	}
	stored, err := s.mem.Store(r.Context(), &rec, memory.StoreOptions{
		Explicit:    true,
		MaxMemories: a.Memory.MaxMemories,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) deleteMemory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	ids := r.URL.Query()["id"]
	n, err := s.mem.Delete(r.Context(), agentID, ids...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) searchMemory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req struct {
		Query         string              `json:"query"`
		K             int                 `json:"k"`
		MinImportance float64             `json:"min_importance"`
		ContentTypes  []model.ContentType `json:"content_types"`
		After         time.Time           `json:"after"`
		Before        time.Time           `json:"before"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Query == "" {
		writeError(w, errs.ForField("query", "is required"))
		return
	}

	hits, err := s.mem.Search(r.Context(), agentID, req.Query, memory.SearchOptions{
		K:             req.K,
		MinImportance: req.MinImportance,
		ContentTypes:  req.ContentTypes,
		After:         req.After,
		Before:        req.Before,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (s *Server) memoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mem.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) analyzeMemory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	a, err := s.reg.GetAgent(agentID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Window int `json:"window"`
	}
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	provider, _, err := s.pipe.Provider(r.Context(), a.LLMProfile)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.mem.Analyze(r.Context(), agentID, req.Window, provider)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

// agentMessage is the wire form of a history turn.
type agentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toLLMMessages(in []agentMessage) []llms.Message {
	out := make([]llms.Message, 0, len(in))
	for _, m := range in {
		out = append(out, llms.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
