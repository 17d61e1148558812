package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/events"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/metaagent"
	"github.com/uxmcp/uxmcp/pkg/model"
)

// metaAgentCreate streams the full creation pipeline as SSE.
func (s *Server) metaAgentCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requirement      string `json:"requirement"`
		Profile          string `json:"profile"`
		MaxToolsToCreate int    `json:"max_tools_to_create"`
		MaxRetries       int    `json:"max_retries"`
		TestAgent        bool   `json:"test_agent"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Requirement == "" {
		writeError(w, errs.ForField("requirement", "is required"))
		return
	}
	if req.Profile == "" {
		req.Profile = DefaultProfile
	}

	executionID := uuid.New().String()
	ch, ctx, cancel := s.events.Subscribe(r.Context(), executionID)
	defer cancel()

	go func() {
		_, err := s.pipe.Create(ctx, req.Requirement, metaagent.Options{
			Profile:          req.Profile,
			MaxToolsToCreate: req.MaxToolsToCreate,
			MaxRetries:       req.MaxRetries,
			TestAgent:        req.TestAgent,
		}, func(ev events.Event) { s.events.Publish(executionID, ev) })
		if err != nil {
			s.sink.Warn("server", "meta-agent pipeline failed", map[string]any{
				"error": err.Error(),
			}, logging.Scope{ExecutionID: executionID})
		}
	}()

	s.streamSSE(w, r, executionID, ch)
}

// createServiceStream streams the service-creation sub-loop on its own.
func (s *Server) createServiceStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string        `json:"name"`
		Requirement string        `json:"requirement"`
		Profile     string        `json:"profile"`
		Parameters  []model.Param `json:"parameters"`
		MaxRetries  int           `json:"max_retries"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Requirement == "" {
		writeError(w, errs.ForField("requirement", "is required"))
		return
	}
	if req.Profile == "" {
		req.Profile = DefaultProfile
	}

	executionID := uuid.New().String()
	ch, ctx, cancel := s.events.Subscribe(r.Context(), executionID)
	defer cancel()

	emit := func(ev events.Event) { s.events.Publish(executionID, ev) }
	go func() {
		provider, _, err := s.pipe.Provider(ctx, req.Profile)
		if err != nil {
			emit(events.Event{Step: "error", Message: err.Error(), Details: map[string]any{
				"error_kind": string(errs.KindOf(err)),
			}})
			return
		}
		svc, err := s.pipe.GenerateService(ctx, provider, metaagent.RequiredTool{
			Name:        req.Name,
			Description: req.Requirement,
			Parameters:  req.Parameters,
		}, req.MaxRetries, emit)
		if err != nil {
			emit(events.Event{Step: "error", Message: err.Error(), Details: map[string]any{
				"error_kind": string(errs.KindOf(err)),
			}})
			return
		}
		emit(events.Event{Step: "complete", Message: "service " + svc.Name + " is active",
			Details: map[string]any{"service_id": svc.ID}})
	}()

	s.streamSSE(w, r, executionID, ch)
}

// streamSSE drains a session channel into the response, one data frame per
// event, id-correlated to the execution.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, executionID string, ch <-chan events.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.New(errs.KindBug, "response writer does not support streaming"))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				s.sink.Error("server", "encode SSE event", map[string]any{"error": err.Error()},
					logging.Scope{ExecutionID: executionID})
				continue
			}
			fmt.Fprintf(w, "id: %s\ndata: %s\n\n", executionID, raw)
			flusher.Flush()
		}
	}
}
