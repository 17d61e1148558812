package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uxmcp/uxmcp/pkg/agent"
	"github.com/uxmcp/uxmcp/pkg/codehost"
	"github.com/uxmcp/uxmcp/pkg/config"
	"github.com/uxmcp/uxmcp/pkg/embedders"
	"github.com/uxmcp/uxmcp/pkg/llms"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/memory"
	"github.com/uxmcp/uxmcp/pkg/metaagent"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/registry"
	"github.com/uxmcp/uxmcp/pkg/store"
)

type scriptedSource struct{ p *llms.Scripted }

func (s scriptedSource) ForProfile(context.Context, string) (llms.Provider, *model.LLMProfile, error) {
	return s.p, &model.LLMProfile{Name: "default", Model: "scripted"}, nil
}

func testServer(t *testing.T, script *llms.Scripted) (*Server, *registry.Registry) {
	t.Helper()
	st := store.NewMemStore()
	sink := logging.NewSink(st.Logs())
	t.Cleanup(func() { _ = sink.Close(context.Background()) })
	host := codehost.New(codehost.Options{Allowed: []string{"http", "json", "math", "time"}})
	reg := registry.New(st, host, sink)
	require.NoError(t, reg.Load(context.Background()))
	_, err := reg.CreateProfile(context.Background(), &model.LLMProfile{Name: "default", Model: "scripted"})
	require.NoError(t, err)

	source := scriptedSource{p: script}
	mem := memory.NewManager(st.Memories(), embedders.NewMock(0))
	exec := agent.NewExecutor(reg, source, mem, sink)
	pipe := metaagent.New(reg, exec, source, sink)

	cfg := &config.Config{
		MCPServerURL:   "http://localhost:8000/mcp",
		ServiceTimeout: 5 * time.Second,
		AgentTimeout:   5 * time.Second,
	}
	return New(cfg, st, reg, exec, pipe, mem, sink, nil), reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func addToolBody() map[string]any {
	return map[string]any{
		"name":   "add",
		"kind":   "tool",
		"route":  "/math/add",
		"method": "GET",
		"params": []map[string]any{
			{"name": "a", "type": "number", "required": true},
			{"name": "b", "type": "number", "required": true},
		},
		"code": `return {"sum": params["a"] + params["b"]}`,
	}
}

func TestServiceLifecycleOverHTTP(t *testing.T) {
	s, _ := testServer(t, llms.NewScripted())
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/services", addToolBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	svc := decode[model.Service](t, w)
	require.NotEmpty(t, svc.ID)
	assert.False(t, svc.Active)

	w = doJSON(t, h, http.MethodPost, "/services/"+svc.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, h, http.MethodGet, "/math/add?a=2&b=3", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Execution-Id"))
	res := decode[map[string]float64](t, w)
	assert.Equal(t, float64(5), res["sum"])

	w = doJSON(t, h, http.MethodPost, "/services/"+svc.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/math/add?a=2&b=3", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "UnknownService", body["error_kind"])

	w = doJSON(t, h, http.MethodDelete, "/services/"+svc.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	s, _ := testServer(t, llms.NewScripted())
	h := s.Handler()

	// Missing required fields -> 400.
	w := doJSON(t, h, http.MethodPost, "/services", map[string]any{"name": "broken"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ValidationFailed", body["error_kind"])

	// Unknown id -> 404.
	w = doJSON(t, h, http.MethodGet, "/services/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Duplicate name -> 409.
	w = doJSON(t, h, http.MethodPost, "/services", addToolBody())
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[model.Service](t, w)
	w = doJSON(t, h, http.MethodPost, "/services", addToolBody())
	assert.Equal(t, http.StatusConflict, w.Code)
	body = decode[map[string]any](t, w)
	assert.Equal(t, "NameConflict", body["error_kind"])

	// Same (method, route) under a different name -> RouteConflict on the
	// second activation.
	w = doJSON(t, h, http.MethodPost, "/services/"+first.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	twin := addToolBody()
	twin["name"] = "add_twin"
	w = doJSON(t, h, http.MethodPost, "/services", twin)
	require.Equal(t, http.StatusCreated, w.Code)
	second := decode[model.Service](t, w)
	w = doJSON(t, h, http.MethodPost, "/services/"+second.ID+"/activate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	body = decode[map[string]any](t, w)
	assert.Equal(t, "RouteConflict", body["error_kind"])
}

func TestBadJSONBody(t *testing.T) {
	s, _ := testServer(t, llms.NewScripted())
	req := httptest.NewRequest(http.MethodPost, "/services", strings.NewReader("{nope"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "BadJson", body["error_kind"])
}

func TestExecuteAgentOverHTTP(t *testing.T) {
	script := llms.NewScripted().RespondText("hello there")
	s, reg := testServer(t, script)
	ctx := context.Background()

	a, err := reg.CreateAgent(ctx, &model.Agent{
		Name:         "greeter",
		LLMProfile:   "default",
		SystemPrompt: "greet people",
		InputSchema:  "text",
		OutputSchema: "text",
	})
	require.NoError(t, err)
	_, err = reg.ActivateAgent(ctx, a.ID)
	require.NoError(t, err)

	w := doJSON(t, s.Handler(), http.MethodPost, "/agents/"+a.ID+"/execute",
		map[string]any{"input": "hi"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[agent.Result](t, w)
	assert.True(t, res.Success)
	assert.Equal(t, "hello there", res.Output)
	assert.NotEmpty(t, res.ExecutionID)
}

func TestMemoryStoreImportanceOverHTTP(t *testing.T) {
	s, reg := testServer(t, llms.NewScripted())
	ctx := context.Background()
	h := s.Handler()

	a, err := reg.CreateAgent(ctx, &model.Agent{
		Name:        "rememberer",
		LLMProfile:  "default",
		InputSchema: "text",
	})
	require.NoError(t, err)

	// Omitted importance gets the explicit-store default.
	w := doJSON(t, h, http.MethodPost, "/agents/"+a.ID+"/memory",
		map[string]any{"content": "user likes jazz"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode[model.MemoryRecord](t, w)
	assert.Equal(t, 0.7, rec.Importance)

	// An explicit zero is stored as zero, not replaced by the default.
	w = doJSON(t, h, http.MethodPost, "/agents/"+a.ID+"/memory",
		map[string]any{"content": "passing remark", "importance": 0})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec = decode[model.MemoryRecord](t, w)
	assert.Equal(t, 0.0, rec.Importance)
}

func TestMetaAgentCreateStreamsSSE(t *testing.T) {
	script := llms.NewScripted().
		RespondText(`{"name":"weather_helper","purpose":"fetch weather","domain":"weather",
"use_cases":[],"required_capabilities":[],"suggested_profile":"","complexity":"low"}`).
		RespondText(`{"tools":[]}`)
	s, _ := testServer(t, script)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body := strings.NewReader(`{"requirement":"fetch weather for a city"}`)
	resp, err := http.Post(srv.URL+"/meta-agent/create", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var steps []string
	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "data: "):
			var ev struct {
				Step string `json:"step"`
			}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			steps = append(steps, ev.Step)
		}
	}
	require.NoError(t, scanner.Err())

	require.NotEmpty(t, steps)
	assert.Equal(t, "analyzing", steps[0])
	assert.Equal(t, "complete", steps[len(steps)-1])
	for _, id := range ids {
		assert.Equal(t, ids[0], id, "every frame carries the execution id")
	}
}

func TestFeedbackRoundTrip(t *testing.T) {
	s, _ := testServer(t, llms.NewScripted())
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/feedback", map[string]any{
		"execution_id": "exec-1",
		"agent_id":     "agent-1",
		"rating":       "up",
		"comment":      "helpful",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	fb := decode[model.Feedback](t, w)
	assert.NotEmpty(t, fb.ID)
	assert.False(t, fb.CreatedAt.IsZero())

	w = doJSON(t, h, http.MethodPost, "/feedback", map[string]any{
		"execution_id": "exec-2",
		"rating":       "sideways",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodGet, "/feedback?agent_id=agent-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]model.Feedback](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "up", list[0].Rating)
}

func TestMCPConfig(t *testing.T) {
	s, _ := testServer(t, llms.NewScripted())
	w := doJSON(t, s.Handler(), http.MethodGet, "/mcp/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decode[map[string]string](t, w)
	assert.Equal(t, "http://localhost:8000/mcp", cfg["url"])
	assert.Equal(t, "streamable-http", cfg["transport"])
}

func TestCORSPreflight(t *testing.T) {
	s, _ := testServer(t, llms.NewScripted())
	req := httptest.NewRequest(http.MethodOptions, "/services", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
