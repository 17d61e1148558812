package codehost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/model"
)

func testHost(opts Options) *Host {
	if opts.Allowed == nil {
		opts.Allowed = []string{"http", "json", "math", "time"}
	}
	return New(opts)
}

func TestExecute_AddHandler(t *testing.T) {
	h := testHost(Options{})
	svc := &model.Service{
		ID:   "svc-add",
		Name: "add",
		Code: `return {"sum": params["a"] + params["b"]}`,
	}

	res, err := h.Execute(context.Background(), svc, map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ExecutionID)

	var out map[string]float64
	require.NoError(t, json.Unmarshal(res.Value, &out))
	assert.Equal(t, float64(5), out["sum"])
}

func TestExecute_DeclaredModules(t *testing.T) {
	h := testHost(Options{})
	svc := &model.Service{
		ID:           "svc-json",
		Name:         "roundtrip",
		Dependencies: []string{"json", "math"},
		Code:         `return {"n": math.floor(2.7), "v": json.parse('{"x":1}')["x"]}`,
	}

	res, err := h.Execute(context.Background(), svc, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2,"v":1}`, string(res.Value))
}

func TestExecute_UndeclaredDependency(t *testing.T) {
	h := testHost(Options{})
	svc := &model.Service{
		ID:   "svc-sneaky",
		Name: "sneaky",
		Code: `return http.get("https://example.com")`,
	}

	_, err := h.Execute(context.Background(), svc, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindUndeclaredDependency, errs.KindOf(err))
}

func TestExecute_DependencyMissing(t *testing.T) {
	h := testHost(Options{Allowed: []string{"json"}})
	svc := &model.Service{
		ID:           "svc-net",
		Name:         "net",
		Dependencies: []string{"http"},
		Code:         `return {}`,
	}

	_, err := h.Execute(context.Background(), svc, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindDependencyMissing, errs.KindOf(err))
}

func TestExecute_Timeout(t *testing.T) {
	h := testHost(Options{Timeout: 50 * time.Millisecond})
	svc := &model.Service{
		ID:   "svc-spin",
		Name: "spin",
		Code: `while (true) {}`,
	}

	_, err := h.Execute(context.Background(), svc, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
}

func TestExecute_NoReturn(t *testing.T) {
	h := testHost(Options{})
	svc := &model.Service{ID: "svc-void", Name: "void", Code: `var x = 1`}

	_, err := h.Execute(context.Background(), svc, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindBadResult, errs.KindOf(err))
}

func TestExecute_ResultCap(t *testing.T) {
	h := testHost(Options{ResultCap: 64})
	svc := &model.Service{
		ID:   "svc-big",
		Name: "big",
		Code: `var s = ""; for (var i = 0; i < 200; i++) { s += "x" } return {"blob": s}`,
	}

	_, err := h.Execute(context.Background(), svc, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindBadResult, errs.KindOf(err))
}

func TestExecute_HandlerThrow(t *testing.T) {
	h := testHost(Options{})
	svc := &model.Service{ID: "svc-boom", Name: "boom", Code: `throw new Error("boom")`}

	_, err := h.Execute(context.Background(), svc, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindBadResult, errs.KindOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestExecute_HTTPModule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"city": "Paris", "temp": 21})
	}))
	defer srv.Close()

	h := testHost(Options{})
	svc := &model.Service{
		ID:           "svc-weather",
		Name:         "weather",
		Dependencies: []string{"http"},
		Code:         `var res = http.get(params["url"]); return {"temp": res.json["temp"]}`,
	}

	res, err := h.Execute(context.Background(), svc, map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.JSONEq(t, `{"temp":21}`, string(res.Value))
}

func TestRenderPrompt(t *testing.T) {
	svc := &model.Service{
		PromptTemplate: "Summarize {text} in {lang}",
		PromptArgs: []model.PromptArg{
			{Name: "text", Required: true},
			{Name: "lang", Required: false},
		},
	}

	out, err := RenderPrompt(svc, map[string]string{"text": "hello", "lang": "fr"})
	require.NoError(t, err)
	assert.Equal(t, "Summarize hello in fr", out)

	_, err = RenderPrompt(svc, map[string]string{"lang": "fr"})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationFailed, errs.KindOf(err))
}
