package registry

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uxmcp/uxmcp/pkg/codehost"
	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/store"
)

func testRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	sink := logging.NewSink(st.Logs())
	t.Cleanup(func() { _ = sink.Close(context.Background()) })
	host := codehost.New(codehost.Options{Allowed: []string{"http", "json", "math", "time"}})
	r := New(st, host, sink)
	require.NoError(t, r.Load(context.Background()))
	return r, st
}

func addService() *model.Service {
	return &model.Service{
		Name:   "add",
		Kind:   model.KindTool,
		Route:  "/math/add",
		Method: "GET",
		Params: []model.Param{
			{Name: "a", Type: "number", Required: true},
			{Name: "b", Type: "number", Required: true},
		},
		Code: `return {"sum": params["a"] + params["b"]}`,
	}
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	svc, err := r.CreateService(ctx, addService())
	require.NoError(t, err)
	assert.False(t, svc.Active)

	svc, err = r.ActivateService(ctx, svc.ID)
	require.NoError(t, err)
	assert.True(t, svc.Active)

	// Invariant: the active service owns its route.
	match, ok := r.Routes().Match("GET", "/math/add")
	require.True(t, ok)
	assert.Equal(t, svc.ID, match.ServiceID)
	match.Release()

	params, err := BindParams(svc, nil, url.Values{"a": {"2"}, "b": {"3"}}, nil)
	require.NoError(t, err)
	res, err := r.Invoke(ctx, svc, params)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":5}`, string(res.Value))

	// Second service on the same (method, route) fails activation.
	dup := addService()
	dup.Name = "add2"
	dup.Route = "/math/{x}" // different pattern, no conflict
	dup.Params = append(dup.Params, model.Param{Name: "x", Type: "string", Required: true})
	dup2, err := r.CreateService(ctx, dup)
	require.NoError(t, err)
	_, err = r.ActivateService(ctx, dup2.ID)
	require.NoError(t, err)

	conflicting := addService()
	conflicting.Name = "add3"
	c, err := r.CreateService(ctx, conflicting)
	require.NoError(t, err)
	_, err = r.ActivateService(ctx, c.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindRouteConflict, errs.KindOf(err))
	got, _ := r.GetService(c.ID)
	assert.False(t, got.Active, "failed activation leaves the service inactive")

	// While both are active the literal route owns its exact path.
	match, ok = r.Routes().Match("GET", "/math/add")
	require.True(t, ok)
	assert.Equal(t, svc.ID, match.ServiceID)
	match.Release()

	// Deactivate: the literal route is gone and the parameterized sibling
	// picks up the path; delete succeeds.
	_, err = r.DeactivateService(ctx, svc.ID)
	require.NoError(t, err)
	match, ok = r.Routes().Match("GET", "/math/add")
	require.True(t, ok)
	assert.Equal(t, dup2.ID, match.ServiceID)
	assert.Equal(t, "add", match.PathParams["x"])
	match.Release()
	require.NoError(t, r.DeleteService(ctx, svc.ID))
	_, err = r.GetService(svc.ID)
	assert.Equal(t, errs.KindUnknownService, errs.KindOf(err))
}

func TestMatchPrefersLiteralOverParam(t *testing.T) {
	table := NewRouteTable()
	require.NoError(t, table.Mount("svc-literal", "GET", "/math/add"))
	require.NoError(t, table.Mount("svc-param", "GET", "/math/{x}"))

	// Map iteration order must never decide dispatch.
	for range 200 {
		m, ok := table.Match("GET", "/math/add")
		require.True(t, ok)
		assert.Equal(t, "svc-literal", m.ServiceID)
		assert.Empty(t, m.PathParams)
		m.Release()
	}

	m, ok := table.Match("GET", "/math/sub")
	require.True(t, ok)
	assert.Equal(t, "svc-param", m.ServiceID)
	assert.Equal(t, "sub", m.PathParams["x"])
	m.Release()
}

func TestCreateDeleteIsNoOp(t *testing.T) {
	ctx := context.Background()
	r, st := testRegistry(t)

	before := len(r.ListServices())
	svc, err := r.CreateService(ctx, addService())
	require.NoError(t, err)
	require.NoError(t, r.DeleteService(ctx, svc.ID))

	assert.Len(t, r.ListServices(), before)
	assert.Equal(t, 0, r.Routes().Len())
	stored, err := st.Services().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestDeleteActiveServiceRejected(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	svc, err := r.CreateService(ctx, addService())
	require.NoError(t, err)
	_, err = r.ActivateService(ctx, svc.ID)
	require.NoError(t, err)

	err = r.DeleteService(ctx, svc.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationFailed, errs.KindOf(err))
}

func TestServiceNameConflict(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	_, err := r.CreateService(ctx, addService())
	require.NoError(t, err)
	dup := addService()
	dup.Route = "/other"
	_, err = r.CreateService(ctx, dup)
	require.Error(t, err)
	assert.Equal(t, errs.KindNameConflict, errs.KindOf(err))
}

func TestValidationAccumulatesFields(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	bad := &model.Service{
		Name:   "no spaces allowed",
		Kind:   "widget",
		Route:  "missing-slash",
		Method: "FETCH",
	}
	_, err := r.CreateService(ctx, bad)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationFailed, errs.KindOf(err))
	for _, field := range []string{"name", "kind", "route", "method"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestRoutePathParamsMustBeDeclared(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	svc := addService()
	svc.Route = "/math/{op}/run"
	_, err := r.CreateService(ctx, svc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{op}")
}

func TestActivationChecksDependencies(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	svc := addService()
	svc.Dependencies = []string{"sockets"}
	created, err := r.CreateService(ctx, svc)
	require.NoError(t, err)

	_, err = r.ActivateService(ctx, created.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindDependencyMissing, errs.KindOf(err))
}

func TestActivationValidatesOutputSchema(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	svc := addService()
	svc.OutputSchema = map[string]any{"type": "not-a-type"}
	created, err := r.CreateService(ctx, svc)
	require.NoError(t, err)

	_, err = r.ActivateService(ctx, created.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationFailed, errs.KindOf(err))
	assert.Contains(t, err.Error(), "output_schema")
}

func TestPromptTemplateArgsValidated(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	svc := &model.Service{
		Name:           "summarize",
		Kind:           model.KindPrompt,
		Route:          "/prompts/summarize",
		Method:         "POST",
		PromptTemplate: "Summarize {text} as {style}",
		PromptArgs:     []model.PromptArg{{Name: "text", Required: true}},
	}
	created, err := r.CreateService(ctx, svc)
	require.NoError(t, err)

	_, err = r.ActivateService(ctx, created.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{style}")
}

func TestDeactivateDrainsInFlight(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	svc, err := r.CreateService(ctx, addService())
	require.NoError(t, err)
	_, err = r.ActivateService(ctx, svc.ID)
	require.NoError(t, err)

	const inFlight = 4
	matches := make([]*RouteMatch, 0, inFlight)
	for range inFlight {
		m, ok := r.Routes().Match("GET", "/math/add")
		require.True(t, ok)
		matches = append(matches, m)
	}

	deactivated := make(chan struct{})
	go func() {
		_, err := r.DeactivateService(ctx, svc.ID)
		assert.NoError(t, err)
		close(deactivated)
	}()

	// New requests are rejected as soon as the swap lands, while held
	// requests keep the deactivation blocked. Matches that land before the
	// swap must be released or they would block the drain themselves.
	require.Eventually(t, func() bool {
		m, ok := r.Routes().Match("GET", "/math/add")
		if ok {
			m.Release()
			return false
		}
		return true
	}, time.Second, 5*time.Millisecond)

	select {
	case <-deactivated:
		t.Fatal("deactivation finished before in-flight requests drained")
	case <-time.After(50 * time.Millisecond):
	}

	var wg sync.WaitGroup
	for _, m := range matches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Release()
		}()
	}
	wg.Wait()

	select {
	case <-deactivated:
	case <-time.After(time.Second):
		t.Fatal("deactivation did not finish after drain")
	}
}

func TestAgentActivationResolvesTools(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	_, err := r.CreateProfile(ctx, &model.LLMProfile{Name: "default", Model: "gpt-test"})
	require.NoError(t, err)
	_, err = r.CreateService(ctx, addService())
	require.NoError(t, err)

	agent := &model.Agent{
		Name:        "travel",
		LLMProfile:  "default",
		MCPServices: []string{"add", "ghost"},
		InputSchema: "text",
	}
	created, err := r.CreateAgent(ctx, agent)
	require.NoError(t, err)

	report, err := r.ValidateAgent(created.ID)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, []string{"ghost"}, report.UnresolvedTools)
	assert.Equal(t, []string{"add"}, report.InactiveTools, "inactive references are reported, not fatal")

	_, err = r.ActivateAgent(ctx, created.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationFailed, errs.KindOf(err))

	// Drop the unresolved name; inactive references do not block activation.
	created.MCPServices = []string{"add"}
	_, err = r.UpdateAgent(ctx, created)
	require.NoError(t, err)
	activated, err := r.ActivateAgent(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, activated.Active)
}

func TestBindParams(t *testing.T) {
	svc := addService()
	svc.Params = append(svc.Params,
		model.Param{Name: "label", Type: "string"},
		model.Param{Name: "flag", Type: "boolean"},
	)

	params, err := BindParams(svc,
		map[string]string{"a": "7"},
		url.Values{"b": {"3"}, "flag": {"true"}},
		map[string]any{"label": "x"},
	)
	require.NoError(t, err)
	assert.Equal(t, float64(7), params["a"], "path wins over body and query")
	assert.Equal(t, float64(3), params["b"])
	assert.Equal(t, true, params["flag"])
	assert.Equal(t, "x", params["label"])

	_, err = BindParams(svc, nil, url.Values{"a": {"nope"}, "b": {"3"}}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationFailed, errs.KindOf(err))

	_, err = BindParams(svc, nil, nil, nil)
	require.Error(t, err, "required params missing")
}

func TestLoadRemountsActiveServices(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	sink := logging.NewSink(st.Logs())
	t.Cleanup(func() { _ = sink.Close(ctx) })
	host := codehost.New(codehost.Options{Allowed: []string{"json"}})

	seed := addService()
	seed.ID = "svc-seeded"
	seed.Active = true
	require.NoError(t, st.Services().Put(ctx, seed))

	r := New(st, host, sink)
	require.NoError(t, r.Load(ctx))

	match, ok := r.Routes().Match("GET", "/math/add")
	require.True(t, ok)
	assert.Equal(t, "svc-seeded", match.ServiceID)
	match.Release()
}
