package metaagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uxmcp/uxmcp/pkg/agent"
	"github.com/uxmcp/uxmcp/pkg/codehost"
	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/events"
	"github.com/uxmcp/uxmcp/pkg/llms"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/registry"
	"github.com/uxmcp/uxmcp/pkg/store"
)

type scriptedSource struct{ p *llms.Scripted }

func (s scriptedSource) ForProfile(context.Context, string) (llms.Provider, *model.LLMProfile, error) {
	return s.p, &model.LLMProfile{Name: "default", Model: "scripted"}, nil
}

func testPipeline(t *testing.T, script *llms.Scripted) (*Pipeline, *registry.Registry) {
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
	exec := agent.NewExecutor(reg, source, nil, sink)
	return New(reg, exec, source, sink), reg
}

func collect(dst *[]events.Event) Emit {
	return func(ev events.Event) { *dst = append(*dst, ev) }
}

func steps(evs []events.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Step)
	}
	return out
}

const analysisJSON = `{"name":"weather_helper","purpose":"fetch weather for a city",
"domain":"weather","use_cases":["weather in Paris"],"required_capabilities":["http"],
"suggested_profile":"","complexity":"low"}`

const identifyJSON = `{"tools":[{"name":"weather_fetch","description":"fetch current weather",
"service_type":"tool","essential":true,
"parameters":[{"name":"city","type":"string","required":true}]}]}`

const generateGoodJSON = `{"name":"weather_fetch","description":"fetch current weather",
"kind":"tool","route":"/weather","method":"GET",
"params":[{"name":"city","type":"string","required":true}],
"dependencies":[],"code":"return {\"city\": params[\"city\"], \"temp_c\": 21}"}`

const generateBrokenJSON = `{"name":"weather_fetch","description":"fetch current weather",
"kind":"tool","route":"/weather","method":"GET",
"params":[{"name":"city","type":"string","required":true}],
"dependencies":[],"code":"var r = http.get(\"https://example.com\"); return r"}`

const patchJSON = `{"code":"return {\"city\": params[\"city\"], \"temp_c\": 21}","dependencies":[]}`

func TestCreate_HappyPath(t *testing.T) {
	script := llms.NewScripted().
		RespondText(analysisJSON).
		RespondText(identifyJSON).
		RespondText(generateGoodJSON).
		RespondText(`{"city":"Paris"}`).
		RespondText(`{"pass":true,"reason":"plausible"}`)
	p, reg := testPipeline(t, script)

	var evs []events.Event
	agentID, err := p.Create(context.Background(), "fetch weather for a city",
		Options{Profile: "default", MaxToolsToCreate: 2}, collect(&evs))
	require.NoError(t, err)

	got := steps(evs)
	assert.Equal(t, []string{
		"analyzing", "analysis_complete",
		"identifying_tools", "tools_identified",
		"creating_tool", "tool_created",
		"creating_agent", "activating_agent",
		"complete",
	}, got)

	created, err := reg.GetAgent(agentID)
	require.NoError(t, err)
	assert.True(t, created.Active)
	assert.Equal(t, []string{"weather_fetch"}, created.MCPServices)

	svc, err := reg.GetServiceByName("weather_fetch")
	require.NoError(t, err)
	assert.True(t, svc.Active)

	terminal := evs[len(evs)-1]
	assert.Equal(t, agentID, terminal.Details["agent_id"])
	assert.Empty(t, terminal.Details["failed_tools"])
}

func TestCreate_RepairLoop(t *testing.T) {
	script := llms.NewScripted().
		RespondText(analysisJSON).
		RespondText(identifyJSON).
		RespondText(generateBrokenJSON).
		RespondText(patchJSON).
		RespondText(`{"city":"Paris"}`).
		RespondText(`{"pass":true,"reason":"plausible"}`)
	p, reg := testPipeline(t, script)

	var evs []events.Event
	agentID, err := p.Create(context.Background(), "fetch weather for a city",
		Options{Profile: "default", MaxRetries: 3}, collect(&evs))
	require.NoError(t, err)

	got := steps(evs)
	// The broken draft uses http without declaring it: activation fails,
	// the repair pass fixes the code, the second attempt succeeds.
	assert.Contains(t, got, "tool_failed")
	failedAt := indexOf(got, "tool_failed")
	retryAt := indexOf(got[failedAt:], "creating_tool") + failedAt
	createdAt := indexOf(got, "tool_created")
	assert.Greater(t, retryAt, failedAt)
	assert.Greater(t, createdAt, retryAt)
	assert.Equal(t, "complete", got[len(got)-1])

	for _, ev := range evs {
		if ev.Step == "tool_failed" {
			assert.Equal(t, string(errs.KindUndeclaredDependency), ev.Details["error_kind"])
		}
	}

	created, err := reg.GetAgent(agentID)
	require.NoError(t, err)
	assert.True(t, created.Active)
}

func TestCreate_NameConflictAborts(t *testing.T) {
	script := llms.NewScripted().RespondText(analysisJSON)
	p, reg := testPipeline(t, script)

	_, err := reg.CreateAgent(context.Background(), &model.Agent{
		Name: "weather_helper", LLMProfile: "default", InputSchema: "text",
	})
	require.NoError(t, err)

	var evs []events.Event
	_, err = p.Create(context.Background(), "fetch weather for a city",
		Options{Profile: "default"}, collect(&evs))
	require.Error(t, err)
	assert.Equal(t, errs.KindNameConflict, errs.KindOf(err))

	got := steps(evs)
	assert.Equal(t, "error", got[len(got)-1], "exactly one terminal error event")
	assert.NotContains(t, got, "complete")
}

func TestCreate_NonEssentialToolFailureStillCompletes(t *testing.T) {
	identifyOptional := `{"tools":[{"name":"weather_fetch","description":"fetch current weather",
"service_type":"tool","essential":false,
"parameters":[{"name":"city","type":"string","required":true}]}]}`

	script := llms.NewScripted().
		RespondText(analysisJSON).
		RespondText(identifyOptional).
		RespondText(generateBrokenJSON).
		RespondText(`{"code":"var r = http.get(\"x\"); return r","dependencies":[]}`)
	p, reg := testPipeline(t, script)

	var evs []events.Event
	agentID, err := p.Create(context.Background(), "fetch weather for a city",
		Options{Profile: "default", MaxRetries: 2}, collect(&evs))
	require.NoError(t, err, "a non-essential tool failure does not fail the pipeline")

	created, err := reg.GetAgent(agentID)
	require.NoError(t, err)
	assert.Empty(t, created.MCPServices)

	terminal := evs[len(evs)-1]
	assert.Equal(t, "complete", terminal.Step)
	assert.Equal(t, []string{"weather_fetch"}, terminal.Details["failed_tools"])
}

func TestCreate_ReusesExistingService(t *testing.T) {
	matchJSON := `{"matches":[{"tool":"weather_fetch","action":"use_existing","service":"weather_fetch"}]}`
	script := llms.NewScripted().
		RespondText(analysisJSON).
		RespondText(identifyJSON).
		RespondText(matchJSON)
	p, reg := testPipeline(t, script)

	existing, err := reg.CreateService(context.Background(), &model.Service{
		Name:   "weather_fetch",
		Kind:   model.KindTool,
		Route:  "/weather",
		Method: "GET",
		Params: []model.Param{{Name: "city", Type: "string", Required: true}},
		Code:   `return {"city": params["city"], "temp_c": 21}`,
	})
	require.NoError(t, err)

	var evs []events.Event
	agentID, err := p.Create(context.Background(), "fetch weather for a city",
		Options{Profile: "default"}, collect(&evs))
	require.NoError(t, err)

	got := steps(evs)
	assert.Contains(t, got, "activating_service", "the inactive catalogue entry is activated, not regenerated")
	assert.NotContains(t, got, "creating_tool")

	svc, err := reg.GetService(existing.ID)
	require.NoError(t, err)
	assert.True(t, svc.Active)

	created, err := reg.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, []string{"weather_fetch"}, created.MCPServices)
}

func TestGenerateService_BadJSONFromModel(t *testing.T) {
	script := llms.NewScripted().RespondText("definitely not json")
	p, _ := testPipeline(t, script)

	_, err := p.GenerateService(context.Background(), script, RequiredTool{Name: "weather_fetch"}, 1, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindBadJSON, errs.KindOf(err))
}

func indexOf(hay []string, needle string) int {
	for i, s := range hay {
		if s == needle {
			return i
		}
	}
	return -1
}
