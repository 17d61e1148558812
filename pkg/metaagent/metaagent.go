// Package metaagent turns a natural-language requirement into an activated
// agent: analyse, identify tools, match or synthesise services, assemble.
//
// Every LLM step runs in JSON mode and is decoded strictly; a step that
// cannot produce valid JSON fails the pipeline rather than guessing. Progress
// flows through an emit callback so the HTTP layer can stream it as SSE.
package metaagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/uxmcp/uxmcp/pkg/agent"
	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/events"
	"github.com/uxmcp/uxmcp/pkg/llms"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/registry"
)

// DefaultMaxToolsToCreate caps synthesis per pipeline run.
const DefaultMaxToolsToCreate = 5

// DefaultMaxRetries bounds each service-creation sub-loop.
const DefaultMaxRetries = 3

// Pipeline orchestrates agent creation over the registry.
type Pipeline struct {
	reg  *registry.Registry
	exec *agent.Executor
	llms agent.ProviderSource
	sink *logging.Sink
}

func New(reg *registry.Registry, exec *agent.Executor, source agent.ProviderSource, sink *logging.Sink) *Pipeline {
	return &Pipeline{reg: reg, exec: exec, llms: source, sink: sink}
}

// Options tunes one Create run.
type Options struct {
	// Profile names the LLM profile driving the pipeline itself and, unless
	// the analysis suggests another existing profile, the created agent.
	Profile          string
	MaxToolsToCreate int
	MaxRetries       int
	TestAgent        bool
}

func (o Options) withDefaults() Options {
	if o.MaxToolsToCreate <= 0 {
		o.MaxToolsToCreate = DefaultMaxToolsToCreate
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// Emit receives pipeline progress. The pipeline emits exactly one terminal
// event ("complete" or "error") per run.
type Emit func(events.Event)

// Analysis is the JSON-mode result of requirement analysis.
type Analysis struct {
	Name                 string   `json:"name"`
	Purpose              string   `json:"purpose"`
	Domain               string   `json:"domain"`
	UseCases             []string `json:"use_cases"`
	RequiredCapabilities []string `json:"required_capabilities"`
	SuggestedProfile     string   `json:"suggested_profile"`
	Complexity           string   `json:"complexity"`
}

// RequiredTool is one entry of the identified tool list.
type RequiredTool struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	ServiceType string        `json:"service_type"`
	Essential   bool          `json:"essential"`
	Parameters  []model.Param `json:"parameters"`
}

type toolMatch struct {
	Tool    string `json:"tool"`
	Action  string `json:"action"`
	Service string `json:"service,omitempty"`
}

// Provider resolves an LLM profile for callers driving the service
// sub-loop directly.
func (p *Pipeline) Provider(ctx context.Context, profile string) (llms.Provider, *model.LLMProfile, error) {
	return p.llms.ForProfile(ctx, profile)
}

// Create runs the full pipeline and returns the activated agent's id.
func (p *Pipeline) Create(ctx context.Context, requirement string, opts Options, emit Emit) (string, error) {
	if emit == nil {
		emit = func(events.Event) {}
	}
	opts = opts.withDefaults()

	fail := func(err error) (string, error) {
		emit(events.Event{Step: "error", Message: err.Error(), Details: map[string]any{
			"error_kind": string(errs.KindOf(err)),
		}})
		return "", err
	}

	provider, _, err := p.llms.ForProfile(ctx, opts.Profile)
	if err != nil {
		return fail(err)
	}

	// 1. Analyse.
	emit(events.Event{Step: "analyzing", Message: "analysing the requirement", Progress: 5})
	var analysis Analysis
	if err := completeJSON(ctx, provider, analyzeSystem, requirement, &analysis); err != nil {
		return fail(err)
	}
	analysis.Name = slugify(analysis.Name)
	if analysis.Name == "" {
		analysis.Name = slugify(analysis.Purpose)
	}
	if analysis.Name == "" {
		return fail(errs.ForField("name", "the analysis produced no usable agent name"))
	}
	if _, err := p.reg.GetAgentByName(analysis.Name); err == nil {
		return fail(errs.Newf(errs.KindNameConflict,
			"an agent named %q already exists; delete it before re-running", analysis.Name))
	}
	emit(events.Event{Step: "analysis_complete", Message: analysis.Purpose, Progress: 15, Details: map[string]any{
		"name": analysis.Name, "domain": analysis.Domain, "complexity": analysis.Complexity,
	}})

	// 2. Identify tools.
	emit(events.Event{Step: "identifying_tools", Message: "identifying required tools", Progress: 20})
	var identified struct {
		Tools []RequiredTool `json:"tools"`
	}
	if err := completeJSON(ctx, provider, identifySystem, requirement, &identified); err != nil {
		return fail(err)
	}
	emit(events.Event{Step: "tools_identified", Message: fmt.Sprintf("%d tools required", len(identified.Tools)),
		Progress: 30, Details: map[string]any{"tools": toolNames(identified.Tools)}})

	// 3. Match against the registry.
	matches, err := p.matchTools(ctx, provider, identified.Tools)
	if err != nil {
		return fail(err)
	}

	var resolved, failed []string
	var toCreate []RequiredTool
	for _, t := range identified.Tools {
		m := matches[t.Name]
		if m.Action == "use_existing" && m.Service != "" {
			svc, err := p.reg.GetServiceByName(m.Service)
			if err == nil {
				if !svc.Active {
					emit(events.Event{Step: "activating_service", Message: "activating " + svc.Name})
					if _, err := p.reg.ActivateService(ctx, svc.ID); err != nil {
						p.sink.Warn("metaagent", "existing service failed to activate", map[string]any{
							"service": svc.Name, "error": err.Error(),
						}, logging.Scope{ServiceID: svc.ID})
						toCreate = append(toCreate, t)
						continue
					}
				}
				resolved = append(resolved, svc.Name)
				continue
			}
		}
		toCreate = append(toCreate, t)
	}

	// 4. Synthesise missing tools.
	if len(toCreate) > opts.MaxToolsToCreate {
		toCreate = toCreate[:opts.MaxToolsToCreate]
	}
	for _, t := range toCreate {
		svc, err := p.GenerateService(ctx, provider, t, opts.MaxRetries, emit)
		if err != nil {
			failed = append(failed, t.Name)
			if t.Essential {
				return fail(errs.Wrap(errs.KindOf(err), "essential tool "+t.Name+" could not be created", err))
			}
			continue
		}
		resolved = append(resolved, svc.Name)
	}

	// 5. Assemble and activate the agent.
	emit(events.Event{Step: "creating_agent", Message: "assembling agent " + analysis.Name, Progress: 80})
	profileName := opts.Profile
	if analysis.SuggestedProfile != "" {
		if _, err := p.reg.GetProfileByName(analysis.SuggestedProfile); err == nil {
			profileName = analysis.SuggestedProfile
		}
	}
	created, err := p.reg.CreateAgent(ctx, &model.Agent{
		Name:         analysis.Name,
		Description:  analysis.Purpose,
		LLMProfile:   profileName,
		MCPServices:  resolved,
		SystemPrompt: agentSystemPrompt(analysis),
		InputSchema:  "text",
		OutputSchema: "text",
	})
	if err != nil {
		return fail(err)
	}

	emit(events.Event{Step: "activating_agent", Message: "activating agent " + created.Name, Progress: 90})
	if _, err := p.reg.ActivateAgent(ctx, created.ID); err != nil {
		return fail(err)
	}

	// 6. Optional smoke test.
	if opts.TestAgent {
		p.smokeTest(ctx, provider, created, emit)
	}

	emit(events.Event{Step: "complete", Message: "agent " + created.Name + " is ready", Progress: 100,
		Details: map[string]any{"agent_id": created.ID, "failed_tools": failed}})
	return created.ID, nil
}

func (p *Pipeline) matchTools(ctx context.Context, provider llms.Provider, tools []RequiredTool) (map[string]toolMatch, error) {
	out := make(map[string]toolMatch, len(tools))
	if len(tools) == 0 {
		return out, nil
	}
	catalog := p.reg.ListServices()
	if len(catalog) == 0 {
		// Nothing to match against; skip the LLM pass.
		return out, nil
	}

	prompt, err := json.Marshal(map[string]any{
		"required": tools,
		"catalog":  catalogSummary(catalog),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindBug, "encode match prompt", err)
	}
	var decision struct {
		Matches []toolMatch `json:"matches"`
	}
	if err := completeJSON(ctx, provider, matchSystem, string(prompt), &decision); err != nil {
		return nil, err
	}
	for _, m := range decision.Matches {
		out[m.Tool] = m
	}
	return out, nil
}

func (p *Pipeline) smokeTest(ctx context.Context, provider llms.Provider, created *model.Agent, emit Emit) {
	emit(events.Event{Step: "testing_agent", Message: "running a smoke test", Progress: 95})
	var test struct {
		Input string `json:"input"`
	}
	if err := completeJSON(ctx, provider, agentTestSystem, created.Description, &test); err != nil {
		emit(events.Event{Step: "test_complete", Message: "smoke test skipped", Details: map[string]any{
			"error": err.Error(),
		}})
		return
	}
	res, err := p.exec.Execute(ctx, created, test.Input, agent.Options{})
	details := map[string]any{"input": test.Input, "success": res.Success, "iterations": res.Iterations}
	if err != nil {
		details["error"] = err.Error()
	} else {
		details["output"] = res.Output
	}
	emit(events.Event{Step: "test_complete", Message: "smoke test finished", Details: details})
}

func catalogSummary(services []model.Service) []map[string]any {
	out := make([]map[string]any, 0, len(services))
	for _, svc := range services {
		out = append(out, map[string]any{
			"name":        svc.Name,
			"description": svc.Description,
			"kind":        string(svc.Kind),
			"active":      svc.Active,
			"params":      svc.Params,
		})
	}
	return out
}

func agentSystemPrompt(a Analysis) string {
	var b strings.Builder
	b.WriteString("You are an assistant for: ")
	b.WriteString(a.Purpose)
	b.WriteString("\nUse the available tools to fulfil requests.")
	if len(a.UseCases) > 0 {
		b.WriteString("\nTypical requests:\n")
		for _, uc := range a.UseCases {
			b.WriteString("- " + uc + "\n")
		}
	}
	return b.String()
}

func toolNames(tools []RequiredTool) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}

// completeJSON runs one JSON-mode completion and decodes the reply strictly.
func completeJSON[T any](ctx context.Context, provider llms.Provider, system, user string, out *T) error {
	resp, err := provider.Complete(ctx, llms.Request{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: system},
			{Role: llms.RoleUser, Content: user},
		},
		JSONMode:    true,
		Temperature: 0.2,
	})
	if err != nil {
		return err
	}
	raw, err := llms.ExtractJSON(resp.Text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.KindBadJSON, "decode model output", err)
	}
	return nil
}

// slugify normalises a model-proposed name to the registry's name grammar.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_', r == ' ', r == '.', r == '/':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
