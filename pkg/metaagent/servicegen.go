package metaagent

import (
	"context"
	"encoding/json"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/events"
	"github.com/uxmcp/uxmcp/pkg/llms"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/registry"
)

// GeneratedService is the JSON-mode shape the generation prompt returns.
type GeneratedService struct {
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Kind         string        `json:"kind"`
	Route        string        `json:"route"`
	Method       string        `json:"method"`
	Params       []model.Param `json:"params"`
	Dependencies []string      `json:"dependencies"`
	Code         string        `json:"code"`
}

type patch struct {
	Code         string   `json:"code"`
	Dependencies []string `json:"dependencies"`
}

type verdict struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// GenerateService runs the service-creation sub-loop for one required tool:
// generate, activate, and on failure diagnose and repair, up to maxRetries
// attempts. The created service is activated and smoke-tested on success.
func (p *Pipeline) GenerateService(ctx context.Context, provider llms.Provider, req RequiredTool, maxRetries int, emit Emit) (*model.Service, error) {
	if emit == nil {
		emit = func(events.Event) {}
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	emit(events.Event{Step: "creating_tool", Message: "creating tool " + req.Name,
		Details: map[string]any{"tool": req.Name}})

	spec, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindBug, "encode tool requirement", err)
	}
	var gen GeneratedService
	if err := completeJSON(ctx, provider, generateSystem, string(spec), &gen); err != nil {
		return nil, err
	}

	created, err := p.reg.CreateService(ctx, p.draftFrom(req, gen))
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		active, err := p.reg.ActivateService(ctx, created.ID)
		if err == nil {
			err = p.testService(ctx, provider, active, req)
			if err == nil {
				emit(events.Event{Step: "tool_created", Message: "tool " + active.Name + " is active",
					Details: map[string]any{"tool": active.Name, "service_id": active.ID, "attempts": attempt}})
				return active, nil
			}
			// Test failed; the service must be inactive before repair.
			if _, derr := p.reg.DeactivateService(ctx, created.ID); derr != nil {
				return nil, derr
			}
		}
		lastErr = err

		emit(events.Event{Step: "tool_failed", Message: "attempt failed: " + err.Error(),
			Details: map[string]any{"tool": req.Name, "attempt": attempt, "error_kind": string(errs.KindOf(err))}})
		if attempt == maxRetries {
			break
		}

		emit(events.Event{Step: "creating_tool", Message: "repairing tool " + req.Name,
			Details: map[string]any{"tool": req.Name, "retry": attempt}})
		if rerr := p.repair(ctx, provider, created.ID, err); rerr != nil {
			return nil, rerr
		}
	}
	return nil, errs.Wrap(errs.KindOf(lastErr), "tool "+req.Name+" failed after repairs", lastErr)
}

// draftFrom merges the generation output with the requirement, filling any
// gap the model left.
func (p *Pipeline) draftFrom(req RequiredTool, gen GeneratedService) *model.Service {
	name := slugify(gen.Name)
	if name == "" {
		name = slugify(req.Name)
	}
	route := gen.Route
	if route == "" || route[0] != '/' {
		route = "/tools/" + name
	}
	method := gen.Method
	if method == "" {
		method = "POST"
	}
	params := gen.Params
	if len(params) == 0 {
		params = req.Parameters
	}
	description := gen.Description
	if description == "" {
		description = req.Description
	}
	return &model.Service{
		Name:         name,
		Description:  description,
		Kind:         model.KindTool,
		Route:        route,
		Method:       method,
		Params:       params,
		Dependencies: gen.Dependencies,
		Code:         gen.Code,
	}
}

// repair asks the model for a corrected handler and persists it on the
// inactive draft.
func (p *Pipeline) repair(ctx context.Context, provider llms.Provider, serviceID string, cause error) error {
	svc, err := p.reg.GetService(serviceID)
	if err != nil {
		return err
	}
	prompt, err := json.Marshal(map[string]any{
		"error":        cause.Error(),
		"error_kind":   string(errs.KindOf(cause)),
		"code":         svc.Code,
		"dependencies": svc.Dependencies,
		"params":       svc.Params,
	})
	if err != nil {
		return errs.Wrap(errs.KindBug, "encode diagnose prompt", err)
	}
	var fix patch
	if err := completeJSON(ctx, provider, diagnoseSystem, string(prompt), &fix); err != nil {
		return err
	}
	if fix.Code != "" {
		svc.Code = fix.Code
	}
	if fix.Dependencies != nil {
		svc.Dependencies = fix.Dependencies
	}
	_, err = p.reg.UpdateService(ctx, svc)
	return err
}

// TestService runs the model-driven smoke test against an already active
// service. The HTTP layer exposes it as POST /services/{id}/test.
func (p *Pipeline) TestService(ctx context.Context, profile, serviceID string) error {
	provider, _, err := p.llms.ForProfile(ctx, profile)
	if err != nil {
		return err
	}
	svc, err := p.reg.GetService(serviceID)
	if err != nil {
		return err
	}
	if !svc.Active {
		return errs.ForField("active", "activate the service before testing it")
	}
	return p.testService(ctx, provider, svc, RequiredTool{Name: svc.Name, Description: svc.Description})
}

// testService invokes the freshly activated service with model-synthesised
// parameters and has the model grade the response leniently.
func (p *Pipeline) testService(ctx context.Context, provider llms.Provider, svc *model.Service, req RequiredTool) error {
	summary, err := json.Marshal(map[string]any{
		"name":        svc.Name,
		"description": svc.Description,
		"params":      svc.Params,
	})
	if err != nil {
		return errs.Wrap(errs.KindBug, "encode test prompt", err)
	}
	testParams := map[string]any{}
	if err := completeJSON(ctx, provider, testParamsSystem, string(summary), &testParams); err != nil {
		return err
	}
	bound, err := registry.BindParams(svc, nil, nil, testParams)
	if err != nil {
		return err
	}
	res, err := p.reg.Invoke(ctx, svc, bound)
	if err != nil {
		return err
	}

	gradePrompt, err := json.Marshal(map[string]any{
		"purpose": req.Description,
		"input":   testParams,
		"output":  json.RawMessage(res.Value),
	})
	if err != nil {
		return errs.Wrap(errs.KindBug, "encode grade prompt", err)
	}
	var v verdict
	if err := completeJSON(ctx, provider, gradeSystem, string(gradePrompt), &v); err != nil {
		return err
	}
	if !v.Pass {
		return errs.Newf(errs.KindBadResult, "test invocation rejected: %s", v.Reason)
	}
	return nil
}
