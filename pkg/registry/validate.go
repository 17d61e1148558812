package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/uxmcp/uxmcp/pkg/codehost"
	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/model"
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

var paramTypes = map[string]bool{
	"string": true, "number": true, "boolean": true, "object": true, "array": true,
}

// fieldErrors accumulates per-field validation failures into one
// ValidationFailed error listing every offending field.
type fieldErrors struct {
	problems []string
	fields   []string
}

func (f *fieldErrors) add(field, detail string) {
	f.fields = append(f.fields, field)
	f.problems = append(f.problems, field+": "+detail)
}

func (f *fieldErrors) err() error {
	if len(f.problems) == 0 {
		return nil
	}
	return &errs.Error{
		Kind:   errs.KindValidationFailed,
		Field:  strings.Join(f.fields, ","),
		Detail: strings.Join(f.problems, "; "),
	}
}

// CompileSchema validates a JSON-schema document and returns its compiled
// form.
func CompileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", parsed); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// validateServiceBasics runs the checks that apply at create time: name,
// kind, method, route shape and parameter list.
func validateServiceBasics(svc *model.Service) *fieldErrors {
	var fe fieldErrors

	if !model.NameRe.MatchString(svc.Name) {
		fe.add("name", "must match [A-Za-z0-9_-]+")
	}
	switch svc.Kind {
	case model.KindTool, model.KindResource, model.KindPrompt:
	default:
		fe.add("kind", "must be tool, resource or prompt")
	}
	if !allowedMethods[strings.ToUpper(svc.Method)] {
		fe.add("method", "must be one of GET, POST, PUT, PATCH, DELETE")
	}

	segs, err := parseRoute(svc.Route)
	if err != nil {
		fe.add("route", errDetail(err))
	} else {
		declared := make(map[string]bool, len(svc.Params))
		for _, p := range svc.Params {
			declared[p.Name] = true
		}
		for _, name := range routeParams(segs) {
			if !declared[name] {
				fe.add("route", fmt.Sprintf("path parameter {%s} is not in params", name))
			}
		}
	}

	seen := make(map[string]bool, len(svc.Params))
	for i, p := range svc.Params {
		if p.Name == "" {
			fe.add(fmt.Sprintf("params[%d].name", i), "is required")
			continue
		}
		if seen[p.Name] {
			fe.add(fmt.Sprintf("params[%d].name", i), "duplicate parameter "+p.Name)
		}
		seen[p.Name] = true
		if !paramTypes[p.Type] {
			fe.add(fmt.Sprintf("params[%d].type", i), "must be string, number, boolean, object or array")
		}
	}

	return &fe
}

// validateServiceForActivation runs the full rule set from the activation
// state machine.
func (r *Registry) validateServiceForActivation(svc *model.Service) error {
	fe := validateServiceBasics(svc)

	switch svc.Kind {
	case model.KindTool:
		if strings.TrimSpace(svc.Code) == "" {
			fe.add("code", "tool handler code is required")
		}
	case model.KindPrompt:
		if strings.TrimSpace(svc.PromptTemplate) == "" {
			fe.add("prompt_template", "is required for prompts")
		} else {
			declared := make(map[string]bool, len(svc.PromptArgs))
			for _, a := range svc.PromptArgs {
				declared[a.Name] = true
			}
			for _, ref := range templateRefs(svc.PromptTemplate) {
				if !declared[ref] {
					fe.add("prompt_template", fmt.Sprintf("references undeclared argument {%s}", ref))
				}
			}
		}
	}

	if svc.OutputSchema != nil {
		if _, err := CompileSchema(svc.OutputSchema); err != nil {
			fe.add("output_schema", "is not a valid JSON schema: "+err.Error())
		}
	}
	if svc.InputSchema != nil {
		if _, err := CompileSchema(svc.InputSchema); err != nil {
			fe.add("input_schema", "is not a valid JSON schema: "+err.Error())
		}
	}

	if err := fe.err(); err != nil {
		return err
	}

	// Dependency resolution is its own kind, not a validation failure.
	if svc.Kind == model.KindTool || svc.Code != "" {
		if err := r.host.CheckDependencies(svc.Dependencies); err != nil {
			return err
		}
		if missing := codehost.UndeclaredModules(svc.Code, svc.Dependencies); len(missing) > 0 {
			return errs.Newf(errs.KindUndeclaredDependency,
				"code uses undeclared modules: %s", strings.Join(missing, ", "))
		}
	}
	return nil
}

// templateRefs extracts {arg} references from a prompt template.
func templateRefs(template string) []string {
	var out []string
	for {
		open := strings.IndexByte(template, '{')
		if open < 0 {
			return out
		}
		close := strings.IndexByte(template[open:], '}')
		if close < 0 {
			return out
		}
		ref := template[open+1 : open+close]
		if ref != "" && !strings.ContainsAny(ref, " \t\n{") {
			out = append(out, ref)
		}
		template = template[open+close+1:]
	}
}

// AgentReport is the validator output for an agent. Unresolved names block
// activation; inactive names are advisory.
type AgentReport struct {
	Valid           bool     `json:"valid"`
	UnresolvedTools []string `json:"unresolved_tools,omitempty"`
	InactiveTools   []string `json:"inactive_tools,omitempty"`
	Problems        []string `json:"problems,omitempty"`
}

func validateAgentBasics(agent *model.Agent) *fieldErrors {
	var fe fieldErrors
	if !model.NameRe.MatchString(agent.Name) {
		fe.add("name", "must match [A-Za-z0-9_-]+")
	}
	if agent.LLMProfile == "" {
		fe.add("llm_profile", "is required")
	}
	if agent.Execution.MaxIterations < 0 {
		fe.add("execution.max_iterations", "must not be negative")
	}
	switch agent.Reasoning {
	case "", model.ReasoningStandard, model.ReasoningChainOfThought, model.ReasoningTreeOfThought:
	default:
		fe.add("reasoning_strategy", "must be standard, chain-of-thought or tree-of-thought")
	}
	for _, field := range []struct {
		name  string
		value any
	}{{"input_schema", agent.InputSchema}, {"output_schema", agent.OutputSchema}} {
		switch v := field.value.(type) {
		case nil:
		case string:
			if v != "text" {
				fe.add(field.name, `string form must be exactly "text"`)
			}
		case map[string]any:
			if _, err := CompileSchema(v); err != nil {
				fe.add(field.name, "is not a valid JSON schema: "+err.Error())
			}
		default:
			fe.add(field.name, `must be "text" or a JSON schema object`)
		}
	}
	return &fe
}

func validateProfile(p *model.LLMProfile) error {
	var fe fieldErrors
	if !model.NameRe.MatchString(p.Name) {
		fe.add("name", "must match [A-Za-z0-9_-]+")
	}
	if p.Model == "" {
		fe.add("model", "is required")
	}
	switch p.Mode {
	case "", model.ModeText, model.ModeJSON, model.ModeMarkdown:
	default:
		fe.add("mode", "must be text, json or markdown")
	}
	return fe.err()
}

func errDetail(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return err.Error()
}
