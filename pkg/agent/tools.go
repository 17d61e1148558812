package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/llms"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/memory"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/registry"
)

// toolFunc executes one tool call with its raw JSON arguments.
type toolFunc func(ctx context.Context, arguments string) (string, error)

// toolset is the per-execution view of callable tools: registry services
// resolved at execution start plus the memory builtins.
type toolset struct {
	definitions []llms.ToolDefinition
	handlers    map[string]toolFunc

	// storedExplicitly flips when the model calls memory_store, which
	// suppresses the automatic conversation write for this turn.
	storedExplicitly bool
}

func (t *toolset) call(ctx context.Context, name, arguments string) (string, error) {
	fn, ok := t.handlers[name]
	if !ok {
		return "", errs.Newf(errs.KindUnknownService, "no tool named %q", name)
	}
	return fn(ctx, arguments)
}

// buildToolset resolves the agent's service names against the registry and
// injects the memory builtins when memory is enabled. Unresolved names are
// logged at WARNING and skipped.
func (e *Executor) buildToolset(agent *model.Agent, provider llms.Provider, executionID string) *toolset {
	ts := &toolset{handlers: make(map[string]toolFunc)}

	for _, name := range agent.MCPServices {
		svc, err := e.reg.GetServiceByName(name)
		if err != nil || !svc.Active || svc.Kind != model.KindTool {
			e.sink.Warn("executor", "skipping unresolved tool", map[string]any{
				"tool": name, "agent": agent.Name,
			}, logging.Scope{ExecutionID: executionID, AgentID: agent.ID})
			continue
		}
		ts.definitions = append(ts.definitions, llms.ToolDefinition{
			Name:        svc.Name,
			Description: svc.Description,
			Parameters:  serviceParamSchema(svc),
		})
		id := svc.ID
		ts.handlers[svc.Name] = func(ctx context.Context, arguments string) (string, error) {
			current, err := e.reg.GetService(id)
			if err != nil {
				return "", err
			}
			args := map[string]any{}
			if arguments != "" {
				if err := json.Unmarshal([]byte(arguments), &args); err != nil {
					return "", errs.Wrap(errs.KindBadJSON, "tool arguments", err)
				}
			}
			params, err := registry.BindParams(current, nil, nil, args)
			if err != nil {
				return "", err
			}
			res, err := e.reg.Invoke(ctx, current, params)
			if err != nil {
				return "", err
			}
			return string(res.Value), nil
		}
	}

	if agent.MemoryEnabled && e.memory != nil {
		e.addMemoryTools(ts, agent, provider)
	}
	return ts
}

type memorySearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Text to search memories for"`
	K     int    `json:"k,omitempty" jsonschema:"description=Maximum number of hits to return"`
}

type memoryStoreArgs struct {
	Content     string   `json:"content" jsonschema:"required,description=The fact to remember"`
	Importance  *float64 `json:"importance,omitempty" jsonschema:"description=Importance between 0 and 1"`
	ContentType string   `json:"content_type,omitempty" jsonschema:"description=One of user_message, agent_response, preference, stored_knowledge, conversation, summary"`
}

type memoryAnalyzeArgs struct {
	Window int `json:"window,omitempty" jsonschema:"description=How many recent memories to analyze"`
}

func (e *Executor) addMemoryTools(ts *toolset, agent *model.Agent, provider llms.Provider) {
	agentID := agent.ID

	ts.definitions = append(ts.definitions,
		llms.ToolDefinition{
			Name:        "memory_search",
			Description: "Search your long-term memory for relevant facts.",
			Parameters:  reflectSchema(&memorySearchArgs{}),
		},
		llms.ToolDefinition{
			Name:        "memory_store",
			Description: "Store an important fact in long-term memory.",
			Parameters:  reflectSchema(&memoryStoreArgs{}),
		},
		llms.ToolDefinition{
			Name:        "memory_analyze",
			Description: "Summarize what you currently remember.",
			Parameters:  reflectSchema(&memoryAnalyzeArgs{}),
		},
	)

	ts.handlers["memory_search"] = func(ctx context.Context, arguments string) (string, error) {
		var args memorySearchArgs
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", errs.Wrap(errs.KindBadJSON, "memory_search arguments", err)
		}
		hits, err := e.memory.Search(ctx, agentID, args.Query, memory.SearchOptions{K: args.K})
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(hits)
		if err != nil {
			return "", errs.Wrap(errs.KindBug, "encode search hits", err)
		}
		return string(out), nil
	}

	ts.handlers["memory_store"] = func(ctx context.Context, arguments string) (string, error) {
		var args memoryStoreArgs
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", errs.Wrap(errs.KindBadJSON, "memory_store arguments", err)
		}
		var importance float64 = memory.ImportanceUnset
		if args.Importance != nil {
			importance = *args.Importance
		}
		rec, err := e.memory.Store(ctx, &model.MemoryRecord{
			AgentID:     agentID,
			Content:     args.Content,
			Importance:  importance,
			ContentType: model.ContentType(args.ContentType),
		}, memory.StoreOptions{Explicit: true, MaxMemories: agent.Memory.MaxMemories})
		if err != nil {
			return "", err
		}
		ts.storedExplicitly = true
		return fmt.Sprintf(`{"stored":true,"id":%q}`, rec.ID), nil
	}

	ts.handlers["memory_analyze"] = func(ctx context.Context, arguments string) (string, error) {
		var args memoryAnalyzeArgs
		if arguments != "" {
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return "", errs.Wrap(errs.KindBadJSON, "memory_analyze arguments", err)
			}
		}
		return e.memory.Analyze(ctx, agentID, args.Window, provider)
	}
}

// retrieveMemories fetches the top-k hits for the current query and formats
// them for the system turn.
func (e *Executor) retrieveMemories(ctx context.Context, agent *model.Agent, query string) string {
	hits, err := e.memory.Search(ctx, agent.ID, query, memory.SearchOptions{K: agent.Memory.SearchK})
	if err != nil {
		e.sink.Warn("executor", "memory retrieval failed", map[string]any{
			"error": err.Error(),
		}, logging.Scope{AgentID: agent.ID})
		return ""
	}
	lines := make([]string, 0, len(hits))
	for _, h := range hits {
		lines = append(lines, h.Record.Content)
	}
	return memoryPreface(lines)
}

// rememberTurn writes the user turn and final response to memory at the
// conversation default importance.
func (e *Executor) rememberTurn(ctx context.Context, agent *model.Agent, userTurn, response string) {
	for _, pair := range []struct {
		ct      model.ContentType
		content string
	}{
		{model.ContentUserMessage, userTurn},
		{model.ContentAgentResponse, response},
	} {
		if pair.content == "" {
			continue
		}
		_, err := e.memory.Store(ctx, &model.MemoryRecord{
			AgentID:     agent.ID,
			Content:     pair.content,
			ContentType: pair.ct,
			Importance:  model.DefaultImportance(model.ContentConversation, false),
			CreatedAt:   time.Now().UTC(),
		}, memory.StoreOptions{MaxMemories: agent.Memory.MaxMemories})
		if err != nil {
			e.sink.Warn("executor", "conversation memory write failed", map[string]any{
				"error": err.Error(),
			}, logging.Scope{AgentID: agent.ID})
		}
	}
}

// serviceParamSchema synthesises a JSON schema object from the declared
// param list unless the service carries an explicit input_schema.
func serviceParamSchema(svc *model.Service) map[string]any {
	if svc.InputSchema != nil {
		return svc.InputSchema
	}
	properties := make(map[string]any, len(svc.Params))
	var required []string
	for _, p := range svc.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// reflectSchema derives a JSON schema object from a Go argument struct.
func reflectSchema(v any) map[string]any {
	r := jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
		Anonymous:                  true,
	}
	raw, err := json.Marshal(r.Reflect(v))
	if err != nil {
		panic(err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	out["type"] = "object"
	return out
}
