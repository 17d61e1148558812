// Package agent implements the bounded tool-call executor.
//
// One Execute call drives a single conversation: system message assembly,
// iterative completions in tool-calling mode, tool dispatch through the
// registry and the memory subsystem, and terminal output validation.
// Executions are single-threaded internally; any number of them may run
// concurrently.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/llms"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/memory"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/registry"
)

// DefaultMaxIterations bounds the tool-call loop when the agent does not
// set one.
const DefaultMaxIterations = 5

// DefaultMaxRetries bounds output auto-correction when the agent does not
// set one.
const DefaultMaxRetries = 3

// ProviderSource resolves an LLM profile name to a live provider.
type ProviderSource interface {
	ForProfile(ctx context.Context, name string) (llms.Provider, *model.LLMProfile, error)
}

// Executor runs agent conversations against the registry's tool view.
type Executor struct {
	reg    *registry.Registry
	llms   ProviderSource
	memory *memory.Manager
	sink   *logging.Sink
}

// NewExecutor wires an Executor. The memory manager may be nil, which
// disables memory features for every agent.
func NewExecutor(reg *registry.Registry, source ProviderSource, mem *memory.Manager, sink *logging.Sink) *Executor {
	return &Executor{reg: reg, llms: source, memory: mem, sink: sink}
}

// Options tunes one Execute call.
type Options struct {
	// History is prepended between the system turn and the new user turn.
	History []llms.Message
}

// Result is the outcome of one execution. On failure it still carries the
// partial trace accumulated before the error.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	Output      string                 `json:"output"`
	ToolCalls   []model.ToolCallRecord `json:"tool_calls"`
	Iterations  int                    `json:"iterations"`
	Usage       model.TokenUsage       `json:"usage"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	ErrorKind   string                 `json:"error_kind,omitempty"`
}

// Execute runs the tool-call loop for one input. The returned Result is
// non-nil even when err is non-nil.
func (e *Executor) Execute(ctx context.Context, agent *model.Agent, input any, opts Options) (*Result, error) {
	result := &Result{ExecutionID: uuid.New().String()}
	started := time.Now()

	tracer := otel.Tracer("uxmcp.agent")
	ctx, span := tracer.Start(ctx, "agent.execute",
		trace.WithAttributes(
			attribute.String("agent.id", agent.ID),
			attribute.String("agent.name", agent.Name),
		))
	defer span.End()

	defer func() {
		e.persistTrace(agent, result, started)
		if result.Error != "" {
			span.SetStatus(codes.Error, result.Error)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.Int("agent.iterations", result.Iterations))
	}()

	provider, profile, err := e.llms.ForProfile(ctx, agent.LLMProfile)
	if err != nil {
		return e.fail(result, err)
	}

	userTurn, err := e.encodeInput(agent, input)
	if err != nil {
		return e.fail(result, err)
	}

	memoryActive := agent.MemoryEnabled && e.memory != nil
	preface := ""
	if memoryActive {
		preface = e.retrieveMemories(ctx, agent, userTurn)
	}

	ts := e.buildToolset(agent, provider, result.ExecutionID)

	messages := make([]llms.Message, 0, len(opts.History)+2)
	messages = append(messages, llms.Message{Role: llms.RoleSystem, Content: systemMessage(agent, preface)})
	messages = append(messages, opts.History...)
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: userTurn})

	temperature := agent.Execution.Temperature
	if temperature == 0 {
		temperature = profile.Temperature
	}
	maxTokens := agent.Execution.MaxTokens
	if maxTokens == 0 {
		maxTokens = profile.MaxTokens
	}
	maxIterations := agent.Execution.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	forced := false
	lastText := ""
	for iteration := 1; iteration <= maxIterations; iteration++ {
		result.Iterations = iteration

		req := llms.Request{
			Messages:    messages,
			Tools:       ts.definitions,
			Temperature: temperature,
			MaxTokens:   maxTokens,
		}
		if agent.Execution.RequireToolUse && len(ts.definitions) > 0 && len(result.ToolCalls) == 0 {
			req.ForceToolUse = true
		}

		resp, err := provider.Complete(ctx, req)
		if err != nil {
			return e.fail(result, err)
		}
		addUsage(&result.Usage, resp.Usage)
		lastText = resp.Text

		if len(resp.ToolCalls) == 0 {
			if agent.Execution.RequireToolUse && len(result.ToolCalls) == 0 {
				if forced {
					return e.fail(result, errs.New(errs.KindRequiredToolMissing,
						"the model did not call a tool despite require_tool_use"))
				}
				forced = true
				messages = append(messages,
					llms.Message{Role: llms.RoleAssistant, Content: resp.Text},
					llms.Message{Role: llms.RoleUser, Content: "You must use one of the available tools to answer. Do not answer directly."},
				)
				iteration--
				continue
			}
			return e.finalize(ctx, agent, provider, ts, messages, resp.Text, temperature, maxTokens, memoryActive, userTurn, result)
		}

		records, toolMessages, err := e.dispatch(ctx, ts, resp.ToolCalls, agent, result.ExecutionID)
		result.ToolCalls = append(result.ToolCalls, records...)
		if err != nil {
			return e.fail(result, err)
		}

		messages = append(messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		messages = append(messages, toolMessages...)
	}

	result.Output = lastText
	return e.fail(result, errs.Newf(errs.KindIterationsExhausted,
		"no final answer after %d iterations", maxIterations))
}

// encodeInput turns the caller's input into the user turn, validating it
// against the agent's input schema when one is declared.
func (e *Executor) encodeInput(agent *model.Agent, input any) (string, error) {
	doc, ok := schemaMap(agent.InputSchema)
	if !ok {
		s, isString := input.(string)
		if !isString {
			return "", errs.ForField("input", "must be a string for text-input agents")
		}
		return s, nil
	}

	schema, err := registry.CompileSchema(doc)
	if err != nil {
		return "", err
	}
	if err := schema.Validate(input); err != nil {
		return "", errs.Wrap(errs.KindValidationFailed, "input does not match the agent's input schema", err)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", errs.Wrap(errs.KindValidationFailed, "input is not serialisable", err)
	}
	return string(raw), nil
}

// dispatch executes one batch of sibling tool calls, concurrently when the
// agent allows it. Records and tool messages come back in request order
// regardless of completion order.
func (e *Executor) dispatch(ctx context.Context, ts *toolset, calls []llms.ToolCall, agent *model.Agent, executionID string) ([]model.ToolCallRecord, []llms.Message, error) {
	records := make([]model.ToolCallRecord, len(calls))

	if agent.Execution.AllowParallelToolCalls && len(calls) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			g.Go(func() error {
				records[i] = e.runToolCall(gctx, ts, call, agent, executionID)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return records, nil, errs.Wrap(errs.KindCancelled, "tool dispatch", err)
		}
	} else {
		for i, call := range calls {
			if err := ctx.Err(); err != nil {
				return records[:i], nil, errs.Wrap(errs.KindCancelled, "tool dispatch", err)
			}
			records[i] = e.runToolCall(ctx, ts, call, agent, executionID)
		}
	}

	messages := make([]llms.Message, len(records))
	for i, rec := range records {
		messages[i] = llms.Message{
			Role:       llms.RoleTool,
			Content:    rec.Result,
			ToolCallID: rec.ToolCallID,
		}
	}
	return records, messages, nil
}

func (e *Executor) runToolCall(ctx context.Context, ts *toolset, call llms.ToolCall, agent *model.Agent, executionID string) model.ToolCallRecord {
	start := time.Now()
	out, err := ts.call(ctx, call.Name, call.Arguments)
	rec := model.ToolCallRecord{
		Name:       call.Name,
		Arguments:  call.Arguments,
		Duration:   time.Since(start),
		ToolCallID: call.ID,
	}
	if err != nil {
		rec.IsError = true
		rec.Result = fmt.Sprintf("tool error: %s", err)
		e.sink.Warn("executor", "tool call failed", map[string]any{
			"tool": call.Name, "error": err.Error(),
		}, logging.Scope{ExecutionID: executionID, AgentID: agent.ID})
		return rec
	}
	rec.Result = out
	return rec
}

// finalize validates the final message against the agent's output schema,
// re-prompting for repairs when auto-correction is on.
func (e *Executor) finalize(ctx context.Context, agent *model.Agent, provider llms.Provider, ts *toolset, messages []llms.Message, text string, temperature float64, maxTokens int, memoryActive bool, userTurn string, result *Result) (*Result, error) {
	doc, ok := schemaMap(agent.OutputSchema)
	if !ok {
		result.Output = text
		result.Success = true
		e.finishMemory(ctx, agent, ts, memoryActive, userTurn, text)
		return result, nil
	}

	schema, err := registry.CompileSchema(doc)
	if err != nil {
		return e.fail(result, err)
	}
	retries := agent.Decision.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}

	for attempt := 0; ; attempt++ {
		raw, verr := llms.ExtractJSON(text)
		if verr == nil {
			var value any
			if uerr := json.Unmarshal(raw, &value); uerr != nil {
				verr = uerr
			} else if serr := schema.Validate(value); serr != nil {
				verr = serr
			} else {
				result.Output = string(raw)
				result.Success = true
				e.finishMemory(ctx, agent, ts, memoryActive, userTurn, result.Output)
				return result, nil
			}
		}

		if !agent.Decision.AutoCorrectErrors || attempt >= retries {
			result.Output = text
			return e.fail(result, errs.Wrap(errs.KindOutputSchemaViolation,
				"final message does not match the output schema", verr))
		}

		messages = append(messages,
			llms.Message{Role: llms.RoleAssistant, Content: text},
			llms.Message{Role: llms.RoleUser, Content: fmt.Sprintf(
				"Your answer did not match the required output schema: %s. Respond again with only the corrected JSON.", verr)},
		)
		resp, err := provider.Complete(ctx, llms.Request{
			Messages:    messages,
			Temperature: temperature,
			MaxTokens:   maxTokens,
			JSONMode:    true,
			JSONSchema:  doc,
		})
		if err != nil {
			return e.fail(result, err)
		}
		addUsage(&result.Usage, resp.Usage)
		text = resp.Text
	}
}

// finishMemory writes the conversation turn to memory unless memory_store
// already captured it explicitly during the execution.
func (e *Executor) finishMemory(ctx context.Context, agent *model.Agent, ts *toolset, memoryActive bool, userTurn, response string) {
	if !memoryActive || ts.storedExplicitly {
		return
	}
	e.rememberTurn(ctx, agent, userTurn, response)
}

func (e *Executor) fail(result *Result, err error) (*Result, error) {
	result.Success = false
	result.Error = err.Error()
	result.ErrorKind = string(errs.KindOf(err))
	return result, err
}

func (e *Executor) persistTrace(agent *model.Agent, result *Result, started time.Time) {
	status := "completed"
	if !result.Success {
		status = "failed"
		if result.ErrorKind == string(errs.KindCancelled) {
			status = "cancelled"
		}
	}
	calls := make([]map[string]any, 0, len(result.ToolCalls))
	for _, tc := range result.ToolCalls {
		calls = append(calls, map[string]any{
			"name":        tc.Name,
			"arguments":   tc.Arguments,
			"result":      tc.Result,
			"duration_ms": tc.Duration.Milliseconds(),
			"is_error":    tc.IsError,
		})
	}
	e.sink.Info("executor", "execution trace", map[string]any{
		"status":      status,
		"iterations":  result.Iterations,
		"tool_calls":  calls,
		"usage":       map[string]any{"prompt": result.Usage.Prompt, "completion": result.Usage.Completion, "total": result.Usage.Total},
		"duration_ms": time.Since(started).Milliseconds(),
		"error_kind":  result.ErrorKind,
	}, logging.Scope{ExecutionID: result.ExecutionID, AgentID: agent.ID})
}

func addUsage(total *model.TokenUsage, u llms.Usage) {
	total.Prompt += u.PromptTokens
	total.Completion += u.CompletionTokens
	total.Total += u.TotalTokens
}

// schemaMap reports whether the agent-level schema field carries an actual
// schema object rather than the literal "text".
func schemaMap(v any) (map[string]any, bool) {
	doc, ok := v.(map[string]any)
	if !ok || len(doc) == 0 {
		return nil, false
	}
	return doc, true
}
