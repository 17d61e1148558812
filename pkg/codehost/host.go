// Package codehost executes user-supplied handler code in a sandboxed
// JavaScript runtime.
//
// A handler is the body of a function receiving a single params object. The
// host injects only the modules the owning service declared, enforces a wall
// clock deadline by interrupting the runtime, and requires the result to be a
// JSON value no larger than the configured cap. Concurrency is bounded by a
// weighted semaphore sized from configuration.
package codehost

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/httpclient"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/model"
)

// Host runs service handlers.
type Host struct {
	sem       *semaphore.Weighted
	allowed   map[string]bool
	sink      *logging.Sink
	http      *httpclient.Client
	timeout   time.Duration
	resultCap int
}

// Options configures a Host.
type Options struct {
	// Workers bounds concurrent executions.
	Workers int
	// Allowed is the module allow-list services may declare.
	Allowed []string
	// Timeout is the per-execution wall clock budget.
	Timeout time.Duration
	// ResultCap bounds the JSON-encoded result size in bytes.
	ResultCap int
	// Sink receives execution-scoped log entries. Optional.
	Sink *logging.Sink
	// HTTPClient serves the http module. Optional.
	HTTPClient *httpclient.Client
}

// New creates a Host.
func New(opts Options) *Host {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ResultCap <= 0 {
		opts.ResultCap = 1 << 20
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = httpclient.New()
	}
	allowed := make(map[string]bool, len(opts.Allowed))
	for _, name := range opts.Allowed {
		allowed[name] = true
	}
	return &Host{
		sem:       semaphore.NewWeighted(int64(opts.Workers)),
		allowed:   allowed,
		sink:      opts.Sink,
		http:      opts.HTTPClient,
		timeout:   opts.Timeout,
		resultCap: opts.ResultCap,
	}
}

// Result carries the handler output and its execution metadata.
type Result struct {
	ExecutionID string
	Value       json.RawMessage
	Duration    time.Duration
}

// CheckDependencies verifies every declared dependency against the module
// allow-list. Called at validation time so activation fails early.
func (h *Host) CheckDependencies(deps []string) error {
	for _, dep := range deps {
		if !h.allowed[dep] {
			return errs.Newf(errs.KindDependencyMissing, "dependency %q is not available", dep)
		}
	}
	return nil
}

// Execute runs a service handler with the given params. The handler source
// is treated as a function body with params in scope.
func (h *Host) Execute(ctx context.Context, svc *model.Service, params map[string]any) (*Result, error) {
	executionID := uuid.New().String()
	scope := logging.Scope{ExecutionID: executionID, ServiceID: svc.ID}

	tracer := otel.Tracer("uxmcp.codehost")
	ctx, span := tracer.Start(ctx, "codehost.execute",
		trace.WithAttributes(
			attribute.String("service.name", svc.Name),
			attribute.String("execution.id", executionID),
		),
	)
	defer span.End()

	if err := h.CheckDependencies(svc.Dependencies); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		span.SetStatus(codes.Error, "queue wait aborted")
		return nil, errs.Wrap(errs.KindCancelled, "queue wait aborted", err)
	}
	defer h.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	h.log(scope, "handler started", map[string]any{"service": svc.Name})

	raw, err := h.run(ctx, svc, params)
	duration := time.Since(start)

	if err != nil {
		h.log(scope, "handler failed", map[string]any{"service": svc.Name, "error_kind": string(errs.KindOf(err))})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	h.log(scope, "handler completed", map[string]any{"service": svc.Name, "duration_ms": duration.Milliseconds()})
	span.SetStatus(codes.Ok, "")
	return &Result{ExecutionID: executionID, Value: raw, Duration: duration}, nil
}

func (h *Host) log(scope logging.Scope, msg string, details map[string]any) {
	if h.sink != nil {
		h.sink.Info("codehost", msg, details, scope)
	}
}

func (h *Host) run(ctx context.Context, svc *model.Service, params map[string]any) (json.RawMessage, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	declared := make(map[string]bool, len(svc.Dependencies))
	for _, dep := range svc.Dependencies {
		declared[dep] = true
	}
	h.installModules(ctx, vm, declared)

	// Interrupt the runtime when the deadline passes so handlers cannot
	// spin forever.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	if params == nil {
		params = map[string]any{}
	}

	src := "(function(params) {\n" + svc.Code + "\n})"
	fnValue, err := vm.RunString(src)
	if err != nil {
		return nil, h.classify(err, declared)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, errs.New(errs.KindBug, "handler wrapper did not produce a function")
	}

	out, err := fn(goja.Undefined(), vm.ToValue(params))
	if err != nil {
		return nil, h.classify(err, declared)
	}

	return h.encodeResult(out)
}

// classify maps a runtime failure to a typed error. A reference to a known
// but undeclared module surfaces as UndeclaredDependency; an interrupt maps
// to Timeout or Cancelled depending on what tripped it.
func (h *Host) classify(err error, declared map[string]bool) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok && errors.Is(cause, context.Canceled) {
			return errs.Wrap(errs.KindCancelled, "handler cancelled", cause)
		}
		return errs.New(errs.KindTimeout, "handler exceeded its deadline")
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		msg := exc.Value().String()
		for name := range moduleNames {
			if !declared[name] && strings.Contains(msg, name+" is not defined") {
				return errs.Newf(errs.KindUndeclaredDependency, "handler uses module %q without declaring it", name)
			}
		}
		return errs.Newf(errs.KindBadResult, "handler threw: %s", msg)
	}

	return errs.Wrap(errs.KindBadResult, "handler failed", err)
}

func (h *Host) encodeResult(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, errs.New(errs.KindBadResult, "handler returned no value")
	}

	exported := v.Export()
	if _, ok := exported.(func(goja.FunctionCall) goja.Value); ok {
		return nil, errs.New(errs.KindBadResult, "handler returned a function")
	}

	raw, err := json.Marshal(exported)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadResult, "handler result is not JSON-serializable", err)
	}
	if len(raw) > h.resultCap {
		return nil, errs.Newf(errs.KindBadResult, "handler result of %d bytes exceeds the %d byte cap", len(raw), h.resultCap)
	}
	return raw, nil
}

// RenderPrompt substitutes {arg} placeholders in a prompt template. Missing
// required arguments fail validation.
func RenderPrompt(svc *model.Service, args map[string]string) (string, error) {
	for _, arg := range svc.PromptArgs {
		if _, ok := args[arg.Name]; !ok && arg.Required {
			return "", errs.ForField(arg.Name, "required prompt argument is missing")
		}
	}
	out := svc.PromptTemplate
	for name, value := range args {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out, nil
}
