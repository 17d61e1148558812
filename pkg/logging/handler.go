package logging

import (
	"context"
	"log/slog"
)

// Attribute keys recognised by the bridge handler.
const (
	AttrExecutionID = "execution_id"
	AttrServiceID   = "service_id"
	AttrAgentID     = "agent_id"
	AttrModule      = "module"
)

// BridgeHandler is a slog.Handler that forwards records into the sink in
// addition to the wrapped handler. Records are mirrored when they carry an
// execution_id attribute or are WARNING or above, so engine components can
// log through slog without talking to the sink directly.
type BridgeHandler struct {
	next  slog.Handler
	sink  *Sink
	attrs []slog.Attr
}

// NewBridgeHandler wraps next with sink mirroring.
func NewBridgeHandler(next slog.Handler, sink *Sink) *BridgeHandler {
	return &BridgeHandler{next: next, sink: sink}
}

func (h *BridgeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *BridgeHandler) Handle(ctx context.Context, rec slog.Record) error {
	scope, module, details := h.collect(rec)
	if scope.ExecutionID != "" || rec.Level >= slog.LevelWarn {
		h.sink.Log(rec.Level, module, rec.Message, details, scope)
	}
	return h.next.Handle(ctx, rec)
}

func (h *BridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &BridgeHandler{next: h.next.WithAttrs(attrs), sink: h.sink, attrs: merged}
}

func (h *BridgeHandler) WithGroup(name string) slog.Handler {
	return &BridgeHandler{next: h.next.WithGroup(name), sink: h.sink, attrs: h.attrs}
}

func (h *BridgeHandler) collect(rec slog.Record) (Scope, string, map[string]any) {
	var scope Scope
	module := "app"
	details := make(map[string]any)

	absorb := func(a slog.Attr) {
		switch a.Key {
		case AttrExecutionID:
			scope.ExecutionID = a.Value.String()
		case AttrServiceID:
			scope.ServiceID = a.Value.String()
		case AttrAgentID:
			scope.AgentID = a.Value.String()
		case AttrModule:
			module = a.Value.String()
		default:
			details[a.Key] = a.Value.Any()
		}
	}

	for _, a := range h.attrs {
		absorb(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		absorb(a)
		return true
	})

	if len(details) == 0 {
		details = nil
	}
	return scope, module, details
}

var _ slog.Handler = (*BridgeHandler)(nil)
