package mcpview

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uxmcp/uxmcp/pkg/codehost"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/registry"
	"github.com/uxmcp/uxmcp/pkg/store"
)

func testView(t *testing.T) (*View, *registry.Registry) {
	t.Helper()
	st := store.NewMemStore()
	sink := logging.NewSink(st.Logs())
	t.Cleanup(func() { _ = sink.Close(context.Background()) })
	host := codehost.New(codehost.Options{Allowed: []string{"json", "math"}})
	reg := registry.New(st, host, sink)
	require.NoError(t, reg.Load(context.Background()))
	return New(reg), reg
}

func TestToolHandler_RoundTrip(t *testing.T) {
	ctx := context.Background()
	v, reg := testView(t)

	svc, err := reg.CreateService(ctx, &model.Service{
		Name:   "add",
		Kind:   model.KindTool,
		Route:  "/math/add",
		Method: "GET",
		Params: []model.Param{
			{Name: "a", Type: "number", Required: true},
			{Name: "b", Type: "number", Required: true},
		},
		Code: `return {"sum": params["a"] + params["b"]}`,
	})
	require.NoError(t, err)
	svc, err = reg.ActivateService(ctx, svc.ID)
	require.NoError(t, err)

	tool := v.toolFor(svc)
	assert.Equal(t, "add", tool.Tool.Name)
	assert.Equal(t, "object", tool.Tool.InputSchema.Type)
	assert.Equal(t, []string{"a", "b"}, tool.Tool.InputSchema.Required)

	var req mcp.CallToolRequest
	req.Params.Name = "add"
	req.Params.Arguments = map[string]any{"a": 2, "b": 3}
	res, err := tool.Handler(ctx, req)
	require.NoError(t, err)
	require.False(t, res.IsError)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.JSONEq(t, `{"sum":5}`, text.Text)
}

func TestToolHandler_ValidationError(t *testing.T) {
	ctx := context.Background()
	v, reg := testView(t)

	svc, err := reg.CreateService(ctx, &model.Service{
		Name:   "echo",
		Kind:   model.KindTool,
		Route:  "/echo",
		Method: "POST",
		Params: []model.Param{{Name: "msg", Type: "string", Required: true}},
		Code:   `return {"msg": params["msg"]}`,
	})
	require.NoError(t, err)

	tool := v.toolFor(svc)
	var req mcp.CallToolRequest
	req.Params.Name = "echo"
	req.Params.Arguments = map[string]any{}
	res, err := tool.Handler(ctx, req)
	require.NoError(t, err, "tool failures report through the result, not the transport")
	assert.True(t, res.IsError)
}

func TestPromptHandler_Renders(t *testing.T) {
	ctx := context.Background()
	v, reg := testView(t)

	svc, err := reg.CreateService(ctx, &model.Service{
		Name:           "summarize",
		Kind:           model.KindPrompt,
		Route:          "/prompts/summarize",
		Method:         "POST",
		PromptTemplate: "Summarize {text}",
		PromptArgs:     []model.PromptArg{{Name: "text", Required: true}},
	})
	require.NoError(t, err)

	prompt, handler := v.promptFor(svc)
	require.Len(t, prompt.Arguments, 1)

	var req mcp.GetPromptRequest
	req.Params.Name = "summarize"
	req.Params.Arguments = map[string]string{"text": "the report"}
	res, err := handler(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	text, ok := mcp.AsTextContent(res.Messages[0].Content)
	require.True(t, ok)
	assert.Equal(t, "Summarize the report", text.Text)
}

func TestInputSchema_ExplicitOverride(t *testing.T) {
	svc := &model.Service{
		Params: []model.Param{{Name: "ignored", Type: "string"}},
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
			"required":   []any{"q"},
		},
	}
	schema := inputSchemaFor(svc)
	assert.Contains(t, schema.Properties, "q")
	assert.NotContains(t, schema.Properties, "ignored")
	assert.Equal(t, []string{"q"}, schema.Required)
}

func TestLifecycleReconciliation(t *testing.T) {
	ctx := context.Background()
	_, reg := testView(t)

	svc, err := reg.CreateService(ctx, &model.Service{
		Name:   "add",
		Kind:   model.KindTool,
		Route:  "/math/add",
		Method: "GET",
		Params: []model.Param{{Name: "a", Type: "number", Required: true}},
		Code:   `return {"a": params["a"]}`,
	})
	require.NoError(t, err)

	// Activation and deactivation flow through the listener without error;
	// protocol-level listing is the MCP server's concern.
	_, err = reg.ActivateService(ctx, svc.ID)
	require.NoError(t, err)
	_, err = reg.DeactivateService(ctx, svc.ID)
	require.NoError(t, err)
}
