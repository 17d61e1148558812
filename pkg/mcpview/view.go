// Package mcpview derives the MCP surface from the registry.
//
// The view is a registry lifecycle listener: service activation adds the
// matching tool, resource or prompt to the MCP server, deactivation removes
// it. The MCP server itself owns listing and protocol framing; the view only
// keeps it reconciled.
package mcpview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/registry"
)

// View is the MCP projection of the active service set.
type View struct {
	reg    *registry.Registry
	server *mcpserver.MCPServer
	http   *mcpserver.StreamableHTTPServer
}

// New creates a View and registers it as a registry listener.
func New(reg *registry.Registry) *View {
	s := mcpserver.NewMCPServer(
		"uxmcp",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
	)
	v := &View{
		reg:    reg,
		server: s,
		http:   mcpserver.NewStreamableHTTPServer(s, mcpserver.WithEndpointPath("/mcp")),
	}
	reg.AddListener(v)
	return v
}

// Handler returns the streamable-http transport for mounting at /mcp.
func (v *View) Handler() http.Handler { return v.http }

// ServiceActivated projects a newly active service into the MCP surface.
func (v *View) ServiceActivated(svc *model.Service) error {
	switch svc.Kind {
	case model.KindTool:
		v.server.AddTools(v.toolFor(svc))
	case model.KindResource:
		res, handler := v.resourceFor(svc)
		v.server.AddResource(res, handler)
	case model.KindPrompt:
		prompt, handler := v.promptFor(svc)
		v.server.AddPrompt(prompt, handler)
	default:
		return errs.Newf(errs.KindBug, "service %s has unknown kind %q", svc.ID, svc.Kind)
	}
	return nil
}

// ServiceDeactivated removes the projection.
func (v *View) ServiceDeactivated(svc *model.Service) {
	switch svc.Kind {
	case model.KindTool:
		v.server.DeleteTools(svc.Name)
	case model.KindResource:
		v.server.RemoveResource(resourceURI(svc))
	case model.KindPrompt:
		v.server.DeletePrompts(svc.Name)
	}
}

func (v *View) toolFor(svc *model.Service) mcpserver.ServerTool {
	id := svc.ID
	return mcpserver.ServerTool{
		Tool: mcp.Tool{
			Name:        svc.Name,
			Description: svc.Description,
			InputSchema: inputSchemaFor(svc),
		},
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			current, err := v.reg.GetService(id)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			args, _ := req.Params.Arguments.(map[string]any)
			params, err := registry.BindParams(current, nil, nil, args)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			res, err := v.reg.Invoke(ctx, current, params)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(string(res.Value)), nil
		},
	}
}

func (v *View) resourceFor(svc *model.Service) (mcp.Resource, mcpserver.ResourceHandlerFunc) {
	id := svc.ID
	uri := resourceURI(svc)
	res := mcp.Resource{
		URI:         uri,
		Name:        svc.Name,
		Description: svc.Description,
		MIMEType:    svc.MimeType,
	}
	handler := func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		current, err := v.reg.GetService(id)
		if err != nil {
			return nil, err
		}
		out, err := v.reg.Invoke(ctx, current, map[string]any{})
		if err != nil {
			return nil, err
		}
		mime := current.MimeType
		if mime == "" {
			mime = "application/json"
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: uri, MIMEType: mime, Text: string(out.Value)},
		}, nil
	}
	return res, handler
}

func (v *View) promptFor(svc *model.Service) (mcp.Prompt, mcpserver.PromptHandlerFunc) {
	id := svc.ID
	prompt := mcp.Prompt{
		Name:        svc.Name,
		Description: svc.Description,
	}
	for _, arg := range svc.PromptArgs {
		prompt.Arguments = append(prompt.Arguments, mcp.PromptArgument{
			Name:        arg.Name,
			Description: arg.Description,
			Required:    arg.Required,
		})
	}
	handler := func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		current, err := v.reg.GetService(id)
		if err != nil {
			return nil, err
		}
		params := make(map[string]any, len(req.Params.Arguments))
		for k, val := range req.Params.Arguments {
			params[k] = val
		}
		out, err := v.reg.Invoke(ctx, current, params)
		if err != nil {
			return nil, err
		}
		var rendered struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(out.Value, &rendered); err != nil {
			return nil, errs.Wrap(errs.KindBug, "decode rendered prompt", err)
		}
		return &mcp.GetPromptResult{
			Description: current.Description,
			Messages: []mcp.PromptMessage{
				{Role: mcp.RoleUser, Content: mcp.NewTextContent(rendered.Prompt)},
			},
		}, nil
	}
	return prompt, handler
}

func resourceURI(svc *model.Service) string {
	return fmt.Sprintf("uxmcp://resource/%s", svc.Name)
}

// inputSchemaFor synthesises the tool input schema from the declared params
// unless an explicit input_schema is set.
func inputSchemaFor(svc *model.Service) mcp.ToolInputSchema {
	schema := mcp.ToolInputSchema{
		Type:       "object",
		Properties: make(map[string]any),
	}

	if svc.InputSchema != nil {
		if props, ok := svc.InputSchema["properties"].(map[string]any); ok {
			schema.Properties = props
		}
		switch req := svc.InputSchema["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		return schema
	}

	for _, p := range svc.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		schema.Properties[p.Name] = prop
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	sort.Strings(schema.Required)
	return schema
}
