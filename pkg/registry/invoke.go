package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/uxmcp/uxmcp/pkg/codehost"
	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/model"
)

// BindParams merges path, query and body values against the declared
// parameter list, coercing scalars from their string forms. Missing required
// parameters fail validation.
func BindParams(svc *model.Service, pathParams map[string]string, query url.Values, body map[string]any) (map[string]any, error) {
	var fe fieldErrors
	out := make(map[string]any, len(svc.Params))

	for _, p := range svc.Params {
		var raw any
		var present bool

		if v, ok := body[p.Name]; ok {
			raw, present = v, true
		}
		if v, ok := pathParams[p.Name]; ok {
			raw, present = v, true
		}
		if !present && query != nil && query.Has(p.Name) {
			raw, present = query.Get(p.Name), true
		}

		if !present {
			if p.Required {
				fe.add(p.Name, "required parameter is missing")
			}
			continue
		}

		coerced, err := coerceParam(p, raw)
		if err != nil {
			fe.add(p.Name, err.Error())
			continue
		}
		out[p.Name] = coerced
	}

	if err := fe.err(); err != nil {
		return nil, err
	}
	return out, nil
}

func coerceParam(p model.Param, raw any) (any, error) {
	if s, ok := raw.(string); ok {
		switch p.Type {
		case "string":
			return s, nil
		case "number":
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", s)
			}
			return n, nil
		case "boolean":
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", s)
			}
			return b, nil
		case "object", "array":
			var v any
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return nil, fmt.Errorf("%q is not valid JSON", s)
			}
			return v, nil
		}
	}

	switch p.Type {
	case "number":
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("%v is not a number", raw)
			}
			return f, nil
		}
		return nil, fmt.Errorf("%v is not a number", raw)
	case "boolean":
		if b, ok := raw.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("%v is not a boolean", raw)
	case "string":
		return fmt.Sprint(raw), nil
	default:
		return raw, nil
	}
}

// InvokeResult is the outcome of one service invocation.
type InvokeResult struct {
	ExecutionID string
	Value       json.RawMessage
	MimeType    string
}

// Invoke dispatches a bound parameter map to the service's kind-specific
// adapter: tools and resources run their handler on the code host; prompts
// render their template.
func (r *Registry) Invoke(ctx context.Context, svc *model.Service, params map[string]any) (*InvokeResult, error) {
	switch svc.Kind {
	case model.KindTool, model.KindResource:
		res, err := r.host.Execute(ctx, svc, params)
		if err != nil {
			return nil, err
		}
		out := &InvokeResult{ExecutionID: res.ExecutionID, Value: res.Value}
		if svc.Kind == model.KindResource {
			out.MimeType = svc.MimeType
		}
		return out, nil

	case model.KindPrompt:
		args := make(map[string]string, len(params))
		for k, v := range params {
			if s, ok := v.(string); ok {
				args[k] = s
			} else {
				args[k] = fmt.Sprint(v)
			}
		}
		rendered, err := codehost.RenderPrompt(svc, args)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(map[string]string{"prompt": rendered})
		if err != nil {
			return nil, errs.Wrap(errs.KindBug, "encode rendered prompt", err)
		}
		return &InvokeResult{Value: raw}, nil

	default:
		return nil, errs.Newf(errs.KindBug, "service %s has unknown kind %q", svc.ID, svc.Kind)
	}
}
