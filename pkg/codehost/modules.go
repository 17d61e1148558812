package codehost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// moduleNames is every module the host knows how to build. The configured
// allow-list may further restrict what services can declare.
var moduleNames = map[string]bool{
	"http": true,
	"json": true,
	"math": true,
	"time": true,
}

// UndeclaredModules statically scans handler code for known module names
// used without being declared. The runtime classifier catches what the scan
// misses, but surfacing it at activation gives the repair loop a head start.
func UndeclaredModules(code string, declared []string) []string {
	have := make(map[string]bool, len(declared))
	for _, d := range declared {
		have[d] = true
	}
	var out []string
	for name := range moduleNames {
		if have[name] {
			continue
		}
		if moduleUseRe(name).MatchString(code) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

var moduleUseRes sync.Map

func moduleUseRe(name string) *regexp.Regexp {
	if re, ok := moduleUseRes.Load(name); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`\b` + name + `\s*\.`)
	moduleUseRes.Store(name, re)
	return re
}

// installModules binds the declared modules as globals. Undeclared modules
// are simply absent so any use raises a reference error the classifier maps
// to UndeclaredDependency.
func (h *Host) installModules(ctx context.Context, vm *goja.Runtime, declared map[string]bool) {
	if declared["json"] {
		vm.Set("json", jsonModule())
	}
	if declared["math"] {
		vm.Set("math", mathModule())
	}
	if declared["time"] {
		vm.Set("time", timeModule(ctx))
	}
	if declared["http"] {
		vm.Set("http", h.httpModule(ctx))
	}
}

func jsonModule() map[string]any {
	return map[string]any{
		"parse": func(s string) (any, error) {
			var v any
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return nil, fmt.Errorf("json.parse: %w", err)
			}
			return v, nil
		},
		"stringify": func(v goja.Value) (string, error) {
			raw, err := json.Marshal(v.Export())
			if err != nil {
				return "", fmt.Errorf("json.stringify: %w", err)
			}
			return string(raw), nil
		},
	}
}

func mathModule() map[string]any {
	return map[string]any{
		"abs":    math.Abs,
		"floor":  math.Floor,
		"ceil":   math.Ceil,
		"round":  math.Round,
		"sqrt":   math.Sqrt,
		"pow":    math.Pow,
		"log":    math.Log,
		"min":    math.Min,
		"max":    math.Max,
		"random": rand.Float64,
		"pi":     math.Pi,
	}
}

func timeModule(ctx context.Context) map[string]any {
	return map[string]any{
		"now": func() int64 {
			return time.Now().UnixMilli()
		},
		"iso": func(ms int64) string {
			return time.UnixMilli(ms).UTC().Format(time.RFC3339)
		},
		"parse": func(s string) (int64, error) {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return 0, fmt.Errorf("time.parse: %w", err)
			}
			return t.UnixMilli(), nil
		},
		// sleep is bounded by the execution deadline.
		"sleep": func(ms int64) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return nil
			}
		},
	}
}

// httpResponse is what handlers see from http.get and http.post.
type httpResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
	JSON   any    `json:"json"`
}

const maxFetchBody = 4 << 20

func (h *Host) httpModule(ctx context.Context) map[string]any {
	fetch := func(method, url string, payload []byte) (*httpResponse, error) {
		var resp *http.Response
		var err error
		switch method {
		case http.MethodGet:
			var req *http.Request
			req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, fmt.Errorf("http.get: %w", err)
			}
			resp, err = h.http.Do(req)
		default:
			resp, err = h.http.PostJSON(ctx, url, payload, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("http request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
		if err != nil {
			return nil, fmt.Errorf("http read failed: %w", err)
		}

		out := &httpResponse{Status: resp.StatusCode, Body: string(body)}
		var decoded any
		if json.Unmarshal(body, &decoded) == nil {
			out.JSON = decoded
		}
		return out, nil
	}

	return map[string]any{
		"get": func(url string) (*httpResponse, error) {
			return fetch(http.MethodGet, url, nil)
		},
		"post": func(url string, body goja.Value) (*httpResponse, error) {
			var payload []byte
			if body != nil && !goja.IsUndefined(body) && !goja.IsNull(body) {
				raw, err := json.Marshal(body.Export())
				if err != nil {
					return nil, fmt.Errorf("http.post: body is not JSON-serializable: %w", err)
				}
				payload = raw
			}
			return fetch(http.MethodPost, url, payload)
		},
	}
}
