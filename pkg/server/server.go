// Package server exposes the HTTP surface: registry CRUD and lifecycle,
// agent execution, memory, meta-agent SSE streams, logs, feedback, the MCP
// transport and dynamic dispatch of active service routes.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/uxmcp/uxmcp/pkg/agent"
	"github.com/uxmcp/uxmcp/pkg/config"
	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/events"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/memory"
	"github.com/uxmcp/uxmcp/pkg/metaagent"
	"github.com/uxmcp/uxmcp/pkg/registry"
	"github.com/uxmcp/uxmcp/pkg/store"
)

// DefaultProfile is the LLM profile assumed when a request names none.
const DefaultProfile = "default"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// Server wires the HTTP router over the engine components.
type Server struct {
	cfg    *config.Config
	reg    *registry.Registry
	exec   *agent.Executor
	pipe   *metaagent.Pipeline
	mem    *memory.Manager
	sink   *logging.Sink
	store  store.Store
	events *events.Broadcaster
	mcp    http.Handler

	router *chi.Mux
}

// New assembles the router. The mcp handler is the streamable-http transport
// from the MCP view; it owns everything under /mcp except /mcp/config.
func New(cfg *config.Config, st store.Store, reg *registry.Registry, exec *agent.Executor, pipe *metaagent.Pipeline, mem *memory.Manager, sink *logging.Sink, mcp http.Handler) *Server {
	s := &Server{
		cfg:    cfg,
		reg:    reg,
		exec:   exec,
		pipe:   pipe,
		mem:    mem,
		sink:   sink,
		store:  st,
		events: events.NewBroadcaster(),
		mcp:    mcp,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/services", func(r chi.Router) {
		r.Get("/", s.listServices)
		r.Post("/", s.createService)
		r.Post("/generate", s.generateService)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getService)
			r.Put("/", s.updateService)
			r.Delete("/", s.deleteService)
			r.Post("/activate", s.activateService)
			r.Post("/deactivate", s.deactivateService)
			r.Post("/test", s.testService)
		})
	})

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.listAgents)
		r.Post("/", s.createAgent)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getAgent)
			r.Put("/", s.updateAgent)
			r.Delete("/", s.deleteAgent)
			r.Post("/activate", s.activateAgent)
			r.Post("/deactivate", s.deactivateAgent)
			r.Post("/execute", s.executeAgent)
			r.Get("/validate", s.validateAgent)
			r.Route("/memory", func(r chi.Router) {
				r.Get("/", s.listMemory)
				r.Post("/", s.storeMemory)
				r.Delete("/", s.deleteMemory)
				r.Post("/search", s.searchMemory)
				r.Get("/stats", s.memoryStats)
				r.Post("/analyze", s.analyzeMemory)
			})
		})
	})

	r.Route("/llms", func(r chi.Router) {
		r.Get("/", s.listProfiles)
		r.Post("/", s.createProfile)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getProfile)
			r.Put("/", s.updateProfile)
			r.Delete("/", s.deleteProfile)
		})
	})

	r.Post("/meta-agent/create", s.metaAgentCreate)
	r.Post("/agent/create-service", s.createServiceStream)

	r.Get("/logs", s.queryLogs)
	r.Delete("/logs", s.deleteLogs)

	r.Post("/feedback", s.postFeedback)
	r.Get("/feedback", s.listFeedback)

	r.Get("/mcp/config", s.mcpConfig)
	if mcp != nil {
		r.Handle("/mcp", mcp)
	}

	// Anything the static router does not own may be an active service route.
	r.NotFound(s.dispatch)
	r.MethodNotAllowed(s.dispatch)

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error kind to its HTTP status and emits the
// machine-readable body.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	body := map[string]any{
		"error_kind": string(kind),
		"detail":     err.Error(),
	}
	var e *errs.Error
	if errors.As(err, &e) {
		if e.Field != "" {
			body["field"] = e.Field
		}
		if e.Detail != "" {
			body["detail"] = e.Detail
		}
	}
	writeJSON(w, errs.HTTPStatus(kind), body)
}

// decodeBody reads a JSON request body into v. An empty body is an error;
// use decodeOptionalBody where absence is fine.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.KindBadJSON, "request body", err)
	}
	return nil
}

func decodeOptionalBody(r *http.Request, v any) error {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errs.Wrap(errs.KindBadJSON, "request body", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.KindBadJSON, "request body", err)
	}
	return nil
}
