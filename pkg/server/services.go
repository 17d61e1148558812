package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/metaagent"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/registry"
)

func (s *Server) createService(w http.ResponseWriter, r *http.Request) {
	var svc model.Service
	if err := decodeBody(r, &svc); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.reg.CreateService(r.Context(), &svc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.ListServices())
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.reg.GetService(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) updateService(w http.ResponseWriter, r *http.Request) {
	var svc model.Service
	if err := decodeBody(r, &svc); err != nil {
		writeError(w, err)
		return
	}
	svc.ID = chi.URLParam(r, "id")
	updated, err := s.reg.UpdateService(r.Context(), &svc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteService(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.DeleteService(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activateService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.reg.ActivateService(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) deactivateService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.reg.DeactivateService(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) testService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profile string `json:"profile"`
	}
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Profile == "" {
		req.Profile = DefaultProfile
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ServiceTimeout)
	defer cancel()
	if err := s.pipe.TestService(ctx, req.Profile, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pass": true})
}

// generateService is the synchronous, non-streaming synthesis path.
func (s *Server) generateService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profile     string        `json:"profile"`
		Name        string        `json:"name"`
		Requirement string        `json:"requirement"`
		Parameters  []model.Param `json:"parameters"`
		MaxRetries  int           `json:"max_retries"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Requirement == "" {
		writeError(w, errs.ForField("requirement", "is required"))
		return
	}
	if req.Profile == "" {
		req.Profile = DefaultProfile
	}
	provider, _, err := s.pipe.Provider(r.Context(), req.Profile)
	if err != nil {
		writeError(w, err)
		return
	}
	svc, err := s.pipe.GenerateService(r.Context(), provider, metaagent.RequiredTool{
		Name:        req.Name,
		Description: req.Requirement,
		Parameters:  req.Parameters,
	}, req.MaxRetries, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

// dispatch routes an unmatched request through the dynamic route table.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	match, ok := s.reg.Routes().Match(r.Method, r.URL.Path)
	if !ok {
		writeError(w, errs.Newf(errs.KindUnknownService, "no active service owns %s %s", r.Method, r.URL.Path))
		return
	}
	defer match.Release()

	svc, err := s.reg.GetService(match.ServiceID)
	if err != nil {
		writeError(w, err)
		return
	}

	var body map[string]any
	if err := decodeOptionalBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	params, err := registry.BindParams(svc, match.PathParams, r.URL.Query(), body)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ServiceTimeout)
	defer cancel()
	res, err := s.reg.Invoke(ctx, svc, params)
	if err != nil {
		writeError(w, err)
		return
	}

	mime := res.MimeType
	if mime == "" {
		mime = "application/json"
	}
	w.Header().Set("Content-Type", mime)
	if res.ExecutionID != "" {
		w.Header().Set("X-Execution-Id", res.ExecutionID)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Value)
}
