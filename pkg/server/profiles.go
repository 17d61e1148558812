package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/uxmcp/uxmcp/pkg/model"
)

func (s *Server) createProfile(w http.ResponseWriter, r *http.Request) {
	var p model.LLMProfile
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.reg.CreateProfile(r.Context(), &p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.ListProfiles())
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.reg.GetProfile(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var p model.LLMProfile
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	p.ID = chi.URLParam(r, "id")
	updated, err := s.reg.UpdateProfile(r.Context(), &p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.DeleteProfile(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
