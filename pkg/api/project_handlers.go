package api

import (
	"net/http"

	"github.com/taskforge/taskforge/pkg/httputil"
	"github.com/taskforge/taskforge/pkg/middleware"
	"github.com/taskforge/taskforge/pkg/project"
)

type addTeammateRequest struct {
	UserCode string `json:"user"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())

	var input project.CreateInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	created, err := s.projects.Create(r.Context(), user.ID, input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	s.invalidateIdentity(r, user.ID)

	httputil.WriteCreated(w, created, "project created")
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())

	projects, err := s.projects.ListForUser(r.Context(), user.ID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, projects, "")
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	detail, err := s.projects.GetByCode(r.Context(), httputil.PathVar(r, "projectCode"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, detail, "")
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())

	var input project.UpdateInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	updated, err := s.projects.Update(r.Context(), user.ID, httputil.PathVar(r, "projectCode"), input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, updated, "project updated")
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())

	if err := s.projects.Delete(r.Context(), user.ID, httputil.PathVar(r, "projectCode")); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	// The cascade touched owner and teammate project arrays.
	s.invalidateIdentity(r, user.ID)

	httputil.WriteSuccess(w, nil, "project deleted")
}

func (s *Server) handleAddTeammate(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())

	var input addTeammateRequest
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	updated, err := s.projects.AddTeammate(r.Context(), user.ID, httputil.PathVar(r, "projectCode"), input.UserCode)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, updated, "teammate added")
}

func (s *Server) handleRemoveTeammate(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())

	updated, err := s.projects.RemoveTeammate(r.Context(), user.ID,
		httputil.PathVar(r, "projectCode"), httputil.PathVar(r, "userCode"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, updated, "teammate removed")
}
