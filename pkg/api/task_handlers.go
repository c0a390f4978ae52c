package api

import (
	"net/http"

	"github.com/taskforge/taskforge/pkg/httputil"
	"github.com/taskforge/taskforge/pkg/middleware"
	"github.com/taskforge/taskforge/pkg/task"
)

type addCommentRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var input task.CreateInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	created, err := s.tasks.Create(r.Context(), httputil.PathVar(r, "projectCode"), input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteCreated(w, created, "task created")
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context(), httputil.PathVar(r, "projectCode"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, tasks, "")
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	detail, err := s.tasks.Get(r.Context(),
		httputil.PathVar(r, "projectCode"), httputil.PathVar(r, "taskCode"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, detail, "")
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var input task.UpdateInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	updated, err := s.tasks.Update(r.Context(),
		httputil.PathVar(r, "projectCode"), httputil.PathVar(r, "taskCode"), input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, updated, "task updated")
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	err := s.tasks.Delete(r.Context(),
		httputil.PathVar(r, "projectCode"), httputil.PathVar(r, "taskCode"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, nil, "task deleted")
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())

	var input addCommentRequest
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	comments, err := s.tasks.AddComment(r.Context(),
		httputil.PathVar(r, "projectCode"), httputil.PathVar(r, "taskCode"),
		user.ID, input.Text)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteCreated(w, comments, "comment added")
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.tasks.ListComments(r.Context(),
		httputil.PathVar(r, "projectCode"), httputil.PathVar(r, "taskCode"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, comments, "")
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	comments, err := s.tasks.DeleteComment(r.Context(),
		httputil.PathVar(r, "projectCode"), httputil.PathVar(r, "taskCode"),
		httputil.PathVar(r, "commentCode"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, comments, "comment deleted")
}

func (s *Server) handleCreateSubtask(w http.ResponseWriter, r *http.Request) {
	var input task.SubtaskCreateInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	created, err := s.tasks.CreateSubtask(r.Context(), input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteCreated(w, created, "subtask created")
}

func (s *Server) handleListSubtasks(w http.ResponseWriter, r *http.Request) {
	subtasks, err := s.tasks.ListSubtasks(r.Context(), r.URL.Query().Get("task"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, subtasks, "")
}

func (s *Server) handleGetSubtask(w http.ResponseWriter, r *http.Request) {
	subtask, err := s.tasks.GetSubtask(r.Context(), httputil.PathVar(r, "subtaskCode"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, subtask, "")
}

func (s *Server) handleUpdateSubtask(w http.ResponseWriter, r *http.Request) {
	var input task.SubtaskUpdateInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	updated, err := s.tasks.UpdateSubtask(r.Context(), httputil.PathVar(r, "subtaskCode"), input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, updated, "subtask updated")
}

func (s *Server) handleDeleteSubtask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.DeleteSubtask(r.Context(), httputil.PathVar(r, "subtaskCode")); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, nil, "subtask deleted")
}
