package gateway

import (
	"net"
	"net/http"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/rbac"
	"github.com/lockclaw/lockclaw/pkg/task"
)

// submitRequest is the wire form of a task submission.
type submitRequest struct {
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	TimeoutMs     int64          `json:"timeoutMs,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	ParentTaskID  string         `json:"parentTaskId,omitempty"`
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	id := identityFrom(r.Context())
	handle, err := s.deps.Executor.Submit(r.Context(), task.CreateRequest{
		Type:          req.Type,
		Name:          req.Name,
		Description:   req.Description,
		Input:         req.Input,
		TimeoutMs:     req.TimeoutMs,
		CorrelationID: req.CorrelationID,
		ParentID:      req.ParentTaskID,
	}, task.SecurityContext{
		UserID:    id.UserID,
		Role:      id.Role,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	t := handle.Task()
	s.hub.Broadcast("tasks", map[string]any{
		"event":  "task_submitted",
		"taskId": t.ID,
		"type":   t.Type,
		"status": t.Status,
	})
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	f := task.Filter{
		Status: task.Status(r.URL.Query().Get("status")),
		Type:   r.URL.Query().Get("type"),
		UserID: r.URL.Query().Get("userId"),
	}

	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		writeError(w, err)
		return
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		writeError(w, err)
		return
	}
	if f.Limit, err = queryInt(r, "limit", 50); err != nil {
		writeError(w, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, err)
		return
	}

	items, total, err := s.deps.Executor.Store().List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": items, "total": total})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.deps.Executor.Store().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleTaskUpdate changes name, type, and description only. Lifecycle
// columns are owned by the executor.
func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Name        *string `json:"name,omitempty"`
		Type        *string `json:"type,omitempty"`
		Description *string `json:"description,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	t, err := s.deps.Executor.Store().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Type != nil {
		t.Type = *req.Type
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if t.Name == "" {
		writeError(w, errs.New(errs.CodeValidation, "task name must not be empty"))
		return
	}

	if err := s.deps.Executor.Store().UpdateMetadata(r.Context(), id, t.Name, t.Type, t.Description); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleTaskDelete removes completed tasks only; everything else is an
// illegal transition.
func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	t, err := s.deps.Executor.Store().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if t.Status != task.StatusCompleted {
		writeError(w, errs.Newf(errs.CodeConflict, "task %s is %s; only completed tasks can be deleted", id, t.Status))
		return
	}

	if err := s.deps.Executor.Store().Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskCancel authorises against the task's owner before touching
// the executor, so denials carry the right condition context.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	t, err := s.deps.Executor.Store().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if !s.authorize(w, r, rbac.ResourceTasks, "cancel", map[string]any{
		"task": map[string]any{"userId": t.Security.UserID},
	}) {
		return
	}

	caller := identityFrom(r.Context())
	cancelled, err := s.deps.Executor.Cancel(r.Context(), id, task.SecurityContext{
		UserID: caller.UserID,
		Role:   caller.Role,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if !cancelled {
		writeError(w, errs.Newf(errs.CodeConflict, "task %s is %s, not running", id, t.Status))
		return
	}

	s.hub.Broadcast("tasks", map[string]any{
		"event":  "task_cancelled",
		"taskId": id,
	})
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
