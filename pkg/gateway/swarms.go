package gateway

import (
	"net/http"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/rbac"
	"github.com/lockclaw/lockclaw/pkg/swarm"
)

func (s *Server) swarms() (*swarm.Manager, error) {
	if s.deps.Swarms == nil {
		return nil, errs.New(errs.CodeDependencyUnavailable, "swarm manager is not configured")
	}
	return s.deps.Swarms, nil
}

func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.swarms()
	if err != nil {
		writeError(w, err)
		return
	}
	templates, err := mgr.Templates().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (s *Server) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.swarms()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	tmpl, err := mgr.Templates().Get(r.Context(), id)
	if errs.CodeOf(err) == errs.CodeNotFound {
		tmpl, err = mgr.Templates().GetByName(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

type swarmExecuteRequest struct {
	TemplateID  string `json:"templateId"`
	Task        string `json:"task"`
	Context     string `json:"context,omitempty"`
	TokenBudget int64  `json:"tokenBudget,omitempty"`
}

// handleSwarmExecute blocks until the run is terminal and returns the
// finished run, matching the manager's synchronous contract.
func (s *Server) handleSwarmExecute(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.swarms()
	if err != nil {
		writeError(w, err)
		return
	}

	var req swarmExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	id := identityFrom(r.Context())
	run, err := mgr.ExecuteSwarm(r.Context(), swarm.Request{
		TemplateID:  req.TemplateID,
		Task:        req.Task,
		Context:     req.Context,
		TokenBudget: req.TokenBudget,
		Initiator:   id.UserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSwarmEstimate(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.swarms()
	if err != nil {
		writeError(w, err)
		return
	}

	var req swarmExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	estimate, err := mgr.EstimateSwarmCost(r.Context(), req.TemplateID, req.Task, req.TokenBudget, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.swarms()
	if err != nil {
		writeError(w, err)
		return
	}

	f := swarm.RunFilter{
		Status:     swarm.Status(r.URL.Query().Get("status")),
		TemplateID: r.URL.Query().Get("templateId"),
		Initiator:  r.URL.Query().Get("initiator"),
	}
	if f.Limit, err = queryInt(r, "limit", 50); err != nil {
		writeError(w, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, err)
		return
	}

	runs, total, err := mgr.Runs().ListRuns(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": total})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.swarms()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	run, err := mgr.Runs().GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	members, err := mgr.Runs().Members(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "members": members})
}

// handleSwarmCancel checks swarms:cancel against the run's initiator so
// operators can cancel their own runs and nobody else's.
func (s *Server) handleSwarmCancel(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.swarms()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	run, err := mgr.Runs().GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if !s.authorize(w, r, rbac.ResourceSwarms, "cancel", map[string]any{
		"swarm": map[string]any{"initiator": run.Initiator},
	}) {
		return
	}

	caller := identityFrom(r.Context())
	cancelled, err := mgr.CancelSwarm(r.Context(), id, caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.hub.Broadcast("tasks", map[string]any{
		"event":  "swarm_cancelled",
		"runId":  id,
		"status": cancelled.Status,
	})
	writeJSON(w, http.StatusOK, cancelled)
}
