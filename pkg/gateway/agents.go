package gateway

import (
	"net/http"
	"time"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/ids"
	"github.com/lockclaw/lockclaw/pkg/subagent"
)

func (s *Server) profiles() (*subagent.ProfileStore, error) {
	if s.deps.Profiles == nil {
		return nil, errs.New(errs.CodeDependencyUnavailable, "profile store is not configured")
	}
	return s.deps.Profiles, nil
}

func (s *Server) handleProfileList(w http.ResponseWriter, r *http.Request) {
	store, err := s.profiles()
	if err != nil {
		writeError(w, err)
		return
	}
	profiles, err := store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	store, err := s.profiles()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := store.Get(r.Context(), id)
	if errs.CodeOf(err) == errs.CodeNotFound {
		p, err = store.GetByName(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProfileCreate(w http.ResponseWriter, r *http.Request) {
	store, err := s.profiles()
	if err != nil {
		writeError(w, err)
		return
	}

	var p subagent.Profile
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, err)
		return
	}
	if p.Name == "" {
		writeError(w, errs.New(errs.CodeValidation, "profile name must not be empty"))
		return
	}
	if p.Kind == "" {
		p.Kind = subagent.KindLLM
	}

	// Server-assigned fields; clients cannot mint builtin profiles.
	now := time.Now().UTC()
	p.ID = ids.NewProfile()
	p.Builtin = false
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := store.Insert(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &p)
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	store, err := s.profiles()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var p subagent.Profile
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, err)
		return
	}
	p.ID = id
	if p.Kind == "" {
		p.Kind = subagent.KindLLM
	}
	if err := store.Update(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

func (s *Server) delegations() (*subagent.DelegationStore, error) {
	if s.deps.Delegations == nil {
		return nil, errs.New(errs.CodeDependencyUnavailable, "delegation store is not configured")
	}
	return s.deps.Delegations, nil
}

func (s *Server) handleDelegationList(w http.ResponseWriter, r *http.Request) {
	store, err := s.delegations()
	if err != nil {
		writeError(w, err)
		return
	}

	f := subagent.DelegationFilter{
		Status:   subagent.Status(r.URL.Query().Get("status")),
		Profile:  r.URL.Query().Get("profile"),
		RootID:   r.URL.Query().Get("rootId"),
		ParentID: r.URL.Query().Get("parentId"),
	}
	if f.Limit, err = queryInt(r, "limit", 50); err != nil {
		writeError(w, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, err)
		return
	}

	items, total, err := store.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": items, "total": total})
}

// handleDelegationGet returns one delegation; ?trace=true includes the
// message trace.
func (s *Server) handleDelegationGet(w http.ResponseWriter, r *http.Request) {
	store, err := s.delegations()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	d, err := store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if !queryBool(r, "trace") {
		writeJSON(w, http.StatusOK, d)
		return
	}

	trace, err := store.Messages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegation": d, "trace": trace})
}
