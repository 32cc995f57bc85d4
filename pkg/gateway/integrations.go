package gateway

import (
	"net/http"
	"strings"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/integrations"
)

func (s *Server) integrations() (*integrations.Manager, error) {
	if s.deps.Integrations == nil {
		return nil, errs.New(errs.CodeDependencyUnavailable, "integration manager is not configured")
	}
	return s.deps.Integrations, nil
}

func (s *Server) handleIntegrationList(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.integrations()
	if err != nil {
		writeError(w, err)
		return
	}

	statuses, err := mgr.Statuses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range statuses {
		statuses[i].Config = redactedConfig(statuses[i].Config)
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": statuses})
}

func (s *Server) handleIntegrationStart(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.integrations()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := mgr.StartIntegration(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": true})
}

func (s *Server) handleIntegrationStop(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.integrations()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := mgr.StopIntegration(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (s *Server) handleIntegrationTest(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.integrations()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, detail, err := mgr.TestConnection(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "detail": detail})
}

type sendRequest struct {
	ChatID   string            `json:"chatId"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleIntegrationSend(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.integrations()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ChatID == "" || req.Text == "" {
		writeError(w, errs.New(errs.CodeValidation, "chatId and text are required"))
		return
	}

	platformID, err := mgr.SendMessage(r.Context(), id, req.ChatID, req.Text, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"platformMessageId": platformID})
}

// redactedConfig masks credential-bearing settings so integration rows
// can be listed without exposing platform tokens.
func redactedConfig(cfg *integrations.Config) *integrations.Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.Settings = make(map[string]string, len(cfg.Settings))
	for k, v := range cfg.Settings {
		if isSecretSetting(k) {
			out.Settings[k] = maskSecret(v)
			continue
		}
		out.Settings[k] = v
	}
	return &out
}

func isSecretSetting(key string) bool {
	key = strings.ToLower(key)
	for _, marker := range []string{"token", "secret", "password", "key"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func maskSecret(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}
