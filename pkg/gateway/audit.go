package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/lockclaw/lockclaw/pkg/audit"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/logger"
)

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilterFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if event := r.URL.Query().Get("event"); event != "" {
		f.Events = []string{event}
	}

	entries, total, err := s.deps.Chain.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Chain.Verify(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Chain.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAuditExport streams matching entries as a JSONL attachment so
// chains can be archived and verified offline.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilterFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	filename := fmt.Sprintf("audit-export-%s.jsonl", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	written, err := s.deps.Chain.Export(r.Context(), f, w)
	if err != nil {
		// Headers are already sent; all that is left is to log the
		// truncation.
		logger.WarnCF("gateway", "Audit export aborted", map[string]any{
			"written": written,
			"error":   err.Error(),
		})
	}
}

type retentionRequest struct {
	MaxAgeDays int   `json:"maxAgeDays,omitempty"`
	MaxEntries int64 `json:"maxEntries,omitempty"`
}

func (s *Server) handleAuditRetention(w http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	policy := audit.Policy{MaxAgeDays: req.MaxAgeDays, MaxEntries: req.MaxEntries}
	if err := policy.Validate(); err != nil {
		writeError(w, errs.New(errs.CodeValidation, err.Error()))
		return
	}

	deleted, err := s.deps.Chain.EnforceRetention(r.Context(), policy)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.deps.Chain.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "stats": stats})
}

// securityEvents is the curated projection surfaced by the security
// endpoint and the security WS channel.
var securityEvents = []string{
	audit.EventAuthFailure,
	audit.EventRateLimit,
	audit.EventTaskRateLimited,
	audit.EventInjectionAttempt,
	audit.EventPermissionDenied,
	audit.EventAnomaly,
	audit.EventSandboxViolation,
	audit.EventConfigChange,
	audit.EventSecretAccess,
}

func isSecurityEvent(event string) bool {
	for _, e := range securityEvents {
		if e == event {
			return true
		}
	}
	return false
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilterFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	f.Events = securityEvents
	if typ := r.URL.Query().Get("type"); typ != "" {
		if !isSecurityEvent(typ) {
			writeError(w, errs.Newf(errs.CodeValidation, "%q is not a security event type", typ))
			return
		}
		f.Events = []string{typ}
	}
	if severity := r.URL.Query().Get("severity"); severity != "" {
		switch audit.Level(severity) {
		case audit.LevelInfo, audit.LevelWarn, audit.LevelError:
			f.Level = audit.Level(severity)
		default:
			writeError(w, errs.Newf(errs.CodeValidation, "severity must be info, warn, or error, got %q", severity))
			return
		}
	}

	entries, total, err := s.deps.Chain.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries, "total": total})
}

// auditFilterFrom parses the shared pagination and time-range params.
func auditFilterFrom(r *http.Request) (audit.Filter, error) {
	var f audit.Filter
	var err error

	if f.From, err = queryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit", 50); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		return f, err
	}
	f.UserID = r.URL.Query().Get("userId")
	f.TaskID = r.URL.Query().Get("taskId")
	f.CorrelationID = r.URL.Query().Get("correlationId")
	f.Ascending = queryBool(r, "ascending")

	if level := r.URL.Query().Get("level"); level != "" {
		f.Level = audit.Level(level)
	}
	return f, nil
}
