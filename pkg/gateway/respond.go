package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/logger"
)

type errorPayload struct {
	Code       errs.Code `json:"code"`
	Message    string    `json:"message"`
	RetryAfter int       `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF("gateway", "Response encode failed", map[string]any{"error": err.Error()})
	}
}

// writeError maps a semantic error to its transport status. The body
// carries the sanitised message only; causes stay in server logs.
func writeError(w http.ResponseWriter, err error) {
	e, ok := errs.As(err)
	if !ok {
		logger.ErrorCF("gateway", "Unclassified handler error", map[string]any{"error": err.Error()})
		e = errs.New(errs.CodeExecutionError, "internal error")
	}

	status := errs.HTTPStatus(e.Code)
	if e.Code == errs.CodeRateLimited && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	if status >= http.StatusInternalServerError {
		logger.ErrorCF("gateway", "Request failed", map[string]any{
			"code":  string(e.Code),
			"error": err.Error(),
		})
	}

	writeJSON(w, status, map[string]errorPayload{"error": {
		Code:       e.Code,
		Message:    e.Message,
		RetryAfter: e.RetryAfter,
	}})
}

// decodeJSON rejects unknown fields so typos surface as 400s instead
// of silently dropped options.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Newf(errs.CodeValidation, "invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errs.Newf(errs.CodeValidation, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func queryInt64(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errs.Newf(errs.CodeValidation, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errs.Newf(errs.CodeValidation, "%s must be RFC 3339, got %q", name, raw)
	}
	return t, nil
}

func queryBool(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// pathID returns the {id} path segment or a validation error when the
// route matched with an empty value.
func pathID(r *http.Request) (string, error) {
	id := r.PathValue("id")
	if id == "" {
		return "", errs.New(errs.CodeValidation, "missing id path parameter")
	}
	return id, nil
}
