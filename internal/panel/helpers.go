package panel

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rendis/stepflow/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps a stepflow error code onto an HTTP status.
func (s *PanelServer) writeEngineError(w http.ResponseWriter, op string, err error) {
	code := schema.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.Error(op+" failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
