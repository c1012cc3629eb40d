package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// =============================================================================
// Shared-Secret Auth Middleware
// =============================================================================

// HeaderAuthToken carries the shared secret on inbound requests.
const HeaderAuthToken = "X-Stevedore-Token"

// RequireToken rejects requests whose HeaderAuthToken does not match the
// configured secret. If the secret is empty, validation is skipped.
func RequireToken(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && r.Header.Get(HeaderAuthToken) != secret {
				logger.Warn("invalid auth token",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				writeJSONError(w, http.StatusForbidden, "Forbidden", "Invalid auth token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// JSON Responses
// =============================================================================

// APIError is the error body returned on every non-2xx response.
type APIError struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// APIErrorResponse wraps the error objects of one response.
type APIErrorResponse struct {
	Errors []APIError `json:"errors"`
}

func writeJSONError(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIErrorResponse{
		Errors: []APIError{
			{
				Status: http.StatusText(status),
				Title:  title,
				Detail: detail,
			},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
