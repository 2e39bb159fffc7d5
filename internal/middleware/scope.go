package middleware

import (
	"log/slog"
	"net/http"

	"github.com/Strob0t/toolgate/internal/logger"
)

// RequireScope rejects callers that do not hold scope: 401 without a
// caller, 403 otherwise.
func RequireScope(scope string) func(http.Handler) http.Handler {
	denied := `{"error":"missing required scope: ` + scope + `"}`
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch c := CallerFromContext(r.Context()); {
			case c == nil:
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
			case !c.Can(scope):
				logger.From(r.Context(), slog.Default()).Warn("scope denied", "scope", scope, "path", r.URL.Path)
				http.Error(w, denied, http.StatusForbidden)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
