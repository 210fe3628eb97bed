package middleware

import (
	"encoding/json"
	"net/http"

	"resultcache/internal/domain"
)

// Identity headers. The service sits behind an authenticating proxy that
// terminates the caller's credentials and forwards the resolved identity;
// requests reaching this service directly without the header are rejected.
const (
	PrincipalHeader      = "X-Principal"
	PrincipalAdminHeader = "X-Principal-Admin"
)

// Identity extracts the proxied caller identity into the request context.
// A request with no principal header is unauthenticated.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get(PrincipalHeader)
		if name == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":    http.StatusUnauthorized,
				"message": "missing principal",
			})
			return
		}
		principal := domain.ContextPrincipal{
			Name:    name,
			IsAdmin: r.Header.Get(PrincipalAdminHeader) == "true",
		}
		next.ServeHTTP(w, r.WithContext(domain.WithPrincipal(r.Context(), principal)))
	})
}
