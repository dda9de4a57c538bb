package transporthttp

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

// OriginGuard rejects requests whose Origin is not on the allow-list. Requests
// without an Origin header (server-to-server, curl) pass through. A "*" entry
// allows every origin.
func OriginGuard(allowed []string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(o)] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]; !ok {
				WriteError(w, http.StatusForbidden, msgOriginNotAllowed)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS sets the Access-Control headers for allowed origins and answers
// preflight requests with 204.
func CORS(allowed []string) func(http.Handler) http.Handler {
	c := cors.Handler(cors.Options{
		AllowedOrigins:     allowed,
		AllowedMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:     []string{"Accept", "Content-Type", RequestIDHeader},
		ExposedHeaders:     []string{RequestIDHeader},
		MaxAge:             600,
		OptionsPassthrough: true,
	})
	return func(next http.Handler) http.Handler {
		return c(preflight(next))
	}
}

func preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
