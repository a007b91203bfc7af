package middlewares

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/oauth"
)

// Admin authorizes the token and requires the 'admin' role.
func Admin(secret string) func(http.Handler) http.Handler {
	return requireRole(secret, "admin")
}

// Expert authorizes the token and requires the 'expert' role.
func Expert(secret string) func(http.Handler) http.Handler {
	return requireRole(secret, "expert")
}

func requireRole(secret, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return chi.Chain(oauth.Authorize(secret, nil), hasRole(role)).Handler(next)
	}
}

func hasRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := r.Context().Value(oauth.ClaimsContext).(map[string]string)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			found := false
			if rolesClaim, ok := claims["roles"]; ok {
				for _, have := range strings.Split(rolesClaim, ",") {
					if have == role {
						found = true
						break
					}
				}
			}

			if !found {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Username extracts the authenticated username set by oauth.Authorize.
func Username(r *http.Request) string {
	claims, ok := r.Context().Value(oauth.ClaimsContext).(map[string]string)
	if !ok {
		return ""
	}
	return claims["username"]
}
