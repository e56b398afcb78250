package auth

import (
	"net/http"
	"strings"

	"github.com/mizan-labs/idis/pkg/errs"
)

// publicPaths are endpoints served without authentication.
var publicPaths = []string{
	"/healthz",
	"/readyz",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Middleware authenticates every non-public request and attaches the
// TenantContext. A nil authenticator rejects everything: an unconfigured
// service must not serve /v1 unauthenticated.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) || !strings.HasPrefix(r.URL.Path, "/v1") {
				next.ServeHTTP(w, r)
				return
			}

			if a == nil {
				errs.Write(w, RequestID(r.Context()), errs.Unauthorized())
				return
			}

			tc, err := a.Authenticate(r)
			if err != nil {
				errs.Write(w, RequestID(r.Context()), err)
				return
			}

			ctx := WithTenantContext(r.Context(), tc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
