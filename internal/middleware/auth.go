package middleware

import (
	"context"
	"log/slog"
	"net/http"

	apperrors "github.com/orguetta/finely/pkg/errors"
	"github.com/orguetta/finely/pkg/httputil"
)

// SessionChecker reports whether credentials exist for the BFF session.
type SessionChecker interface {
	IsLoggedIn(ctx context.Context) bool
	LoginPath() string
}

// RequireSession rejects requests made while no session exists with 401
// and a redirect to the login path, before anything is sent upstream.
// CORS preflights always pass.
func RequireSession(sessions SessionChecker, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || sessions.IsLoggedIn(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteSessionError(w, r, apperrors.NotLoggedIn(), logger, sessions.LoginPath())
		})
	}
}
