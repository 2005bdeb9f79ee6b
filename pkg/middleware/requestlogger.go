package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/orguetta/finely/pkg/logger"
)

// SessionInfo reports the user id and session state of the process-wide
// session, for log enrichment. Either value may be empty.
type SessionInfo func(ctx context.Context) (userID, state string)

// RequestLogger stores a request-scoped logger in context carrying
// correlation_id, user_id, session_state, trace_id and span_id. Mount it after
// RequestLogging and Tracing. info may be nil.
func RequestLogger(base *slog.Logger, info SessionInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if info != nil {
				userID, state := info(ctx)
				if userID != "" {
					ctx = logger.WithUserID(ctx, userID)
				}
				if state != "" {
					ctx = logger.WithSessionState(ctx, state)
				}
			}

			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
