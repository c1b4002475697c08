// parlor/handlers/middleware.go

package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"parlor/models"
	"parlor/utils"

	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const (
	sessionContextKey contextKey = "session"
	tokenContextKey   contextKey = "sessionToken"
)

// SessionCookieName is the cookie carrying the opaque session token. The
// same token is also accepted as a bearer credential.
const SessionCookieName = "parlor_session"

// requestToken pulls the session token from the Authorization header or the
// session cookie, header winning.
func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

// sessionFrom returns the authenticated session attached to the request, if
// any.
func sessionFrom(r *http.Request) (models.Session, bool) {
	s, ok := r.Context().Value(sessionContextKey).(models.Session)
	return s, ok
}

// tokenFrom returns the raw session token attached to the request, if any.
func tokenFrom(r *http.Request) string {
	t, _ := r.Context().Value(tokenContextKey).(string)
	return t
}

// NewSessionMiddleware resolves the request's session token and, when valid,
// attaches the session to the request context. It never rejects: route
// groups that need authentication use RequireAuth/RequireAdmin.
func NewSessionMiddleware(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := requestToken(r); token != "" {
				if sess, ok := app.Sessions().Get(token); ok {
					ctx := context.WithValue(r.Context(), sessionContextKey, sess)
					ctx = context.WithValue(ctx, tokenContextKey, token)
					r = r.WithContext(ctx)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth rejects requests that carry no valid session.
func RequireAuth(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := sessionFrom(r); !ok {
				respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required.", "code": "UNAUTHENTICATED"}, app)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin rejects requests whose session does not belong to an admin.
func RequireAdmin(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFrom(r)
			if !ok {
				respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required.", "code": "UNAUTHENTICATED"}, app)
				return
			}
			if !sess.IsAdmin {
				respondJSON(w, http.StatusForbidden, map[string]string{"error": "Admin privileges required.", "code": "FORBIDDEN"}, app)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewTrafficMiddleware counts every request against the traffic window.
func NewTrafficMiddleware(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			app.Traffic().Record()
			next.ServeHTTP(w, r)
		})
	}
}

// NewStructuredLogger logs one line per request through the app's slog
// logger.
func NewStructuredLogger(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			app.Logger().Info("Request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"ip", utils.GetIPAddress(r),
			)
		})
	}
}

// NewSecurityHeadersMiddleware sets baseline security headers on every
// response.
func NewSecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}
