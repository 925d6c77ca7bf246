package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type contextKey int

const contextKeyBearerToken contextKey = iota

// BearerPassThrough extracts the bearer token from the Authorization header,
// if present, and stores it in the request context. Per spec.md §1's
// non-goal ("authentication policy beyond bearer-token pass-through"), this
// platform does not validate the token against any identity provider — it
// only makes it available to handlers that need to forward it.
func BearerPassThrough(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				ctx := context.WithValue(r.Context(), contextKeyBearerToken, parts[1])
				r = r.WithContext(ctx)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// bearerFromCtx retrieves the token stashed by BearerPassThrough. Returns ""
// if the request carried no bearer token.
func bearerFromCtx(ctx context.Context) string {
	token, _ := ctx.Value(contextKeyBearerToken).(string)
	return token
}

// RequestLogger logs each request's method, path, status, and latency via
// the given zap logger, following server/internal/api/middleware.go.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
