package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/Yuanxyyds/steven-universe/pkg/apierrors"
	"github.com/Yuanxyyds/steven-universe/pkg/telelog"
)

// middleware wraps an http.Handler with cross-cutting behavior. The chain
// is applied outside-in: recover first, then log, then CORS, then auth,
// so a panicking handler is still logged and a rejected CORS preflight
// never reaches the auth check.
type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mw ...middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// withRecovery turns a handler panic into a 500 JSON error instead of
// taking down the server process.
func withRecovery() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					telelog.Logger.Error().
						Interface("panic", rec).
						Bytes("stack", debug.Stack()).
						Str("path", r.URL.Path).
						Msg("recovered from panic in handler")
					apierrors.WriteJSON(w, apierrors.New(apierrors.KindInternal, "internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// withLogging logs one line per request at completion, matching the
// component-scoped logger convention used elsewhere in the engine.
func withLogging() middleware {
	log := telelog.WithComponent("api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("elapsed", time.Since(start)).
				Msg("request handled")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets the recorder sit in front of a streaming handler without
// breaking http.Flusher.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withCORS allows the configured origins (or every origin, for "*") and
// answers preflight requests directly.
func withCORS(allowedOrigins []string) middleware {
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || originAllowed(origin, allowedOrigins)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, o := range allowed {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// withAuth rejects requests without the configured shared-secret API key,
// using a constant-time comparison so response timing doesn't leak the
// key. Health endpoints are exempt so uptime probes don't need the key.
func withAuth(apiKey string) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
				apierrors.WriteJSON(w, apierrors.New(apierrors.KindUnauthorized, "missing or invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func methodNotAllowed(w http.ResponseWriter, method string) {
	apierrors.WriteJSON(w, apierrors.New(apierrors.KindValidation, fmt.Sprintf("method %s not allowed", method)))
}
