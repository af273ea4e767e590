package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"welfare-agent/internal/observability"
	"welfare-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// statusWriter records the response status for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// requestContext reuses the caller's correlation id or mints one, echoes it
// back and logs one line per request.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		ctx := observability.WithRequestID(r.Context(), id)

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(ctx))

		observability.LoggerFromContext(ctx).InfoContext(ctx, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				observability.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "panic serving request", "panic", v)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Reason: "panic"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit admits writes (POST) and reads (everything else) against their
// own limiters, keyed by client address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		category, limiter := "read", s.readLimiter
		if r.Method == http.MethodPost {
			category, limiter = "write", s.writeLimiter
		}
		if limiter != nil && !limiter.Allow(clientIP(r, s.cfg.TrustProxy)) {
			if s.rateRecorder != nil {
				s.rateRecorder.ObserveRateLimited(category)
			}
			if s.cfg.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RetryAfter.Seconds())))
			}
			writeError(r.Context(), w, &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "too_many_requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the first X-Forwarded-For hop when proxies are trusted,
// otherwise the host part of RemoteAddr.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
