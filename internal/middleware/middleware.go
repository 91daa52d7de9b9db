// Package middleware provides the ambient HTTP middleware for the gateway.
package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Chain applies middlewares around h, first middleware outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery recovers from panics, logging the stack and answering 500.
func Recovery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					slog.Error("panic recovered",
						"error", err,
						"method", r.Method,
						"path", r.URL.Path,
						"remote_addr", r.RemoteAddr,
						"stack", string(debug.Stack()),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID propagates or assigns an X-Request-ID on every request.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r)
		})
	}
}

type contextKey string

const parsedBodyKey contextKey = "parsed_body"

// DefaultMaxBodySize bounds how much of a request body is parsed (1MB).
const DefaultMaxBodySize = 1 << 20

// ParseJSONBody parses JSON POST bodies onto the request context, where
// downstream handlers read them via ParsedBody. Non-POST requests and
// non-JSON content types pass through untouched; a malformed JSON body is
// a client error.
func ParseJSONBody(maxSize int64) func(http.Handler) http.Handler {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
				next.ServeHTTP(w, r)
				return
			}

			data, err := io.ReadAll(io.LimitReader(r.Body, maxSize))
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			r.Body.Close()

			var payload map[string]any
			if len(data) > 0 {
				if err := json.Unmarshal(data, &payload); err != nil {
					http.Error(w, "invalid JSON body", http.StatusBadRequest)
					return
				}
			}

			ctx := context.WithValue(r.Context(), parsedBodyKey, payload)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParsedBody returns the JSON payload stored by ParseJSONBody, or nil when
// the parsing step did not run for this request.
func ParsedBody(ctx context.Context) map[string]any {
	if payload, ok := ctx.Value(parsedBodyKey).(map[string]any); ok {
		return payload
	}
	return nil
}

// WithParsedBody stores a pre-parsed payload on the context. Exposed for
// hosts that run their own body parsing.
func WithParsedBody(ctx context.Context, payload map[string]any) context.Context {
	return context.WithValue(ctx, parsedBodyKey, payload)
}

// accessLogWriter captures status and size for logging.
type accessLogWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (w *accessLogWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *accessLogWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// AccessLog logs each request with a level matching its response status.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lw := &accessLogWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(lw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", lw.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int("size", lw.size),
				slog.String("remote_addr", r.RemoteAddr),
			}

			switch {
			case lw.statusCode >= 500:
				logger.LogAttrs(r.Context(), slog.LevelError, "request completed", attrs...)
			case lw.statusCode >= 400:
				logger.LogAttrs(r.Context(), slog.LevelWarn, "request completed", attrs...)
			default:
				logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
			}
		})
	}
}
