// Package pipeline implements the persisted-query resolution pipeline.
//
// Per request the pipeline walks ROUTE_CHECK, NORMALIZE, CACHE_LOOKUP and,
// on a miss, EXECUTE then CACHE_POPULATE. Requests off the configured path
// bypass it entirely; requests without a persisted-query id execute without
// ever touching the cache.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/josedab/pqgate/internal/cache"
	"github.com/josedab/pqgate/internal/fingerprint"
	"github.com/josedab/pqgate/internal/httperr"
	"github.com/josedab/pqgate/internal/middleware"
	"github.com/josedab/pqgate/internal/request"
)

// DefaultPath is the route intercepted when none is configured.
const DefaultPath = "/graphql"

// Config configures a Pipeline.
type Config struct {
	// Path is the exact route this pipeline intercepts (default: /graphql).
	// Matching is string equality, no pattern matching.
	Path string
	// Map is the persisted-query map, hash id to full query text. Supplied
	// at configuration time and immutable for the process lifetime; entry
	// validity is the configuring caller's responsibility.
	Map map[string]string
	// Cache is the response cache instance. One is constructed with
	// defaults when nil.
	Cache *cache.Cache
	// Logger for pipeline events.
	Logger *slog.Logger
}

// Pipeline resolves persisted-query requests against its map and serves
// repeated executions from its response cache.
type Pipeline struct {
	path    string
	queries map[string]string
	cache   *cache.Cache
	logger  *slog.Logger
}

// New validates the configuration and builds a pipeline. Validation is
// fail-fast: a malformed configuration is a *httperr.ConfigurationError
// raised here, never deferred to the first request.
func New(cfg Config) (*Pipeline, error) {
	if len(cfg.Map) == 0 {
		return nil, httperr.NewConfiguration("persisted query map is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return nil, httperr.NewConfiguration("path %q must begin with /", cfg.Path)
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(cache.DefaultConfig())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// Copy the map so later caller mutations cannot reach the pipeline.
	queries := make(map[string]string, len(cfg.Map))
	for id, query := range cfg.Map {
		queries[id] = query
	}

	return &Pipeline{
		path:    cfg.Path,
		queries: queries,
		cache:   cfg.Cache,
		logger:  cfg.Logger,
	}, nil
}

// Cache returns the pipeline's response cache.
func (p *Pipeline) Cache() *cache.Cache {
	return p.cache
}

// Middleware returns the middleware-shaped entry point. The next handler
// is the external GraphQL execution layer; it is invoked on cache misses
// and for non-persisted traffic, and never on a hit.
func (p *Pipeline) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// ROUTE_CHECK
			if r.URL.Path != p.path {
				next.ServeHTTP(w, r)
				return
			}

			// NORMALIZE
			carrier := request.NewHTTPCarrier(r, middleware.ParsedBody(r.Context()))
			greq, err := request.Normalize(carrier)
			if err != nil {
				p.writeError(w, r, err)
				return
			}

			// Not a persisted-query request: execute without caching.
			if greq.PersistHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			// CACHE_LOOKUP
			key, err := fingerprint.Compute(greq.PersistHash, greq.Variables)
			if err != nil {
				p.writeError(w, r, httperr.New(http.StatusBadRequest, err.Error()))
				return
			}

			if body, ok := p.cache.Get(key); ok {
				p.logger.Debug("persisted query served from cache",
					"id", greq.PersistHash,
					"fingerprint", key,
				)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "HIT")
				w.Write(body)
				return
			}

			query, ok := p.queries[greq.PersistHash]
			if !ok {
				p.writeError(w, r, httperr.NewGraphQL(http.StatusBadRequest, "persisted query not found"))
				return
			}
			greq.Query = query

			// EXECUTE
			w.Header().Set("X-Cache", "MISS")
			rec := newResponseRecorder(w)
			next.ServeHTTP(rec, p.injectQuery(r, greq))

			// CACHE_POPULATE: only successful JSON/GraphQL results are
			// cached, so error responses, redirects and streamed content
			// never are. Status matters as well as content type: a 502
			// carrying a JSON error envelope must not be replayed as a hit.
			if rec.statusCode >= 200 && rec.statusCode < 300 &&
				isGraphQLContent(rec.Header().Get("Content-Type")) {
				p.cache.Set(key, rec.body.Bytes())
				p.logger.Debug("persisted query response cached",
					"id", greq.PersistHash,
					"fingerprint", key,
					"size", rec.body.Len(),
				)
			}
		})
	}
}

type contextKey string

const resolvedRequestKey contextKey = "resolved_request"

// FromContext returns the resolved GraphQLRequest the pipeline attached on
// a cache miss, or nil for traffic that bypassed resolution.
func FromContext(ctx context.Context) *request.GraphQLRequest {
	if greq, ok := ctx.Value(resolvedRequestKey).(*request.GraphQLRequest); ok {
		return greq
	}
	return nil
}

// injectQuery rewrites the outbound request so the execution layer consumes
// the resolved query text: the normalized request is attached to the
// context and the body is re-marshaled as a standard POST GraphQL payload.
func (p *Pipeline) injectQuery(r *http.Request, greq *request.GraphQLRequest) *http.Request {
	ctx := context.WithValue(r.Context(), resolvedRequestKey, greq)

	payload := map[string]any{"query": greq.Query}
	if greq.OperationName != "" {
		payload["operationName"] = greq.OperationName
	}
	if greq.Variables != nil {
		payload["variables"] = greq.Variables
	}
	if greq.Extensions != nil {
		payload["extensions"] = greq.Extensions
	}
	ctx = middleware.WithParsedBody(ctx, payload)

	body, err := json.Marshal(payload)
	if err != nil {
		// Variables already survived fingerprinting, so the payload is
		// serializable; keep the original body if this ever trips.
		return r.WithContext(ctx)
	}

	out := r.Clone(ctx)
	out.Method = http.MethodPost
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.Header.Set("Content-Type", "application/json")
	return out
}

// writeError translates a per-request error at the HTTP boundary. The
// error itself propagates unmodified from the normalizer or fingerprinter.
func (p *Pipeline) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var qe *httperr.HTTPQueryError
	if !errors.As(err, &qe) {
		qe = httperr.New(http.StatusInternalServerError, "internal error")
	}

	p.logger.Warn("persisted query request rejected",
		"method", r.Method,
		"status", qe.StatusCode,
		"reason", qe.Message,
	)
	qe.Write(w)
}

// isGraphQLContent reports whether a response content type is a
// JSON/GraphQL result.
func isGraphQLContent(contentType string) bool {
	return strings.Contains(contentType, "application/json") ||
		strings.Contains(contentType, "application/graphql-response+json")
}

// responseRecorder captures the executor's response while writing through.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
