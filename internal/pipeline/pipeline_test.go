package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/josedab/pqgate/internal/httperr"
	"github.com/josedab/pqgate/internal/middleware"
)

const testQueryID = "abc123"

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Map: map[string]string{testQueryID: "query Hero { hero { name } }"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { p.Cache().Close() })
	return p
}

// persistedPOST builds a POST to /graphql whose JSON payload is already
// parsed onto the context, the way the body-parsing middleware leaves it.
func persistedPOST(payload map[string]any) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	return req.WithContext(middleware.WithParsedBody(req.Context(), payload))
}

func jsonExecutor(t *testing.T, calls *int, response string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(response))
	})
}

func TestNewRequiresQueryMap(t *testing.T) {
	for _, m := range []map[string]string{nil, {}} {
		_, err := New(Config{Map: m})
		var ce *httperr.ConfigurationError
		if !errors.As(err, &ce) {
			t.Fatalf("New(map=%v) error = %v, want ConfigurationError", m, err)
		}
	}
}

func TestNewRejectsRelativePath(t *testing.T) {
	_, err := New(Config{
		Path: "graphql",
		Map:  map[string]string{testQueryID: "query { a }"},
	})
	var ce *httperr.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("New() error = %v, want ConfigurationError", err)
	}
}

func TestMiddlewareBypassesOtherRoutes(t *testing.T) {
	p := newTestPipeline(t)

	calls := 0
	h := p.Middleware()(jsonExecutor(t, &calls, `{}`))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

	if calls != 1 {
		t.Errorf("executor calls = %d, want 1", calls)
	}
	if got := rec.Header().Get("X-Cache"); got != "" {
		t.Errorf("X-Cache = %q, want unset on bypassed route", got)
	}
}

func TestMiddlewareNonPersistedSkipsCache(t *testing.T) {
	p := newTestPipeline(t)

	calls := 0
	h := p.Middleware()(jsonExecutor(t, &calls, `{"data":{}}`))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, persistedPOST(map[string]any{"query": "{ hero { name } }"}))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	}

	if calls != 2 {
		t.Errorf("executor calls = %d, want 2 (no caching without an id)", calls)
	}
	if n := p.Cache().Len(); n != 0 {
		t.Errorf("cache size = %d, want 0", n)
	}
}

func TestMiddlewareMissThenHit(t *testing.T) {
	p := newTestPipeline(t)

	const response = `{"data":{"hero":{"name":"R2-D2"}}}`
	calls := 0
	h := p.Middleware()(jsonExecutor(t, &calls, response))

	payload := map[string]any{
		"id":        testQueryID,
		"variables": map[string]any{"episode": "JEDI"},
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, persistedPOST(payload))
	if got := rec.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("first X-Cache = %q, want MISS", got)
	}
	if calls != 1 {
		t.Fatalf("executor calls = %d, want 1", calls)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, persistedPOST(payload))
	if got := rec.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", got)
	}
	if calls != 1 {
		t.Errorf("executor calls = %d, want 1 (hit must not execute)", calls)
	}
	if rec.Body.String() != response {
		t.Errorf("cached body = %q, want %q", rec.Body.String(), response)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
}

func TestMiddlewareDistinctVariablesMiss(t *testing.T) {
	p := newTestPipeline(t)

	calls := 0
	h := p.Middleware()(jsonExecutor(t, &calls, `{"data":{}}`))

	h.ServeHTTP(httptest.NewRecorder(), persistedPOST(map[string]any{
		"id": testQueryID, "variables": map[string]any{"episode": "JEDI"},
	}))
	h.ServeHTTP(httptest.NewRecorder(), persistedPOST(map[string]any{
		"id": testQueryID, "variables": map[string]any{"episode": "EMPIRE"},
	}))

	if calls != 2 {
		t.Errorf("executor calls = %d, want 2 for distinct variables", calls)
	}
}

func TestMiddlewareInjectsResolvedQuery(t *testing.T) {
	p := newTestPipeline(t)

	var gotContext, gotBody string
	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if greq := FromContext(r.Context()); greq != nil {
			gotContext = greq.Query
		}
		data, _ := io.ReadAll(r.Body)
		var payload map[string]any
		json.Unmarshal(data, &payload)
		gotBody, _ = payload["query"].(string)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))

	h.ServeHTTP(httptest.NewRecorder(), persistedPOST(map[string]any{"id": testQueryID}))

	want := "query Hero { hero { name } }"
	if gotContext != want {
		t.Errorf("context query = %q, want %q", gotContext, want)
	}
	if gotBody != want {
		t.Errorf("body query = %q, want %q", gotBody, want)
	}
}

func TestMiddlewareUnknownIDRejected(t *testing.T) {
	p := newTestPipeline(t)

	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("executor must not run for an unknown persisted id")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, persistedPOST(map[string]any{"id": "deadbeef"}))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"errors"`) {
		t.Errorf("body = %q, want GraphQL errors envelope", rec.Body.String())
	}
}

func TestMiddlewareMalformedExtensionsRejected(t *testing.T) {
	p := newTestPipeline(t)

	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("executor must not run for a malformed payload")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, persistedPOST(map[string]any{
		"id":         testQueryID,
		"extensions": "{not json",
	}))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMiddlewareMethodNotAllowed(t *testing.T) {
	p := newTestPipeline(t)

	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("executor must not run for an unsupported method")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/graphql", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, POST" {
		t.Errorf("Allow = %q, want GET, POST", got)
	}
}

func TestMiddlewareEmptyPOSTBodyIsServerError(t *testing.T) {
	p := newTestPipeline(t)
	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/graphql", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMiddlewareGETQueryString(t *testing.T) {
	p := newTestPipeline(t)

	calls := 0
	h := p.Middleware()(jsonExecutor(t, &calls, `{"data":{}}`))

	target := "/graphql?id=" + testQueryID
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	if calls != 1 {
		t.Errorf("executor calls = %d, want 1", calls)
	}
	if got := rec.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("X-Cache = %q, want HIT", got)
	}
}

func TestMiddlewareNonJSONResponseNotCached(t *testing.T) {
	p := newTestPipeline(t)

	calls := 0
	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))

	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), persistedPOST(map[string]any{"id": testQueryID}))
	}

	if calls != 2 {
		t.Errorf("executor calls = %d, want 2 (non-JSON must not cache)", calls)
	}
	if n := p.Cache().Len(); n != 0 {
		t.Errorf("cache size = %d, want 0", n)
	}
}

func TestMiddlewareJSONErrorResponseNotCached(t *testing.T) {
	p := newTestPipeline(t)

	// An unreachable upstream answers 502 with a JSON error envelope; the
	// outage must not be served as a 200 hit once the upstream recovers.
	calls := 0
	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"errors":[{"message":"upstream unavailable"}]}`))
			return
		}
		w.Write([]byte(`{"data":{"hero":{"name":"R2-D2"}}}`))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, persistedPOST(map[string]any{"id": testQueryID}))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("first status = %d, want 502", rec.Code)
	}
	if n := p.Cache().Len(); n != 0 {
		t.Fatalf("cache size = %d, want 0 after error response", n)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, persistedPOST(map[string]any{"id": testQueryID}))
	if rec.Code != http.StatusOK {
		t.Errorf("second status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("second X-Cache = %q, want MISS", got)
	}
	if calls != 2 {
		t.Errorf("executor calls = %d, want 2", calls)
	}
	if strings.Contains(rec.Body.String(), `"errors"`) {
		t.Errorf("body = %q, want the recovered response", rec.Body.String())
	}
}

func TestMiddlewareCachesGraphQLResponseContentType(t *testing.T) {
	p := newTestPipeline(t)

	calls := 0
	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/graphql-response+json")
		w.Write([]byte(`{"data":{}}`))
	}))

	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), persistedPOST(map[string]any{"id": testQueryID}))
	}

	if calls != 1 {
		t.Errorf("executor calls = %d, want 1", calls)
	}
}
