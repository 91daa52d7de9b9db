package request

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/josedab/pqgate/internal/httperr"
)

// fakeCarrier satisfies Carrier directly in tests.
type fakeCarrier struct {
	method string
	path   string
	body   map[string]any
	query  map[string]any
}

func (c *fakeCarrier) Method() string       { return c.method }
func (c *fakeCarrier) Path() string         { return c.path }
func (c *fakeCarrier) Body() map[string]any { return c.body }
func (c *fakeCarrier) Query() map[string]any {
	return c.query
}

func queryErr(t *testing.T, err error) *httperr.HTTPQueryError {
	t.Helper()
	var qe *httperr.HTTPQueryError
	if !errors.As(err, &qe) {
		t.Fatalf("expected HTTPQueryError, got %T: %v", err, err)
	}
	return qe
}

func TestNormalizePost(t *testing.T) {
	req, err := Normalize(&fakeCarrier{
		method: http.MethodPost,
		body: map[string]any{
			"query":         "{ hello }",
			"operationName": "Hello",
			"variables":     map[string]any{"x": float64(1)},
			"id":            "abc123",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if req.Query != "{ hello }" {
		t.Errorf("unexpected query: %q", req.Query)
	}
	if req.OperationName != "Hello" {
		t.Errorf("unexpected operation name: %q", req.OperationName)
	}
	if req.Variables["x"] != float64(1) {
		t.Errorf("unexpected variables: %v", req.Variables)
	}
	if req.PersistHash != "abc123" {
		t.Errorf("unexpected persist hash: %q", req.PersistHash)
	}
}

func TestNormalizeMethodValidation(t *testing.T) {
	tests := []struct {
		name       string
		carrier    *fakeCarrier
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "POST without body",
			carrier:    &fakeCarrier{method: http.MethodPost},
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "POST body missing",
		},
		{
			name:       "GET without query",
			carrier:    &fakeCarrier{method: http.MethodGet},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "GET query missing",
		},
		{
			name:       "PUT rejected",
			carrier:    &fakeCarrier{method: http.MethodPut, body: map[string]any{"id": "x"}},
			wantStatus: http.StatusMethodNotAllowed,
			wantMsg:    "only GET/POST supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.carrier)
			qe := queryErr(t, err)
			if qe.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", qe.StatusCode, tt.wantStatus)
			}
			if qe.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", qe.Message, tt.wantMsg)
			}
		})
	}
}

func TestNormalizeMethodNotAllowedCarriesAllowHeader(t *testing.T) {
	_, err := Normalize(&fakeCarrier{method: http.MethodPut, body: map[string]any{"id": "x"}})
	qe := queryErr(t, err)
	if got := qe.Headers.Get("Allow"); got != "GET, POST" {
		t.Errorf("Allow header = %q, want %q", got, "GET, POST")
	}
}

func TestNormalizeQueryValidation(t *testing.T) {
	// Non-string query value.
	_, err := Normalize(&fakeCarrier{
		method: http.MethodPost,
		body:   map[string]any{"query": float64(42)},
	})
	qe := queryErr(t, err)
	if qe.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", qe.StatusCode)
	}

	// A parsed AST document gets the specific stringify hint.
	_, err = Normalize(&fakeCarrier{
		method: http.MethodPost,
		body:   map[string]any{"query": map[string]any{"kind": "Document"}},
	})
	qe = queryErr(t, err)
	if !strings.Contains(qe.Message, "stringify") {
		t.Errorf("expected stringify hint for AST query, got %q", qe.Message)
	}
}

func TestNormalizeExtensionsAndVariables(t *testing.T) {
	// Strings are parsed as JSON.
	req, err := Normalize(&fakeCarrier{
		method: http.MethodPost,
		body: map[string]any{
			"id":         "abc123",
			"extensions": `{"trace":true}`,
			"variables":  `{"x":1}`,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Extensions["trace"] != true {
		t.Errorf("unexpected extensions: %v", req.Extensions)
	}
	if req.Variables["x"] != float64(1) {
		t.Errorf("unexpected variables: %v", req.Variables)
	}

	// Malformed extensions JSON.
	_, err = Normalize(&fakeCarrier{
		method: http.MethodPost,
		body:   map[string]any{"id": "abc123", "extensions": "{not json"},
	})
	qe := queryErr(t, err)
	if qe.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", qe.StatusCode)
	}
	if !strings.Contains(qe.Message, "Extensions are invalid JSON") {
		t.Errorf("message = %q, want extensions JSON error", qe.Message)
	}

	// Malformed variables JSON.
	_, err = Normalize(&fakeCarrier{
		method: http.MethodPost,
		body:   map[string]any{"id": "abc123", "variables": "{not json"},
	})
	qe = queryErr(t, err)
	if !strings.Contains(qe.Message, "Variables are invalid JSON") {
		t.Errorf("message = %q, want variables JSON error", qe.Message)
	}
}

func TestNormalizeAbsentPersistHash(t *testing.T) {
	req, err := Normalize(&fakeCarrier{
		method: http.MethodPost,
		body:   map[string]any{"query": "{ hello }"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.PersistHash != "" {
		t.Errorf("expected empty persist hash, got %q", req.PersistHash)
	}
}

func TestHTTPCarrierGet(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/graphql?id=abc123&variables=%7B%22x%22%3A1%7D", nil)
	c := NewHTTPCarrier(r, nil)

	req, err := Normalize(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.PersistHash != "abc123" {
		t.Errorf("unexpected persist hash: %q", req.PersistHash)
	}
	if req.Variables["x"] != float64(1) {
		t.Errorf("unexpected variables: %v", req.Variables)
	}
}

func TestHTTPCarrierEmptyGet(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/graphql", nil)
	_, err := Normalize(NewHTTPCarrier(r, nil))
	qe := queryErr(t, err)
	if qe.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", qe.StatusCode)
	}
}
