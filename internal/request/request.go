// Package request normalizes inbound GraphQL requests from any host transport.
package request

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/josedab/pqgate/internal/httperr"
)

// Carrier is the capability contract an inbound-request adapter must
// satisfy. It decouples normalization from any specific transport library:
// a host framework exposes its method, path, pre-parsed POST body and
// parsed query-string mapping through this interface.
type Carrier interface {
	Method() string
	Path() string
	// Body returns the already-parsed POST payload, or nil when absent.
	// Parsing the raw body is an external precondition, not done here.
	Body() map[string]any
	// Query returns the parsed query-string mapping, or nil when absent.
	Query() map[string]any
}

// GraphQLRequest is the normalized per-request value object. It is
// constructed fresh for each inbound request and discarded with it.
type GraphQLRequest struct {
	Query         string         `json:"query,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
	// PersistHash is the persisted-query id from the payload's "id" field.
	// Empty means this is not a persisted-query request.
	PersistHash string `json:"-"`
}

// Normalize extracts a GraphQLRequest from the carrier, validating the
// payload shape per HTTP method. Failures are *httperr.HTTPQueryError.
func Normalize(c Carrier) (*GraphQLRequest, error) {
	var payload map[string]any

	switch c.Method() {
	case http.MethodPost:
		payload = c.Body()
		if len(payload) == 0 {
			// A POST with no parsed body means the body-parsing step is
			// missing from the chain, not a client mistake.
			return nil, httperr.New(http.StatusInternalServerError, "POST body missing")
		}
	case http.MethodGet:
		payload = c.Query()
		if len(payload) == 0 {
			return nil, httperr.New(http.StatusBadRequest, "GET query missing")
		}
	default:
		return nil, httperr.New(http.StatusMethodNotAllowed, "only GET/POST supported").
			WithHeader("Allow", "GET, POST")
	}

	req := &GraphQLRequest{}

	if raw, ok := payload["query"]; ok && raw != nil {
		query, err := extractQuery(raw)
		if err != nil {
			return nil, err
		}
		req.Query = query
	}

	extensions, err := extractMapping(payload["extensions"], "Extensions")
	if err != nil {
		return nil, err
	}
	req.Extensions = extensions

	variables, err := extractMapping(payload["variables"], "Variables")
	if err != nil {
		return nil, err
	}
	req.Variables = variables

	if name, ok := payload["operationName"].(string); ok {
		req.OperationName = name
	}
	if id, ok := payload["id"].(string); ok {
		req.PersistHash = id
	}

	return req, nil
}

// extractQuery validates the query value, distinguishing a pre-parsed AST
// document from other malformed values.
func extractQuery(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case map[string]any:
		if kind, ok := v["kind"].(string); ok && kind == "Document" {
			return "", httperr.New(http.StatusBadRequest,
				"query must be a string, not a parsed AST document; stringify the query before sending")
		}
	}
	return "", httperr.New(http.StatusBadRequest, "query must be a string")
}

// extractMapping accepts a mapping directly or parses one from a JSON
// string, as both arrive on the wire depending on the client.
func extractMapping(raw any, field string) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return nil, httperr.New(http.StatusBadRequest, field+" are invalid JSON")
		}
		return parsed, nil
	default:
		return nil, httperr.New(http.StatusBadRequest, field+" must be a JSON object")
	}
}

// httpCarrier adapts *http.Request to the Carrier contract.
type httpCarrier struct {
	r    *http.Request
	body map[string]any
}

// NewHTTPCarrier wraps a net/http request together with its externally
// parsed POST body (nil when the body-parsing step did not run).
func NewHTTPCarrier(r *http.Request, body map[string]any) Carrier {
	return &httpCarrier{r: r, body: body}
}

func (c *httpCarrier) Method() string { return c.r.Method }

func (c *httpCarrier) Path() string { return c.r.URL.Path }

func (c *httpCarrier) Body() map[string]any { return c.body }

func (c *httpCarrier) Query() map[string]any {
	return queryToMapping(c.r.URL.Query())
}

// queryToMapping flattens url.Values to the generic payload shape,
// keeping the first value per key as GraphQL-over-GET clients send one.
func queryToMapping(values url.Values) map[string]any {
	if len(values) == 0 {
		return nil
	}
	m := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) > 0 {
			m[k] = v[0]
		}
	}
	return m
}
