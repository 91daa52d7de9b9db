// Package proxy executes GraphQL requests against the upstream server.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/josedab/pqgate/internal/httperr"
	"github.com/josedab/pqgate/internal/metrics"
	"github.com/josedab/pqgate/internal/pipeline"
)

// Config configures an Executor.
type Config struct {
	// Upstream is the GraphQL backend URL.
	Upstream string
	// Client is the HTTP client for upstream requests.
	Client *http.Client
	// Metrics records upstream latency and errors when set.
	Metrics *metrics.Metrics
	// Logger for executor events.
	Logger *slog.Logger
}

// Executor is the terminal handler of the gateway chain: it forwards the
// resolved GraphQL request upstream and relays the response.
type Executor struct {
	upstream string
	client   *http.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates an executor for the given upstream.
func New(cfg Config) (*Executor, error) {
	if cfg.Upstream == "" {
		return nil, httperr.NewConfiguration("upstream URL is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		upstream: cfg.Upstream,
		client:   cfg.Client,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}, nil
}

// ServeHTTP forwards the request upstream as a POST JSON execution. The
// resolved request from the pipeline takes precedence over the raw body, so
// the upstream always receives the full query text.
func (e *Executor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := e.requestBody(r)
	if err != nil {
		httperr.New(http.StatusBadRequest, "failed to read request body").Write(w)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, e.upstream, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("building upstream request failed", "error", err)
		httperr.NewGraphQL(http.StatusBadGateway, "upstream unavailable").Write(w)
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.Header.Set("Accept", "application/json")
	if id := r.Header.Get("X-Request-ID"); id != "" {
		upstreamReq.Header.Set("X-Request-ID", id)
	}

	started := time.Now()
	resp, err := e.client.Do(upstreamReq)
	if e.metrics != nil {
		e.metrics.RecordUpstream(time.Since(started), err)
	}
	if err != nil {
		e.logger.Error("upstream request failed",
			"upstream", e.upstream,
			"error", err,
		)
		httperr.NewGraphQL(http.StatusBadGateway, "upstream unavailable").Write(w)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		e.logger.Warn("relaying upstream response failed", "error", err)
	}
}

// requestBody marshals the pipeline-resolved request when present and
// falls back to the raw body for traffic that bypassed resolution.
func (e *Executor) requestBody(r *http.Request) ([]byte, error) {
	if greq := pipeline.FromContext(r.Context()); greq != nil {
		return json.Marshal(greq)
	}
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
