// Package coalesce deduplicates concurrent identical query executions.
//
// The response cache already absorbs repeats over time; coalescing is the
// opt-in layer for the burst case, where identical requests arrive while
// the first execution is still in flight. Without it each concurrent
// request executes independently and last-write-wins on the cache.
package coalesce

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Result is a captured response shared across a flight's waiters.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// flight is one in-progress execution plus everyone waiting on it.
type flight struct {
	done    chan struct{}
	result  *Result
	err     error
	waiters int
}

// Config configures a Coalescer.
type Config struct {
	// MaxWaiters bounds how many requests may pile onto one flight
	// (default: 100). Overflow requests execute independently.
	MaxWaiters int
	// Timeout bounds how long a waiter blocks on a flight (default: 30s).
	Timeout time.Duration
	// Logger for flight events.
	Logger *slog.Logger
}

// DefaultConfig returns the default coalescer configuration.
func DefaultConfig() Config {
	return Config{
		MaxWaiters: 100,
		Timeout:    30 * time.Second,
	}
}

// Coalescer tracks in-flight executions by key.
type Coalescer struct {
	mu      sync.Mutex
	flights map[string]*flight

	config Config
	logger *slog.Logger

	total  atomic.Int64
	shared atomic.Int64
}

// New creates a coalescer.
func New(cfg Config) *Coalescer {
	def := DefaultConfig()
	if cfg.MaxWaiters <= 0 {
		cfg.MaxWaiters = def.MaxWaiters
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coalescer{
		flights: make(map[string]*flight),
		config:  cfg,
		logger:  cfg.Logger,
	}
}

// Do runs fn once per key per flight. Callers arriving while a flight is
// active wait for its result; the returned bool reports whether this call
// shared another caller's execution.
func (c *Coalescer) Do(ctx context.Context, key string, fn func() (*Result, error)) (*Result, bool, error) {
	c.total.Add(1)

	c.mu.Lock()
	if fl, ok := c.flights[key]; ok && fl.waiters < c.config.MaxWaiters {
		fl.waiters++
		c.mu.Unlock()
		c.shared.Add(1)

		timer := time.NewTimer(c.config.Timeout)
		defer timer.Stop()
		select {
		case <-fl.done:
			return fl.result, true, fl.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		case <-timer.C:
			return nil, true, fmt.Errorf("coalesce: timed out waiting for flight %s", key)
		}
	}

	fl := &flight{done: make(chan struct{}), waiters: 1}
	c.flights[key] = fl
	c.mu.Unlock()

	started := time.Now()
	fl.result, fl.err = fn()
	close(fl.done)

	c.mu.Lock()
	delete(c.flights, key)
	c.mu.Unlock()

	if fl.waiters > 1 {
		c.logger.Debug("coalesced flight completed",
			"key", key,
			"waiters", fl.waiters,
			"duration", time.Since(started),
		)
	}
	return fl.result, false, fl.err
}

// Stats is a point-in-time snapshot of coalescer activity.
type Stats struct {
	Total   int64 `json:"total_requests"`
	Shared  int64 `json:"shared_requests"`
	Flights int   `json:"active_flights"`
}

// Stats returns current coalescer statistics.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	flights := len(c.flights)
	c.mu.Unlock()
	return Stats{
		Total:   c.total.Load(),
		Shared:  c.shared.Load(),
		Flights: flights,
	}
}

// KeyFunc derives a coalescing key from a request. Returning false skips
// coalescing for that request.
type KeyFunc func(*http.Request) (string, bool)

// Middleware coalesces requests sharing a key. The inner handler runs once
// per flight; waiters replay the captured response with X-Coalesced set.
func Middleware(c *Coalescer, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k, ok := key(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			result, shared, err := c.Do(r.Context(), k, func() (*Result, error) {
				capture := newResponseCapture()
				next.ServeHTTP(capture, r)
				return capture.result(), nil
			})
			if err != nil {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			for name, vals := range result.Header {
				for _, v := range vals {
					w.Header().Add(name, v)
				}
			}
			if shared {
				w.Header().Set("X-Coalesced", "true")
			}
			w.WriteHeader(result.StatusCode)
			w.Write(result.Body)
		})
	}
}

// responseCapture buffers a response without writing through, so one
// captured execution can be replayed to every waiter.
type responseCapture struct {
	header     http.Header
	statusCode int
	body       bytes.Buffer
}

func newResponseCapture() *responseCapture {
	return &responseCapture{
		header:     make(http.Header),
		statusCode: http.StatusOK,
	}
}

func (c *responseCapture) Header() http.Header { return c.header }

func (c *responseCapture) WriteHeader(code int) { c.statusCode = code }

func (c *responseCapture) Write(b []byte) (int, error) { return c.body.Write(b) }

func (c *responseCapture) result() *Result {
	return &Result{
		StatusCode: c.statusCode,
		Header:     c.header,
		Body:       c.body.Bytes(),
	}
}
