// Package admin exposes the operational API for the gateway.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/josedab/pqgate/internal/cache"
	"github.com/josedab/pqgate/internal/coalesce"
	"github.com/josedab/pqgate/internal/httperr"
)

// DefaultBcryptCost is the cost factor for hashing admin passwords.
const DefaultBcryptCost = 10

// Config configures the admin handler.
type Config struct {
	// Users maps usernames to bcrypt password hashes. At least one user
	// is required.
	Users map[string]string
	// Realm names the basic-auth realm (default: "pqgate admin").
	Realm string
	// Cache is the response cache the API operates on.
	Cache *cache.Cache
	// Coalescer contributes flight statistics when set.
	Coalescer *coalesce.Coalescer
	// Info is the sanitized configuration summary served at /admin/config.
	Info map[string]any
	// Logger for admin events.
	Logger *slog.Logger
}

// Handler serves the authenticated admin endpoints.
type Handler struct {
	users     map[string]string
	realm     string
	cache     *cache.Cache
	coalescer *coalesce.Coalescer
	info      map[string]any
	logger    *slog.Logger
}

// New creates the admin handler.
func New(cfg Config) (*Handler, error) {
	if len(cfg.Users) == 0 {
		return nil, httperr.NewConfiguration("admin requires at least one user")
	}
	if cfg.Cache == nil {
		return nil, httperr.NewConfiguration("admin requires a cache instance")
	}
	if cfg.Realm == "" {
		cfg.Realm = "pqgate admin"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		users:     cfg.Users,
		realm:     cfg.Realm,
		cache:     cfg.Cache,
		coalescer: cfg.Coalescer,
		info:      cfg.Info,
		logger:    cfg.Logger,
	}, nil
}

// Routes returns the admin mux with basic auth applied, for mounting
// under /admin/.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/cache/stats", h.handleCacheStats)
	mux.HandleFunc("/admin/cache/purge", h.handleCachePurge)
	mux.HandleFunc("/admin/config", h.handleConfig)
	return h.basicAuth(mux)
}

// basicAuth enforces HTTP Basic authentication against the bcrypt user map.
func (h *Handler) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			h.unauthorized(w)
			return
		}

		expectedHash, exists := h.users[username]
		if !exists {
			// Dummy comparison keeps response time uniform for unknown
			// users.
			_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$dummy"), []byte(password))
			h.logger.Warn("admin auth failed", "user", username, "reason", "unknown_user")
			h.unauthorized(w)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(password)); err != nil {
			h.logger.Warn("admin auth failed", "user", username, "reason", "bad_password")
			h.unauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+h.realm+`"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	payload := map[string]any{"cache": h.cache.Stats()}
	if h.coalescer != nil {
		payload["coalesce"] = h.coalescer.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	purged := h.cache.Purge()
	h.logger.Info("cache purged via admin API", "entries", purged)
	writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HashPassword hashes a password for storage in the admin user map.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
