// Package httpapi exposes the coordinator over HTTP: the Tier-2
// request/response surface, the Tier-1 websocket endpoint and a few
// operational routes.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/quicktab/tabsync/internal/tabsync"
)

// mutationSchema validates mutation bodies before they reach the
// coordinator, so malformed input is rejected at the edge with a
// field-level message instead of a decode error.
const mutationSchema = `{
	"type": "object",
	"required": ["kind", "contextId"],
	"additionalProperties": false,
	"properties": {
		"kind": {"enum": ["create", "update", "delete"]},
		"recordId": {"type": "string"},
		"contextId": {"type": "string", "minLength": 1},
		"correlationId": {"type": "string"},
		"fields": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"title": {"type": "string", "maxLength": 1024},
				"url": {"type": "string", "maxLength": 4096},
				"x": {"type": "integer"},
				"y": {"type": "integer"},
				"width": {"type": "integer", "minimum": 0},
				"height": {"type": "integer", "minimum": 0},
				"visible": {"type": "boolean"},
				"pinned": {"type": "boolean"}
			}
		}
	}
}`

type ServerConfig struct {
	// AuthToken protects every /v1 route when set. Empty disables auth,
	// for same-host development setups.
	AuthToken       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          tabsync.Logger
}

type Server struct {
	coord  *tabsync.Coordinator
	tabdir *tabsync.StaticTabDirectory
	hub    *Hub
	cfg    ServerConfig
	router *mux.Router
	schema *jsonschema.Schema

	rateLimiter     *rateLimiter
	cancelBroadcast func()
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(coord *tabsync.Coordinator, tabdir *tabsync.StaticTabDirectory, cfg ServerConfig) (*Server, error) {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(mutationSchema))
	if err != nil {
		return nil, err
	}
	if err := compiler.AddResource("mutation.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("mutation.json")
	if err != nil {
		return nil, err
	}

	s := &Server{
		coord:  coord,
		tabdir: tabdir,
		hub:    NewHub(coord, tabdir, cfg.Logger),
		cfg:    cfg,
		schema: schema,
	}
	if cfg.RateLimitMax > 0 {
		s.rateLimiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s.cancelBroadcast = coord.SubscribeBroadcast(s.hub.Broadcast)

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware, s.rateLimitMiddleware)
	v1.HandleFunc("/sync/state", s.handleState).Methods(http.MethodGet)
	v1.HandleFunc("/sync/mutations", s.handleMutation).Methods(http.MethodPost)
	v1.HandleFunc("/sync/ws", s.hub.HandleUpgrade).Methods(http.MethodGet)
	v1.HandleFunc("/sync/contexts", s.handleContexts).Methods(http.MethodGet)
	v1.HandleFunc("/contexts/{contextId}", s.handleContextRemove).Methods(http.MethodDelete)
	s.router = r
	return s, nil
}

// Close detaches the server from the coordinator's broadcast stream and
// drops connected websocket clients.
func (s *Server) Close() {
	if s.cancelBroadcast != nil {
		s.cancelBroadcast()
	}
	s.hub.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"revisionRejections": s.coord.RevisionRejections(),
		"connectedClients":   s.hub.ClientCount(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coord.HandleQuery(r.Context(), r.URL.Query().Get("contextId"))
	if err != nil {
		if errors.Is(err, tabsync.ErrStorageCorruption) {
			writeError(w, http.StatusServiceUnavailable, "storage_corruption", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
		return
	}
	raw, err := jsonschema.UnmarshalJSON(bytes.NewReader(buf.Bytes()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := s.schema.Validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_mutation", err.Error())
		return
	}
	var req tabsync.MutationRequest
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	result := s.coord.HandleMutation(r.Context(), req)
	writeJSON(w, statusForResult(result.Status), result)
}

func (s *Server) handleContexts(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.coord.Contexts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contexts":  summaries,
		"connected": s.hub.ConnectedContexts(),
	})
}

// handleContextRemove declares a context gone. The coordinator releases
// its ownership so surviving contexts can clean up orphaned records.
func (s *Server) handleContextRemove(w http.ResponseWriter, r *http.Request) {
	contextID := mux.Vars(r)["contextId"]
	if contextID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "context id is required")
		return
	}
	if s.tabdir != nil {
		s.tabdir.Remove(contextID)
	} else {
		s.coord.HandleContextRemoved(contextID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "contextId": contextID})
}

func statusForResult(status tabsync.MutationStatus) int {
	switch status {
	case tabsync.MutationApplied:
		return http.StatusOK
	case tabsync.MutationRejectedNotOwner:
		return http.StatusForbidden
	case tabsync.MutationRejectedStale:
		return http.StatusConflict
	case tabsync.MutationValidationFailure:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func clientKey(r *http.Request) string {
	if host := r.Header.Get("X-Forwarded-For"); host != "" {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
