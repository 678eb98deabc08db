// Package httpapi serves webhook ingress and the operator status surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/tasksync/internal/adapters"
	"github.com/agentworkforce/tasksync/internal/canonical"
	"github.com/agentworkforce/tasksync/internal/engine"
	"github.com/agentworkforce/tasksync/internal/health"
	"github.com/agentworkforce/tasksync/internal/normalizer"
	"github.com/agentworkforce/tasksync/internal/queue"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Webhooks resolves platforms and verifies their signatures.
type Webhooks interface {
	Get(platform string) (adapters.Adapter, bool)
	Verify(platform string, headers http.Header, body []byte) error
}

type Normalizer interface {
	Normalize(platform string, raw adapters.RawPayload) (normalizer.Result, error)
	Forget(platform, sourceEventID string)
	Stats() normalizer.Stats
}

// Ingress is the write side of the inbound queue.
type Ingress interface {
	TryEnqueue(ev canonical.ChangeEvent) error
	Depth() int
	Capacity() int
}

type SyncEngine interface {
	Item(id string) (canonical.TrackedItem, error)
	Pairs(id string) ([]engine.PairStatus, error)
	DeadLetters(platform string, limit int) []canonical.DeadLetter
	ReplayDeadLetter(ctx context.Context, id string) (canonical.DeliveryAttempt, error)
	AckDeadLetter(ctx context.Context, id string) error
	Stats() engine.Stats
	Observe(fn func(engine.Notification)) func()
}

type HealthReporter interface {
	List() []health.PlatformHealth
	ProbeAll(ctx context.Context) map[string]health.PlatformHealth
}

type Deps struct {
	Webhooks   Webhooks
	Normalizer Normalizer
	Queue      Ingress
	Engine     SyncEngine
	Health     HealthReporter
}

type ServerConfig struct {
	JWTSecret       string
	JWTAudience     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// QueueRetryAfter is advertised when the inbound queue is full.
	QueueRetryAfter time.Duration
	StreamBuffer    int
	// StreamOrigins lists the host patterns allowed to open /v1/stream from
	// another origin. Empty means same-origin only.
	StreamOrigins []string
	Logger        Logger
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	logger      Logger
	rateLimiter *rateLimiter
	metrics     http.Handler
	draining    atomic.Bool
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

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.JWTAudience == "" {
		cfg.JWTAudience = "tasksync"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.QueueRetryAfter <= 0 {
		cfg.QueueRetryAfter = 5 * time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
		metrics:     promhttp.Handler(),
	}
}

// SetDraining makes webhook ingress answer 503 while the service shuts down.
func (s *Server) SetDraining(draining bool) {
	s.draining.Store(draining)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "webhooks" && r.Method == http.MethodPost {
		s.handleWebhook(w, r, strings.ToLower(parts[2]))
		return
	}
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "status" && parts[2] == "platforms" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "platforms"
	case len(parts) == 3 && parts[1] == "status" && parts[2] == "ingress" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "ingress"
	case len(parts) == 3 && parts[1] == "status" && parts[2] == "probe" && r.Method == http.MethodPost:
		requiredScope = scopeTrigger
		route = "probe"
	case len(parts) == 3 && parts[1] == "items" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "item"
	case len(parts) == 2 && parts[1] == "dead-letters" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "dead_letters"
	case len(parts) == 4 && parts[1] == "dead-letters" && parts[3] == "replay" && r.Method == http.MethodPost:
		requiredScope = scopeTrigger
		route = "dead_letter_replay"
	case len(parts) == 4 && parts[1] == "dead-letters" && parts[3] == "ack" && r.Method == http.MethodPost:
		requiredScope = scopeTrigger
		route = "dead_letter_ack"
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	authHeader := r.Header.Get("Authorization")
	if route == "stream" && authHeader == "" {
		// browsers cannot set headers on a websocket upgrade
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, s.cfg.JWTAudience, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && route != "stream" {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "platforms":
		s.handlePlatforms(w)
	case "ingress":
		s.handleIngress(w)
	case "probe":
		s.handleProbe(w, r)
	case "item":
		s.handleItem(w, parts[2], correlationID)
	case "dead_letters":
		s.handleDeadLetters(w, r)
	case "dead_letter_replay":
		s.handleDeadLetterReplay(w, r, parts[2], correlationID)
	case "dead_letter_ack":
		s.handleDeadLetterAck(w, r, parts[2], correlationID)
	case "stream":
		s.handleStream(w, r, claims)
	}
}

type webhookResponse struct {
	Outcome string `json:"outcome"`
	EventID string `json:"eventId,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, platform string) {
	correlationID := getCorrelationID(r)
	if _, ok := s.deps.Webhooks.Get(platform); !ok {
		recordWebhookResponse("unknown", "unknown_platform")
		writeError(w, http.StatusNotFound, "not_found", "unknown platform: "+platform, correlationID)
		return
	}
	if s.draining.Load() {
		recordWebhookResponse(platform, "draining")
		s.writeUnavailable(w, "service is shutting down", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		recordWebhookResponse(platform, "body_rejected")
		return
	}
	if err := s.deps.Webhooks.Verify(platform, r.Header, body); err != nil {
		s.logger.Printf("httpapi: %s webhook failed verification: %v", platform, err)
		recordWebhookResponse(platform, "unauthorized")
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook signature", correlationID)
		return
	}

	result, err := s.deps.Normalizer.Normalize(platform, adapters.RawPayload{
		Headers:    r.Header.Clone(),
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		recordWebhookResponse("unknown", "unknown_platform")
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	resp := webhookResponse{Outcome: string(result.Outcome)}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	if result.Outcome != normalizer.Accepted || result.Event == nil {
		recordWebhookResponse(platform, string(result.Outcome))
		writeJSON(w, http.StatusOK, resp)
		return
	}

	event := *result.Event
	resp.EventID = event.SourceEventID
	if err := s.deps.Queue.TryEnqueue(event); err != nil {
		// the sender will redeliver, so the event must not count as seen
		s.deps.Normalizer.Forget(platform, event.SourceEventID)
		if errors.Is(err, queue.ErrQueueFull) {
			recordWebhookResponse(platform, "queue_full")
			s.writeUnavailable(w, "inbound queue is full", correlationID)
			return
		}
		s.logger.Printf("httpapi: enqueue %s event %s failed: %v", platform, event.SourceEventID, err)
		recordWebhookResponse(platform, "enqueue_failed")
		s.writeUnavailable(w, "inbound queue unavailable", correlationID)
		return
	}
	recordWebhookResponse(platform, string(result.Outcome))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeUnavailable(w http.ResponseWriter, message, correlationID string) {
	retryAfter := int(math.Ceil(s.cfg.QueueRetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusServiceUnavailable, "unavailable", message, correlationID)
}

func (s *Server) handlePlatforms(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"platforms": s.deps.Health.List()})
}

type ingressStatus struct {
	Normalizer normalizer.Stats `json:"normalizer"`
	Queue      queueStatus      `json:"queue"`
	Engine     engine.Stats     `json:"engine"`
}

type queueStatus struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

func (s *Server) handleIngress(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, ingressStatus{
		Normalizer: s.deps.Normalizer.Stats(),
		Queue:      queueStatus{Depth: s.deps.Queue.Depth(), Capacity: s.deps.Queue.Capacity()},
		Engine:     s.deps.Engine.Stats(),
	})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	s.deps.Health.ProbeAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"platforms": s.deps.Health.List()})
}

func (s *Server) handleItem(w http.ResponseWriter, itemID, correlationID string) {
	item, err := s.deps.Engine.Item(itemID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	pairs, err := s.deps.Engine.Pairs(itemID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item, "pairs": pairs})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parseBoundedInt(query.Get("limit"), 100, 1, 1000)
	letters := s.deps.Engine.DeadLetters(query.Get("platform"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters})
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	attempt, err := s.deps.Engine.ReplayDeadLetter(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	if attempt.ID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "in_sync"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "queued", "attempt": attempt})
}

func (s *Server) handleDeadLetterAck(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if err := s.deps.Engine.AckDeadLetter(r.Context(), id); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "acknowledged"})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	if errors.Is(err, engine.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	s.logger.Printf("httpapi: request failed: %v", err)
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	if correlationID != "" {
		w.Header().Set("X-Correlation-Id", correlationID)
	}
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
