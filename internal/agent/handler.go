package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/ashureev/aj-server/internal/api"
	"github.com/ashureev/aj-server/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// defaultHistoryLimit bounds GET history responses without a limit parameter.
const defaultHistoryLimit = 50

// HandlerConfig configures the chat transport.
type HandlerConfig struct {
	RateLimitRPS       float64
	RateLimitBurst     int
	MaxRequestBodySize int64
}

// Handler exposes the orchestrator over HTTP.
type Handler struct {
	agent       *Service
	rateLimiter *RateLimiter
	maxBody     int64
}

// RateLimiter implements a per-user token bucket.
// The key is userID only so clients cannot bypass throttling by rotating
// conversations.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
	done     chan struct{}
	once     sync.Once
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps sustained requests per key with bursts of burst,
// and starts the background eviction goroutine.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 0.5
	}
	if burst <= 0 {
		burst = 5
	}
	// A limiter idle this long has refilled its bucket.
	idle := time.Duration(float64(burst) / rps * float64(time.Second))
	if idle < time.Minute {
		idle = time.Minute
	}
	rl := &RateLimiter{
		limiters: make(map[string]*userLimiter),
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     idle,
		done:     make(chan struct{}),
	}
	go rl.evict()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ul, ok := r.limiters[key]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = ul
	}
	ul.lastSeen = time.Now()
	return ul.limiter.Allow()
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.once.Do(func() { close(r.done) })
}

// evict drops limiters that have been idle long enough to refill.
func (r *RateLimiter) evict() {
	ticker := time.NewTicker(r.idle)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			cutoff := time.Now().Add(-r.idle)
			for key, ul := range r.limiters {
				if ul.lastSeen.Before(cutoff) {
					delete(r.limiters, key)
				}
			}
			r.mu.Unlock()
		}
	}
}

// NewHandler creates the chat handler.
func NewHandler(svc *Service, cfg HandlerConfig) *Handler {
	maxBody := cfg.MaxRequestBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	return &Handler{
		agent:       svc,
		rateLimiter: NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		maxBody:     maxBody,
	}
}

// RegisterRoutes registers chat routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
	r.Post("/api/chat/approvals", h.HandleApprovals)
	r.Get("/api/conversations/{conversationID}/messages", h.HandleHistory)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	if h.agent != nil {
		if err := h.agent.Close(); err != nil {
			slog.Warn("failed to close conversation logger", "error", err)
		}
	}
}

// HandleChat handles POST /api/chat requests.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.admit(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.agent.Chat(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, resp)
}

// HandleApprovals handles POST /api/chat/approvals requests.
func (h *Handler) HandleApprovals(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.admit(w, r)
	if !ok {
		return
	}

	var req ApprovalRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.agent.Resume(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, resp)
}

// HandleHistory handles GET /api/conversations/{conversationID}/messages.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			api.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			api.Error(w, http.StatusBadRequest, "before must be a positive integer")
			return
		}
		before = n
	}

	msgs, err := h.agent.History(r.Context(), userID, chi.URLParam(r, "conversationID"), limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// admit authenticates and rate-limits a write request.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return "", false
	}
	return userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeError maps orchestrator codes to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "Chat failed. Please try again."

	var agentErr *Error
	if errors.As(err, &agentErr) {
		msg = agentErr.Message
		switch agentErr.Code {
		case CodeInvalidArgument:
			status = http.StatusBadRequest
		case CodeUnauthenticated:
			status = http.StatusUnauthorized
		case CodeFailedPrecondition:
			status = http.StatusConflict
		case CodeUnavailable:
			status = http.StatusServiceUnavailable
		}
	}
	api.JSON(w, status, map[string]string{"error": msg, "code": string(CodeOf(err))})
}
