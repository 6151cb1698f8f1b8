package httpapi

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/ordersync/internal/ordersync"
)

const (
	webhookIDHeader     = "X-Shopify-Webhook-Id"
	webhookTopicHeader  = "X-Shopify-Topic"
	correlationIDHeader = "X-Correlation-Id"

	syncWriteTimeout = 5 * time.Second
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// OriginPatterns are the browser origins allowed to open /sync.
	// Requests from the serving host and non-browser clients are always
	// accepted.
	OriginPatterns []string
	// AdminJWTSecret protects the /admin routes with HS256 bearer tokens
	// carrying the admin:read scope.
	AdminJWTSecret string
	Logger         *zap.Logger
}

type Server struct {
	engine      *ordersync.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zap.Logger
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

func NewServer(engine *ordersync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *ordersync.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
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
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationIDHeader, correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.engine.Metrics().Handler().ServeHTTP(w, r)
		return
	case r.URL.Path == "/admin/backends" && r.Method == http.MethodGet:
		if !s.authorizeAdmin(w, r, correlationID) {
			return
		}
		writeJSON(w, http.StatusOK, s.engine.BackendStatus())
		return
	case r.URL.Path == "/admin/dead-letters" && r.Method == http.MethodGet:
		if !s.authorizeAdmin(w, r, correlationID) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": s.engine.DeadLetters()})
		return
	case r.URL.Path == "/webhooks/shopify" && r.Method == http.MethodPost:
		if !s.allow(w, r, correlationID) {
			return
		}
		s.handleWebhook(w, r, correlationID)
		return
	case r.URL.Path == "/sync" && r.Method == http.MethodGet:
		s.handleSync(w, r, correlationID)
		return
	case r.URL.Path == "/orders" && r.Method == http.MethodGet:
		s.handleListOrders(w, r, correlationID)
		return
	case r.URL.Path == "/orders/cursor" && r.Method == http.MethodGet:
		s.handleListOrdersCursor(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 2 && parts[0] == "orders" && parts[1] != "" && r.Method == http.MethodGet {
		s.handleGetOrder(w, r, parts[1], correlationID)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
}

func (s *Server) authorizeAdmin(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if s.cfg.AdminJWTSecret == "" {
		return true
	}
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AdminJWTSecret, adminReadScope, time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return false
	}
	return true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	result, err := s.engine.Ingest(r.Context(), r.Header.Get(webhookIDHeader), r.Header.Get(webhookTopicHeader), body)
	if err != nil {
		switch {
		case errors.Is(err, ordersync.ErrMalformedPayload):
			writeError(w, http.StatusBadRequest, "malformed_payload", err.Error(), correlationID)
		case errors.Is(err, ordersync.ErrEnqueueFailed):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "enqueue_failed", "webhook could not be queued", correlationID)
		default:
			s.logger.Error("webhook ingest failed", zap.String("correlation_id", correlationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	skip, err := parseOptionalBoundedInt(query.Get("skip"), 0, 0, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid skip", correlationID)
		return
	}
	take, err := parseOptionalBoundedInt(query.Get("take"), ordersync.DefaultPageSize, 1, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid take", correlationID)
		return
	}
	sortBy, err := ordersync.ParseSortField(query.Get("sortBy"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid sortBy", correlationID)
		return
	}
	sortOrder, err := ordersync.ParseSortOrder(query.Get("sortOrder"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid sortOrder", correlationID)
		return
	}
	page, err := s.engine.ListOffset(r.Context(), ordersync.OffsetQuery{
		Skip:      skip,
		Take:      take,
		SortBy:    sortBy,
		SortOrder: sortOrder,
	})
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleListOrdersCursor(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	limit, err := parseOptionalBoundedInt(query.Get("limit"), ordersync.DefaultPageSize, 1, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	// An unescaped '+' in the cursor arrives as a space.
	cursor := strings.ReplaceAll(query.Get("cursor"), " ", "+")
	page, err := s.engine.ListCursor(r.Context(), cursor, limit)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request, orderID, correlationID string) {
	order, err := s.engine.GetOrder(r.Context(), orderID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ordersync.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "invalid_cursor", err.Error(), correlationID)
	case errors.Is(err, ordersync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, ordersync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

// handleSync streams ORDER_SYNCED frames and applies UPDATE_ORDER frames. A
// single goroutine writes to the connection.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.String("correlation_id", correlationID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	conn.SetReadLimit(s.cfg.MaxBodyBytes)
	log := s.logger.With(zap.String("correlation_id", correlationID))

	sub := s.engine.Subscribe(ordersync.DefaultSubscriberBuffer)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	replies := make(chan []byte, 16)
	go func() {
		defer cancel()
		s.readSyncFrames(ctx, conn, replies, log)
	}()
	log.Debug("sync client connected")

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			log.Debug("sync client disconnected")
			return
		case event, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			frame, err := ordersync.EncodeSyncMessage(ordersync.MessageOrderSynced, event)
			if err != nil {
				log.Error("encode sync event", zap.Error(err))
				continue
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				log.Debug("sync write failed", zap.Error(err))
				return
			}
		case frame := <-replies:
			if err := writeFrame(ctx, conn, frame); err != nil {
				log.Debug("sync write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) readSyncFrames(ctx context.Context, conn *websocket.Conn, replies chan<- []byte, log *zap.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				log.Debug("sync read ended", zap.Error(err))
			}
			return
		}
		msg, err := ordersync.DecodeSyncMessage(data)
		if err != nil {
			log.Debug("ignoring undecodable frame", zap.Error(err))
			continue
		}
		if msg.Type != ordersync.MessageUpdateOrder {
			log.Debug("ignoring frame", zap.String("type", msg.Type))
			continue
		}
		reply, ok := s.applyUpdate(ctx, msg.Payload, log)
		if !ok {
			continue
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

// applyUpdate returns an UPDATE_REJECTED frame when the edit was not stored.
// Stored edits reach the sender through the broadcast.
func (s *Server) applyUpdate(ctx context.Context, payload []byte, log *zap.Logger) ([]byte, bool) {
	req, err := ordersync.DecodeEditRequest(payload)
	var current ordersync.Order
	if err == nil {
		current, err = s.engine.ApplyEdit(ctx, req)
	}
	if err == nil {
		return nil, false
	}
	rejection := ordersync.RejectionFor(req, current, err)
	if rejection.Reason == ordersync.RejectInternal {
		log.Error("apply update", zap.String("order_id", req.OrderID), zap.Error(err))
	}
	frame, encodeErr := ordersync.EncodeSyncMessage(ordersync.MessageUpdateRejected, rejection)
	if encodeErr != nil {
		log.Error("encode rejection", zap.Error(encodeErr))
		return nil, false
	}
	return frame, true
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, syncWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

// getCorrelationID echoes the caller's id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationIDHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, errors.New("out of range")
	}
	return parsed, nil
}
