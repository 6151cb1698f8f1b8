package viewsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/ordersync/internal/ordersync"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps 404 and 400 responses onto the engine's sentinels.
func (e *HTTPError) Is(target error) bool {
	switch {
	case target == ordersync.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case target == ordersync.ErrInvalidCursor:
		return e.StatusCode == http.StatusBadRequest && e.Code == "invalid_cursor"
	case target == ordersync.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// HTTPClient reads orders from the ordersync API, retrying 429 and 5xx
// responses with capped exponential backoff.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) GetOrder(ctx context.Context, orderID string) (ordersync.Order, error) {
	var order ordersync.Order
	err := c.doJSON(ctx, "/orders/"+url.PathEscape(orderID), &order)
	return order, err
}

func (c *HTTPClient) ListOrders(ctx context.Context, q ordersync.OffsetQuery) (ordersync.OffsetPage, error) {
	values := url.Values{}
	if q.Skip > 0 {
		values.Set("skip", strconv.Itoa(q.Skip))
	}
	if q.Take > 0 {
		values.Set("take", strconv.Itoa(q.Take))
	}
	if q.SortBy != "" {
		values.Set("sortBy", string(q.SortBy))
	}
	if q.SortOrder != "" {
		values.Set("sortOrder", string(q.SortOrder))
	}
	var page ordersync.OffsetPage
	err := c.doJSON(ctx, "/orders?"+values.Encode(), &page)
	return page, err
}

func (c *HTTPClient) ListOrdersCursor(ctx context.Context, cursor string, limit int) (ordersync.CursorPage, error) {
	values := url.Values{}
	if cursor != "" {
		values.Set("cursor", cursor)
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var page ordersync.CursorPage
	err := c.doJSON(ctx, "/orders/cursor?"+values.Encode(), &page)
	return page, err
}

// SyncURL is the websocket endpoint matching the client's base URL.
func (c *HTTPClient) SyncURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/sync"
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/sync"
	default:
		return c.baseURL + "/sync"
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, requestPath string, out any) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", "viewer_"+uuid.NewString())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SyncConn is a viewer's /sync websocket.
type SyncConn struct {
	conn *websocket.Conn
}

func DialSync(ctx context.Context, syncURL string) (*SyncConn, error) {
	conn, _, err := websocket.Dial(ctx, syncURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", syncURL, err)
	}
	conn.SetReadLimit(1 << 20)
	return &SyncConn{conn: conn}, nil
}

// Receive blocks for the next frame. It returns io.EOF once the server has
// closed the connection normally.
func (s *SyncConn) Receive(ctx context.Context) (ordersync.SyncMessage, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return ordersync.SyncMessage{}, io.EOF
		}
		return ordersync.SyncMessage{}, err
	}
	return ordersync.DecodeSyncMessage(data)
}

func (s *SyncConn) SubmitEdit(ctx context.Context, req ordersync.EditRequest) error {
	frame, err := ordersync.EncodeSyncMessage(ordersync.MessageUpdateOrder, req)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

func (s *SyncConn) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return nil
	}
	return err
}
