package viewsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/ordersync"
)

var ErrEditRejected = errors.New("edit rejected")

type Submitter interface {
	SubmitEdit(ctx context.Context, req ordersync.EditRequest) error
}

type OrderGetter interface {
	GetOrder(ctx context.Context, orderID string) (ordersync.Order, error)
}

type FrameReader interface {
	Receive(ctx context.Context) (ordersync.SyncMessage, error)
}

// View is a point-in-time copy of a session's resolver.
type View struct {
	OrderID  string
	State    State
	Baseline int64
	Draft    ordersync.OrderFields
	Server   Snapshot
	Force    bool
}

// EditSession drives a Resolver from websocket frames and sends its
// submissions. Methods may be called from a reader goroutine and a UI
// goroutine at the same time.
type EditSession struct {
	mu        sync.Mutex
	resolver  *Resolver
	submitter Submitter
	orders    OrderGetter
	logger    *zap.SugaredLogger
}

func NewEditSession(order ordersync.Order, submitter Submitter, orders OrderGetter, logger *zap.SugaredLogger) *EditSession {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EditSession{
		resolver:  NewResolver(order),
		submitter: submitter,
		orders:    orders,
		logger:    logger.With("orderId", order.ID),
	}
}

func (s *EditSession) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		OrderID:  s.resolver.OrderID(),
		State:    s.resolver.State(),
		Baseline: s.resolver.BaselineVersion(),
		Draft:    s.resolver.Draft(),
		Server:   s.resolver.Server(),
		Force:    s.resolver.ForcePending(),
	}
}

func (s *EditSession) Edit(fields ordersync.OrderFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolver.Edit(fields)
}

func (s *EditSession) AcceptServer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolver.AcceptServer(); err != nil {
		return err
	}
	s.logger.Infow("accepted server version", "version", s.resolver.BaselineVersion())
	return nil
}

func (s *EditSession) ForceOverwrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolver.ForceOverwrite(); err != nil {
		return err
	}
	s.logger.Infow("force overwrite armed", "baseVersion", s.resolver.BaselineVersion())
	return nil
}

// Submit sends the draft. If the send fails the resolver is rolled back so
// the draft can be submitted again.
func (s *EditSession) Submit(ctx context.Context) (ordersync.EditRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *s.resolver
	req, err := s.resolver.Submit()
	if err != nil {
		return ordersync.EditRequest{}, err
	}
	if err := s.submitter.SubmitEdit(ctx, req); err != nil {
		*s.resolver = saved
		return ordersync.EditRequest{}, fmt.Errorf("submit order %s: %w", req.OrderID, err)
	}
	s.logger.Debugw("edit submitted", "baseVersion", req.BaseVersion, "force", req.Force)
	return req, nil
}

// HandleMessage applies one frame from /sync. Frames for other orders and
// unknown message types are ignored.
func (s *EditSession) HandleMessage(ctx context.Context, msg ordersync.SyncMessage) error {
	switch msg.Type {
	case ordersync.MessageOrderSynced:
		var event ordersync.SyncEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return fmt.Errorf("%w: %v", ordersync.ErrInvalidInput, err)
		}
		s.mu.Lock()
		input, handled := s.resolver.Observe(event)
		state := s.resolver.State()
		s.mu.Unlock()
		if handled {
			s.logger.Debugw("sync event observed", "version", event.Version, "input", input, "state", state)
		}
		return nil
	case ordersync.MessageUpdateRejected:
		var rejection ordersync.UpdateRejection
		if err := json.Unmarshal(msg.Payload, &rejection); err != nil {
			return fmt.Errorf("%w: %v", ordersync.ErrInvalidInput, err)
		}
		if rejection.OrderID != s.orderID() {
			return nil
		}
		return s.rejected(ctx, rejection)
	default:
		return nil
	}
}

func (s *EditSession) rejected(ctx context.Context, rejection ordersync.UpdateRejection) error {
	if rejection.Reason == ordersync.RejectNotFound {
		return fmt.Errorf("order %s: %w", rejection.OrderID, ordersync.ErrNotFound)
	}
	current, err := s.orders.GetOrder(ctx, rejection.OrderID)
	if err != nil {
		return fmt.Errorf("reload order %s after rejection: %w", rejection.OrderID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolver.Rejected(current); err != nil {
		return err
	}
	s.logger.Warnw("edit rejected", "reason", rejection.Reason, "currentVersion", current.Version)
	return nil
}

func (s *EditSession) orderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolver.OrderID()
}

// Commit submits the draft and reads frames until the server answers. It
// returns the broadcast that carries the stored edit, or an error wrapping
// ErrEditRejected after which the session is in Conflict. Every frame read
// on the way is applied to the session.
func (s *EditSession) Commit(ctx context.Context, frames FrameReader) (ordersync.SyncEvent, error) {
	req, err := s.Submit(ctx)
	if err != nil {
		return ordersync.SyncEvent{}, err
	}
	for {
		msg, err := frames.Receive(ctx)
		if err != nil {
			return ordersync.SyncEvent{}, err
		}
		switch msg.Type {
		case ordersync.MessageOrderSynced:
			var event ordersync.SyncEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				return ordersync.SyncEvent{}, fmt.Errorf("%w: %v", ordersync.ErrInvalidInput, err)
			}
			if err := s.HandleMessage(ctx, msg); err != nil {
				return ordersync.SyncEvent{}, err
			}
			if isEcho(req, event) {
				return event, nil
			}
		case ordersync.MessageUpdateRejected:
			var rejection ordersync.UpdateRejection
			if err := json.Unmarshal(msg.Payload, &rejection); err != nil {
				return ordersync.SyncEvent{}, fmt.Errorf("%w: %v", ordersync.ErrInvalidInput, err)
			}
			if rejection.OrderID != req.OrderID {
				continue
			}
			if err := s.rejected(ctx, rejection); err != nil {
				return ordersync.SyncEvent{}, err
			}
			return ordersync.SyncEvent{}, fmt.Errorf("%w: %s at version %d", ErrEditRejected, rejection.Reason, rejection.CurrentVersion)
		}
	}
}

func isEcho(req ordersync.EditRequest, event ordersync.SyncEvent) bool {
	return event.OrderID == req.OrderID &&
		event.Version > req.BaseVersion &&
		event.Status == req.Data.Status &&
		event.ShippingFee.Equal(req.Data.ShippingFee)
}
