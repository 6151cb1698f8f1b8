package viewsync

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/ordersync/internal/ordersync"
)

var (
	ErrSubmitBlocked     = errors.New("submit blocked by unresolved conflict")
	ErrInvalidTransition = errors.New("invalid transition")
)

type State string

const (
	StateClean    State = "Clean"
	StateDirty    State = "Dirty"
	StateConflict State = "Conflict"
)

type Input string

const (
	InputEdit           Input = "Edit"
	InputNewerEvent     Input = "NewerEvent"
	InputStaleEvent     Input = "StaleEvent"
	InputAcceptServer   Input = "AcceptServer"
	InputForceOverwrite Input = "ForceOverwrite"
	InputSubmit         Input = "Submit"
	// InputRejected is fed when the server refused a submission.
	InputRejected Input = "Rejected"
)

// transitions lists every legal move. Submit from Conflict is handled
// separately so it can report ErrSubmitBlocked.
var transitions = map[State]map[Input]State{
	StateClean: {
		InputEdit:       StateDirty,
		InputNewerEvent: StateClean,
		InputStaleEvent: StateClean,
		InputSubmit:     StateClean,
		InputRejected:   StateConflict,
	},
	StateDirty: {
		InputEdit:       StateDirty,
		InputNewerEvent: StateConflict,
		InputStaleEvent: StateDirty,
		InputSubmit:     StateClean,
		InputRejected:   StateConflict,
	},
	StateConflict: {
		InputEdit:           StateConflict,
		InputNewerEvent:     StateConflict,
		InputStaleEvent:     StateConflict,
		InputAcceptServer:   StateClean,
		InputForceOverwrite: StateDirty,
		InputRejected:       StateConflict,
	},
}

// Next returns the state reached from state on input.
func Next(state State, input Input) (State, error) {
	if state == StateConflict && input == InputSubmit {
		return state, ErrSubmitBlocked
	}
	next, ok := transitions[state][input]
	if !ok {
		return state, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, input, state)
	}
	return next, nil
}

// Snapshot is a version of the order's editable fields.
type Snapshot struct {
	Version int64
	Fields  ordersync.OrderFields
}

// Resolver reconciles one viewer's draft of an order against the sync events
// the server broadcasts for it. It is not safe for concurrent use.
type Resolver struct {
	orderID  string
	state    State
	baseline int64
	draft    ordersync.OrderFields
	server   Snapshot
	force    bool
}

// NewResolver starts Clean with the draft forked from order.
func NewResolver(order ordersync.Order) *Resolver {
	fields := ordersync.OrderFields{Status: order.Status, ShippingFee: order.ShippingFee}
	return &Resolver{
		orderID:  order.ID,
		state:    StateClean,
		baseline: order.Version,
		draft:    fields,
		server:   Snapshot{Version: order.Version, Fields: fields},
	}
}

func (r *Resolver) OrderID() string              { return r.orderID }
func (r *Resolver) State() State                 { return r.state }
func (r *Resolver) BaselineVersion() int64       { return r.baseline }
func (r *Resolver) Draft() ordersync.OrderFields { return r.draft }
func (r *Resolver) Server() Snapshot             { return r.server }
func (r *Resolver) ForcePending() bool           { return r.force }
func (r *Resolver) IsDirty() bool                { return r.state != StateClean }

func (r *Resolver) apply(input Input) (State, error) {
	next, err := Next(r.state, input)
	if err != nil {
		return r.state, err
	}
	r.state = next
	return next, nil
}

// Edit replaces the draft fields. In Conflict the server snapshot is kept for
// display and the edit only touches the draft.
func (r *Resolver) Edit(fields ordersync.OrderFields) error {
	if _, err := r.apply(InputEdit); err != nil {
		return err
	}
	r.draft = fields
	return nil
}

// Observe feeds a sync event and reports how it was classified. Events for
// other orders are ignored and reported as not handled.
func (r *Resolver) Observe(event ordersync.SyncEvent) (Input, bool) {
	if event.OrderID != r.orderID {
		return "", false
	}
	latest := r.baseline
	if r.server.Version > latest {
		latest = r.server.Version
	}
	if event.Version <= latest {
		_, _ = r.apply(InputStaleEvent)
		return InputStaleEvent, true
	}

	prev := r.state
	_, _ = r.apply(InputNewerEvent)
	r.server = Snapshot{
		Version: event.Version,
		Fields:  ordersync.OrderFields{Status: event.Status, ShippingFee: event.ShippingFee},
	}
	if prev == StateClean {
		// Fast-forward.
		r.draft = r.server.Fields
		r.baseline = event.Version
	}
	return InputNewerEvent, true
}

// AcceptServer discards the draft in favour of the server snapshot.
func (r *Resolver) AcceptServer() error {
	if _, err := r.apply(InputAcceptServer); err != nil {
		return err
	}
	r.draft = r.server.Fields
	r.baseline = r.server.Version
	r.force = false
	return nil
}

// ForceOverwrite keeps the draft and marks the next submission as forced.
func (r *Resolver) ForceOverwrite() error {
	if _, err := r.apply(InputForceOverwrite); err != nil {
		return err
	}
	r.baseline = r.server.Version
	r.force = true
	return nil
}

// Submit builds the UPDATE_ORDER request for the draft, bumps the baseline
// optimistically and resets to Clean.
func (r *Resolver) Submit() (ordersync.EditRequest, error) {
	if _, err := Next(r.state, InputSubmit); err != nil {
		return ordersync.EditRequest{}, err
	}
	req := ordersync.EditRequest{
		OrderID:     r.orderID,
		BaseVersion: r.baseline,
		Force:       r.force,
		Data:        r.draft,
	}
	_, _ = r.apply(InputSubmit)
	r.baseline++
	r.force = false
	return req, nil
}

// Rejected records that the server refused the last submission. current is
// the server's copy of the order; the draft is kept for the user to resolve.
func (r *Resolver) Rejected(current ordersync.Order) error {
	if current.ID != r.orderID {
		return fmt.Errorf("%w: rejection for order %s", ordersync.ErrInvalidInput, current.ID)
	}
	if _, err := r.apply(InputRejected); err != nil {
		return err
	}
	r.server = Snapshot{
		Version: current.Version,
		Fields:  ordersync.OrderFields{Status: current.Status, ShippingFee: current.ShippingFee},
	}
	return nil
}
