// Package flow is the confirmation state machine in front of every
// credit-consuming action:
//
//	idle -> awaiting-confirmation -> confirmed -> dispatching -> idle
//	                              -> cancelled -> idle
//
// Free edits skip the confirmation and go straight from idle to
// dispatching.
package flow

import (
	"errors"
	"sync"

	"thumbgen/dispatch"
	"thumbgen/quota"
)

// State is the controller state.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingConfirmation State = "awaiting-confirmation"
	StateDispatching          State = "dispatching"
)

var (
	// ErrBusy is returned when an action starts while a batch is running.
	ErrBusy = errors.New("Another generation is already in progress.")
	// ErrNothingToConfirm is returned by Confirm and Cancel outside
	// awaiting-confirmation.
	ErrNothingToConfirm = errors.New("There is nothing to confirm.")
)

// Panel names the error panel a failure is shown on.
type Panel string

const (
	// PanelTool is the generation tool form.
	PanelTool Panel = "tool"
	// PanelEditor is the image editor.
	PanelEditor Panel = "editor"
)

// PanelFor returns the panel failures of kind belong to.
func PanelFor(kind dispatch.Kind) Panel {
	if kind.IsEdit() {
		return PanelEditor
	}
	return PanelTool
}

// Errors holds the text of both panels. Empty means hidden.
type Errors struct {
	Tool   string `json:"tool,omitempty"`
	Editor string `json:"editor,omitempty"`
}

// Set shows msg on panel p.
func (e *Errors) Set(p Panel, msg string) {
	if p == PanelEditor {
		e.Editor = msg
		return
	}
	e.Tool = msg
}

// Clear hides panel p.
func (e *Errors) Clear(p Panel) {
	e.Set(p, "")
}

// Controller guards the flow state. It holds the pending operation while a
// confirmation is shown.
//
// Thread-Safety: Controller is safe for concurrent use.
type Controller struct {
	mu           sync.Mutex
	state        State
	pending      *dispatch.Operation
	confirmation *quota.Confirmation
	batchID      string
}

// NewController returns a controller in the idle state.
func NewController() *Controller {
	return &Controller{state: StateIdle}
}

// Request moves to awaiting-confirmation with op and its descriptor. A
// request while already awaiting replaces the previous one.
func (c *Controller) Request(op dispatch.Operation, conf quota.Confirmation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDispatching {
		return ErrBusy
	}
	c.state = StateAwaitingConfirmation
	c.pending = &op
	c.confirmation = &conf
	return nil
}

// Confirm releases the pending operation and moves to dispatching. An
// insufficient confirmation cannot proceed: the controller returns to idle
// and the quota error is returned instead.
func (c *Controller) Confirm() (dispatch.Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingConfirmation || c.pending == nil {
		return dispatch.Operation{}, ErrNothingToConfirm
	}
	op, conf := *c.pending, *c.confirmation
	c.pending, c.confirmation = nil, nil
	if err := conf.Err(); err != nil {
		c.state = StateIdle
		return dispatch.Operation{}, err
	}
	c.state = StateDispatching
	return op, nil
}

// Cancel discards the pending operation.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingConfirmation {
		return ErrNothingToConfirm
	}
	c.state = StateIdle
	c.pending, c.confirmation = nil, nil
	return nil
}

// BeginDirect moves from idle straight to dispatching for actions that
// need no confirmation.
func (c *Controller) BeginDirect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrBusy
	}
	c.state = StateDispatching
	return nil
}

// Attach records the batch the dispatching state waits on.
func (c *Controller) Attach(batchID string) {
	c.mu.Lock()
	c.batchID = batchID
	c.mu.Unlock()
}

// Finish returns to idle when batchID is the batch being waited on, and
// reports whether it was. A stale batch leaves the state alone.
func (c *Controller) Finish(batchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDispatching || c.batchID != batchID {
		return false
	}
	c.state = StateIdle
	c.batchID = ""
	return true
}

// Abort returns to idle from dispatching when the batch could not start.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDispatching {
		c.state = StateIdle
		c.batchID = ""
	}
}

// Reset forces the idle state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.pending, c.confirmation = nil, nil
	c.batchID = ""
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Confirmation returns the descriptor while awaiting confirmation.
func (c *Controller) Confirmation() (quota.Confirmation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirmation == nil {
		return quota.Confirmation{}, false
	}
	return *c.confirmation, true
}

// BatchID returns the batch being waited on, or "".
func (c *Controller) BatchID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchID
}
