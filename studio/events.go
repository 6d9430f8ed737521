package studio

import (
	"thumbgen/dispatch"
	"thumbgen/flow"
	"thumbgen/history"
	"thumbgen/quota"
)

// EventType names a pushed session event.
type EventType string

const (
	EventSlotUpdate   EventType = "slot_update"
	EventBatchSettled EventType = "batch_settled"
	EventSessionState EventType = "session_state"
	EventNotice       EventType = "notice"
	EventError        EventType = "error"
)

// Event is one push to a user's clients.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// Notifier delivers events to every client of userID.
type Notifier interface {
	Notify(userID string, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(userID string, ev Event)

func (f NotifierFunc) Notify(userID string, ev Event) {
	f(userID, ev)
}

// Notices shown to the user.
const (
	NoticeStorageFull = "Storage full. Old data has been cleared to free up space."
	NoticeCacheHit    = "Found a cached result, skipping generation."
)

// Slot statuses.
const (
	SlotPending = "pending"
	SlotReady   = "ready"
	SlotFailed  = "failed"
)

// SlotView is one variation slot as clients see it. Image is a data URL.
type SlotView struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Image  string `json:"image,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SlotUpdate is the payload of EventSlotUpdate.
type SlotUpdate struct {
	BatchID string `json:"batch_id"`
	SlotView
}

// BatchSettled is the payload of EventBatchSettled.
type BatchSettled struct {
	BatchID   string        `json:"batch_id"`
	Kind      dispatch.Kind `json:"kind"`
	Succeeded bool          `json:"succeeded"`
	FromCache bool          `json:"from_cache"`
	Charged   int           `json:"charged"`
	Error     string        `json:"error,omitempty"`
}

// NoticePayload is the payload of EventNotice.
type NoticePayload struct {
	Message string `json:"message"`
}

// ErrorPayload is the payload of EventError.
type ErrorPayload struct {
	Panel   flow.Panel `json:"panel"`
	Message string     `json:"message"`
}

// View is the full session state, the payload of EventSessionState.
type View struct {
	Epoch        uint64                 `json:"epoch"`
	State        flow.State             `json:"state"`
	Confirmation *quota.Confirmation    `json:"confirmation,omitempty"`
	BatchID      string                 `json:"batch_id,omitempty"`
	Slots        []SlotView             `json:"slots"`
	Current      string                 `json:"current,omitempty"`
	Text         history.TextProperties `json:"text"`
	CanUndo      bool                   `json:"can_undo"`
	CanRedo      bool                   `json:"can_redo"`
	Errors       flow.Errors            `json:"errors"`
	CacheHit     bool                   `json:"cache_hit"`
	Notices      []string               `json:"notices,omitempty"`
	Quota        *quota.Record          `json:"quota,omitempty"`
}
