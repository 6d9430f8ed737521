// Package history keeps the linear undo/redo log of editor checkpoints and
// the debounced auto-checkpointer for passive text edits.
package history

import (
	"encoding/json"
	"sync"

	"thumbgen/imagegen"
)

// Position is the overlay text anchor in percent of the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TextProperties is the overlay text state of the editor.
type TextProperties struct {
	Content      string   `json:"content"`
	FontSize     int      `json:"font_size"`
	Color        string   `json:"color"`
	OutlineColor string   `json:"outline_color"`
	OutlineWidth int      `json:"outline_width"`
	Position     Position `json:"position"`
	Bold         bool     `json:"bold"`
	Italic       bool     `json:"italic"`
	FontFamily   string   `json:"font_family"`
}

// DefaultTextProperties returns the editor's initial overlay text.
func DefaultTextProperties() TextProperties {
	return TextProperties{
		Content:      "",
		FontSize:     100,
		Color:        "#FFFFFF",
		OutlineColor: "#000000",
		OutlineWidth: 8,
		Position:     Position{X: 50, Y: 80},
		Bold:         true,
		Italic:       false,
		FontFamily:   "Anton",
	}
}

// Checkpoint is one entry of the log.
type Checkpoint struct {
	Image imagegen.Image `json:"image"`
	Text  TextProperties `json:"text"`
}

// Equal compares checkpoints by image identity and serialized text state.
func (c Checkpoint) Equal(other Checkpoint) bool {
	if c.Image.Identity() != other.Image.Identity() {
		return false
	}
	a, errA := json.Marshal(c.Text)
	b, errB := json.Marshal(other.Text)
	return errA == nil && errB == nil && string(a) == string(b)
}

// Log is a linear undo/redo log. Pushing while not at the tail discards
// the redo branch.
//
// Thread-Safety: Log is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Checkpoint
	index   int
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{index: -1}
}

// Push truncates everything after the current position, appends c and
// moves the position to the new tail.
func (l *Log) Push(c Checkpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries[:l.index+1], c)
	l.index = len(l.entries) - 1
}

// Undo moves back one position. It is a no-op at index 0 or on an empty
// log, reported by the false result.
func (l *Log) Undo() (Checkpoint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index <= 0 {
		return Checkpoint{}, false
	}
	l.index--
	return l.entries[l.index], true
}

// Redo moves forward one position. It is a no-op at the tail.
func (l *Log) Redo() (Checkpoint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index >= len(l.entries)-1 {
		return Checkpoint{}, false
	}
	l.index++
	return l.entries[l.index], true
}

func (l *Log) CanUndo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index > 0
}

func (l *Log) CanRedo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index < len(l.entries)-1
}

// Current returns the checkpoint at the current position.
func (l *Log) Current() (Checkpoint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index < 0 {
		return Checkpoint{}, false
	}
	return l.entries[l.index], true
}

// PushIfChanged pushes c unless it equals the current checkpoint. The
// comparison and the push happen under one lock.
func (l *Log) PushIfChanged(c Checkpoint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index >= 0 && l.entries[l.index].Equal(c) {
		return false
	}
	l.entries = append(l.entries[:l.index+1], c)
	l.index = len(l.entries) - 1
	return true
}

// Len returns the number of checkpoints.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Index returns the current position, or -1 when empty.
func (l *Log) Index() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index
}

// Reset empties the log.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.index = -1
}
