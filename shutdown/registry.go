package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"thumbgen/core"
)

type stage struct {
	name     string
	priority int
	seq      int
	fn       core.ShutdownFunc
}

// ShutdownRegistry holds the cleanup stages. Stages run by ascending
// priority, and stages with equal priority run in registration order.
type ShutdownRegistry struct {
	mu     sync.Mutex
	stages []stage
	closed bool
}

// NewShutdownRegistry creates an empty registry.
func NewShutdownRegistry() *ShutdownRegistry {
	return &ShutdownRegistry{}
}

// Register adds a stage. It is a no-op after Shutdown.
func (r *ShutdownRegistry) Register(name string, priority int, fn core.ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.stages = append(r.stages, stage{name: name, priority: priority, seq: len(r.stages), fn: fn})
}

func (r *ShutdownRegistry) sortedLocked() []stage {
	out := make([]stage, len(r.stages))
	copy(out, r.stages)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority < out[j].priority
	})
	return out
}

// Shutdown runs every stage, even after failures, and returns the errors
// tagged with the stage name. Only the first call runs anything.
func (r *ShutdownRegistry) Shutdown(ctx context.Context) []error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stages := r.sortedLocked()
	r.mu.Unlock()

	var errs []error
	for _, s := range stages {
		if err := s.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errs
}

// Names returns the stage names in run order.
func (r *ShutdownRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	stages := r.sortedLocked()
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.name
	}
	return names
}

// Count returns the number of stages.
func (r *ShutdownRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stages)
}
