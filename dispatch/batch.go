package dispatch

import (
	"context"
	"sync"
	"time"

	"thumbgen/imagegen"
)

// Result is the settled outcome of a batch.
type Result struct {
	// Images holds every slot in order. It is nil when Err is set.
	Images []imagegen.Image
	// Err is the aggregate failure: the first slot error in slot order.
	Err error
	// FromCache is true when no generator call was made.
	FromCache bool
	// Evicted is true when storing the result evicted older entries.
	Evicted bool
	// Charged is the number of units consumed.
	Charged int
	// ChargedUser is who Charged was taken from: the user whose request
	// started the batch.
	ChargedUser string
}

// ChargedTo returns the units r took from userID. A caller that joined
// another user's in-flight batch was not charged.
func (r Result) ChargedTo(userID string) int {
	if userID == "" || userID != r.ChargedUser {
		return 0
	}
	return r.Charged
}

// slot is one variation of a batch.
type slot struct {
	done  chan struct{}
	image imagegen.Image
	err   error
}

// Batch is the set of slots produced by one Dispatch. Slots settle
// independently; the batch settles after every slot has and the commit
// has run.
//
// Thread-Safety: Batch is safe for concurrent use. Slot values are written
// once before their done channel closes.
type Batch struct {
	ID          string
	Kind        Kind
	Fingerprint string
	UserID      string
	StartedAt   time.Time

	slots []slot
	done  chan struct{}

	mu     sync.Mutex
	result Result
	hooks  []func(int, imagegen.Image, error)
}

func newBatch(id string, op Operation, fingerprint string, now time.Time) *Batch {
	b := &Batch{
		ID:          id,
		Kind:        op.Kind,
		Fingerprint: fingerprint,
		UserID:      op.UserID,
		StartedAt:   now,
		slots:       make([]slot, op.Variations()),
		done:        make(chan struct{}),
	}
	for i := range b.slots {
		b.slots[i].done = make(chan struct{})
	}
	return b
}

// Len returns the number of slots.
func (b *Batch) Len() int {
	return len(b.slots)
}

// Slot returns the handle of slot i.
func (b *Batch) Slot(i int) *Handle {
	return &Handle{batch: b, index: i}
}

// Handles returns every slot handle in order.
func (b *Batch) Handles() []*Handle {
	out := make([]*Handle, len(b.slots))
	for i := range out {
		out[i] = b.Slot(i)
	}
	return out
}

// OnSlot registers fn to run as each slot settles. Slots that already
// settled are replayed at once. fn runs on the settling goroutine.
func (b *Batch) OnSlot(fn func(index int, img imagegen.Image, err error)) {
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	var settled []int
	for i := range b.slots {
		select {
		case <-b.slots[i].done:
			settled = append(settled, i)
		default:
		}
	}
	b.mu.Unlock()

	for _, i := range settled {
		fn(i, b.slots[i].image, b.slots[i].err)
	}
}

func (b *Batch) settleSlot(i int, img imagegen.Image, err error) {
	b.mu.Lock()
	b.slots[i].image = img
	b.slots[i].err = err
	close(b.slots[i].done)
	hooks := append([]func(int, imagegen.Image, error){}, b.hooks...)
	b.mu.Unlock()

	for _, fn := range hooks {
		fn(i, img, err)
	}
}

func (b *Batch) settle(r Result) {
	b.mu.Lock()
	b.result = r
	b.mu.Unlock()
	close(b.done)
}

// Done is closed once the batch has settled and committed.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch settles or ctx is done.
func (b *Batch) Wait(ctx context.Context) (Result, error) {
	select {
	case <-b.done:
		return b.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the settled outcome. Before Done it is the zero Result.
func (b *Batch) Result() Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

// Handle observes one slot.
type Handle struct {
	batch *Batch
	index int
}

// Index returns the slot position.
func (h *Handle) Index() int {
	return h.index
}

// Done is closed when the slot settles.
func (h *Handle) Done() <-chan struct{} {
	return h.batch.slots[h.index].done
}

// Wait blocks until the slot settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (imagegen.Image, error) {
	s := &h.batch.slots[h.index]
	select {
	case <-s.done:
		return s.image, s.err
	case <-ctx.Done():
		return imagegen.Image{}, ctx.Err()
	}
}

// Settled reports the slot state without blocking. The bool is false while the
// slot is pending.
func (h *Handle) Settled() (imagegen.Image, bool, error) {
	s := &h.batch.slots[h.index]
	select {
	case <-s.done:
		return s.image, true, s.err
	default:
		return imagegen.Image{}, false, nil
	}
}
