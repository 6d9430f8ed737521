// Package quota tracks each user's generation balance: plan allotments,
// the monthly refill, the confirmation gate and post-success consumption.
//
// Consumption is optimistic. The in-memory snapshot changes immediately and
// the backend write is queued; a failed write is logged and not rolled back,
// so the snapshot may run ahead of the store until the profile is reloaded.
// Consumes, refills and purchases share one writer queue, so the store sees
// them in the order the snapshot did.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"thumbgen/core"
	"thumbgen/db"
	"thumbgen/logging"
)

// ResetPeriod is the interval between scheduled refills.
const ResetPeriod = 30 * 24 * time.Hour

// CheckAndResetIfDue refills rec to its plan allotment when payment is
// active and the reset deadline has passed, and moves the deadline to
// now+ResetPeriod. The second result reports whether a refill happened.
func CheckAndResetIfDue(rec Record, catalog *Catalog, now time.Time) (Record, bool) {
	if !rec.PaymentActive || !now.After(rec.ResetAt) {
		return rec, false
	}
	rec.Remaining = catalog.Allotment(rec.Plan)
	rec.ResetAt = now.Add(ResetPeriod)
	return rec, true
}

// Queued backend writes.
type (
	consumeOp struct {
		UserID string
		Units  int
	}
	allotmentOp struct {
		UserID    string
		Remaining int
		ResetAt   time.Time
	}
	purchaseOp struct {
		Purchase Purchase
		result   chan error
	}
)

// Ledger owns the in-memory quota snapshots and their persistence.
//
// Thread Safety: Ledger is safe for concurrent use. Concurrent loads of the
// same user share one backend read.
type Ledger struct {
	backend Backend
	catalog *Catalog
	logger  *logging.Logger
	now     func() time.Time
	writer  *db.AsyncWriter

	loads singleflight.Group
	// order is held from a snapshot change until its write is queued.
	order   sync.Mutex
	mu      sync.Mutex
	records map[string]Record
}

// Option configures a Ledger.
type Option func(*ledgerOptions)

type ledgerOptions struct {
	now          func() time.Time
	writerConfig db.AsyncWriterConfig
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *ledgerOptions) { o.now = now }
}

// WithWriterConfig overrides the consume writer's buffer settings.
func WithWriterConfig(cfg db.AsyncWriterConfig) Option {
	return func(o *ledgerOptions) { o.writerConfig = cfg }
}

// NewLedger creates a Ledger. Call Start before Consume so writes are
// queued rather than applied inline.
func NewLedger(backend Backend, catalog *Catalog, logger *logging.Logger, opts ...Option) (*Ledger, error) {
	if backend == nil {
		return nil, fmt.Errorf("quota: backend cannot be nil")
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	o := ledgerOptions{now: time.Now, writerConfig: db.DefaultAsyncWriterConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Ledger{
		backend: backend,
		catalog: catalog,
		logger:  logger.Named("quota"),
		now:     o.now,
		records: make(map[string]Record),
	}

	writerConfig := o.writerConfig
	writerConfig.OnError = func(op db.WriteOperation, err error) {
		l.logWriteError(op.Data, err)
	}
	l.writer = db.NewAsyncWriter(l.applyWrite, writerConfig)
	return l, nil
}

// Start begins processing queued writes.
func (l *Ledger) Start() {
	l.writer.Start()
}

// StopWithTimeout stops accepting writes and drains the queue. It returns
// false when the drain did not finish in time.
func (l *Ledger) StopWithTimeout(timeout time.Duration) bool {
	return l.writer.StopWithTimeout(timeout)
}

// Catalog returns the plan catalog.
func (l *Ledger) Catalog() *Catalog {
	return l.catalog
}

// Load reads the user's profile, creating a fresh one on first sight, and
// applies a due refill. Callers run it once per session; Snapshot serves
// the cached result afterwards.
func (l *Ledger) Load(ctx context.Context, userID string) (Record, error) {
	if userID == "" {
		return Record{}, core.ErrNotAuthenticated
	}
	v, err, _ := l.loads.Do(userID, func() (interface{}, error) {
		return l.load(ctx, userID)
	})
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

func (l *Ledger) load(ctx context.Context, userID string) (Record, error) {
	rec, err := l.backend.GetProfile(ctx, userID)
	if errors.Is(err, ErrNoProfile) {
		rec, err = l.backend.CreateProfile(ctx, l.newRecord(userID))
	}
	if err != nil {
		return Record{}, fmt.Errorf("quota: failed to load profile: %w", err)
	}

	if refilled, due := CheckAndResetIfDue(rec, l.catalog, l.now()); due {
		l.logger.Info("resetting generation limit",
			zap.String("user_id", userID),
			zap.String("plan", refilled.Plan),
			zap.Int("remaining", refilled.Remaining))
		if err := l.backend.SaveAllotment(ctx, userID, refilled.Remaining, refilled.ResetAt); err != nil {
			l.logger.Warn("failed to persist generation limit reset, keeping in-memory refill",
				zap.String("user_id", userID),
				zap.Error(err))
		}
		rec = refilled
	}

	l.mu.Lock()
	l.records[userID] = rec
	l.mu.Unlock()
	return rec, nil
}

func (l *Ledger) newRecord(userID string) Record {
	return Record{
		UserID:    userID,
		Plan:      PlanStarter,
		ResetAt:   l.now().Add(ResetPeriod),
		Remaining: 0,
	}
}

// Snapshot returns the cached record, loading it on first use. A record
// whose reset deadline has passed is refilled first.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (Record, error) {
	rec, ok := l.peek(userID)
	if !ok {
		return l.Load(ctx, userID)
	}
	if rec.PaymentActive && l.now().After(rec.ResetAt) {
		return l.refill(ctx, userID), nil
	}
	return rec, nil
}

func (l *Ledger) refill(ctx context.Context, userID string) Record {
	l.order.Lock()
	defer l.order.Unlock()

	l.mu.Lock()
	rec, due := CheckAndResetIfDue(l.records[userID], l.catalog, l.now())
	if due {
		l.records[userID] = rec
	}
	l.mu.Unlock()
	if !due {
		return rec
	}

	l.logger.Info("resetting generation limit",
		zap.String("user_id", userID),
		zap.String("plan", rec.Plan),
		zap.Int("remaining", rec.Remaining))
	l.submit(ctx, allotmentOp{UserID: userID, Remaining: rec.Remaining, ResetAt: rec.ResetAt})
	return rec
}

// Forget drops the cached record so the next Snapshot reloads it. While
// writes are still queued the record is kept, since a reload would miss
// them; the result reports whether it was dropped.
func (l *Ledger) Forget(userID string) bool {
	l.order.Lock()
	defer l.order.Unlock()
	if l.PendingWrites() > 0 {
		return false
	}
	l.mu.Lock()
	delete(l.records, userID)
	l.mu.Unlock()
	return true
}

// Guard checks the preconditions every credit-consuming request shares:
// an active plan and a non-empty balance.
func (l *Ledger) Guard(ctx context.Context, userID string) (Record, error) {
	rec, err := l.Snapshot(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	if !rec.PaymentActive {
		return rec, core.ErrPaymentRequired()
	}
	if rec.Remaining <= 0 {
		return rec, core.ErrLimitReached()
	}
	return rec, nil
}

// CanAfford reports whether the user has an active plan and at least units
// remaining.
func (l *Ledger) CanAfford(ctx context.Context, userID string, units int) (bool, error) {
	rec, err := l.Snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec.PaymentActive && rec.Remaining >= units, nil
}

// Confirm runs Guard and builds the confirmation descriptor for units.
// Nothing is reserved; the balance only changes on Consume.
func (l *Ledger) Confirm(ctx context.Context, userID string, units int) (Confirmation, error) {
	rec, err := l.Guard(ctx, userID)
	if err != nil {
		return Confirmation{}, err
	}
	return BuildConfirmation(units, rec.Remaining), nil
}

// Consume charges units after a successful batch. The snapshot is updated
// at once and the backend write is queued; write failures are logged only.
// The decrement is not clamped at zero.
func (l *Ledger) Consume(ctx context.Context, userID string, units int) Record {
	if units <= 0 || userID == "" {
		rec, _ := l.peek(userID)
		return rec
	}

	l.order.Lock()
	defer l.order.Unlock()

	l.mu.Lock()
	rec, ok := l.records[userID]
	if ok {
		rec.Remaining -= units
		rec.Lifetime += units
		l.records[userID] = rec
	}
	l.mu.Unlock()

	l.submit(ctx, consumeOp{UserID: userID, Units: units})
	return rec
}

// submit queues a fire-and-forget write, applying it inline when the
// writer is stopped or full. Callers hold l.order.
func (l *Ledger) submit(ctx context.Context, data interface{}) {
	if l.writer.Write(data) {
		return
	}
	l.logger.Debug("quota writer unavailable, writing inline")
	op := db.WriteOperation{Data: data, QueuedAt: l.now()}
	if err := l.applyWrite(context.WithoutCancel(ctx), op); err != nil {
		l.logWriteError(data, err)
	}
}

func (l *Ledger) applyWrite(ctx context.Context, op db.WriteOperation) error {
	switch w := op.Data.(type) {
	case consumeOp:
		return l.backend.Consume(ctx, w.UserID, w.Units)
	case allotmentOp:
		return l.backend.SaveAllotment(ctx, w.UserID, w.Remaining, w.ResetAt)
	case purchaseOp:
		err := l.backend.SavePurchase(ctx, w.Purchase)
		w.result <- err
		return err
	default:
		return fmt.Errorf("quota: unexpected write %T", op.Data)
	}
}

func (l *Ledger) logWriteError(data interface{}, err error) {
	switch w := data.(type) {
	case consumeOp:
		l.logger.Warn("quota consume write failed, keeping optimistic balance",
			zap.String("user_id", w.UserID),
			zap.Int("units", w.Units),
			zap.Error(err))
	case allotmentOp:
		l.logger.Warn("failed to persist generation limit reset, keeping in-memory refill",
			zap.String("user_id", w.UserID),
			zap.Error(err))
	case purchaseOp:
		// Returned to the Purchase caller.
	default:
		l.logger.Warn("quota write failed", zap.Error(err))
	}
}

func (l *Ledger) peek(userID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[userID]
	return rec, ok
}

// Purchase activates plan for the user: payment active, remaining set to
// the allotment, a fresh deadline and paidAt = now. Lifetime is untouched.
// Unlike Consume the caller waits for the write, which goes through the
// writer queue behind any consumes already queued, and the snapshot only
// changes on success.
func (l *Ledger) Purchase(ctx context.Context, userID, plan string) (Record, error) {
	p, ok := l.catalog.Lookup(plan)
	if !ok {
		return Record{}, fmt.Errorf("quota: unknown plan %q", plan)
	}
	if _, err := l.Snapshot(ctx, userID); err != nil {
		return Record{}, err
	}

	l.order.Lock()
	defer l.order.Unlock()

	now := l.now()
	purchase := Purchase{
		UserID:    userID,
		Plan:      p.Name,
		Remaining: p.Allotment,
		ResetAt:   now.Add(ResetPeriod),
		PaidAt:    now,
	}
	if err := l.savePurchase(ctx, purchase); err != nil {
		return Record{}, fmt.Errorf("quota: failed to save purchase: %w", err)
	}

	l.mu.Lock()
	rec := l.records[userID]
	rec.Plan = purchase.Plan
	rec.PaymentActive = true
	rec.Remaining = purchase.Remaining
	rec.ResetAt = purchase.ResetAt
	rec.PaidAt = purchase.PaidAt
	l.records[userID] = rec
	l.mu.Unlock()

	l.logger.Info("plan purchased",
		zap.String("user_id", userID),
		zap.String("plan", p.Name),
		zap.Int("remaining", rec.Remaining))
	return rec, nil
}

// Watermark reports whether results for rec must carry the watermark.
func (l *Ledger) Watermark(rec Record) bool {
	return l.catalog.Watermark(rec.Plan)
}

// savePurchase queues the purchase and waits for the writer to apply it.
// Once queued it is waited for regardless of ctx, so the snapshot never
// misses a write that landed. With the writer stopped it is written inline.
func (l *Ledger) savePurchase(ctx context.Context, p Purchase) error {
	op := purchaseOp{Purchase: p, result: make(chan error, 1)}
	if !l.writer.WriteWait(ctx, op) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return l.backend.SavePurchase(ctx, p)
	}
	select {
	case err := <-op.result:
		return err
	case <-l.writer.Done():
		select {
		case err := <-op.result:
			return err
		default:
			// Queued after the final drain.
			return l.backend.SavePurchase(ctx, p)
		}
	}
}

// PendingWrites returns the number of queued writes.
func (l *Ledger) PendingWrites() int {
	return l.writer.Pending()
}
