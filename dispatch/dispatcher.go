// Package dispatch turns validated operations into generator calls. It
// fingerprints each operation, serves cache hits without calling the
// generator, shares in-flight batches between identical requests, fans
// slots out concurrently and commits cache, quota and audit side effects
// only when every slot of a batch has succeeded.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"thumbgen/cache"
	"thumbgen/db"
	"thumbgen/imagegen"
	"thumbgen/logging"
	"thumbgen/quota"
)

// ErrShuttingDown is returned by Dispatch once the tracker is closed.
var ErrShuttingDown = errors.New("dispatch: shutting down")

// Charger consumes quota for a committed batch.
type Charger interface {
	Consume(ctx context.Context, userID string, units int) quota.Record
}

// Tracker counts in-flight batches for graceful shutdown.
type Tracker interface {
	Start() bool
	Done()
}

// Dispatcher runs operations against the generator.
//
// Thread-Safety: Dispatcher is safe for concurrent use.
type Dispatcher struct {
	generator imagegen.Provider
	cache     *cache.Cache
	charger   Charger
	sinks     []CommitSink
	tracker   Tracker
	logger    *logging.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]*Batch
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSinks appends commit sinks.
func WithSinks(sinks ...CommitSink) Option {
	return func(d *Dispatcher) { d.sinks = append(d.sinks, sinks...) }
}

// WithTracker registers each batch with t.
func WithTracker(t Tracker) Option {
	return func(d *Dispatcher) { d.tracker = t }
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher. c may be an always-miss cache; charger may be
// nil when nothing is ever charged.
func New(generator imagegen.Provider, c *cache.Cache, charger Charger, logger *logging.Logger, opts ...Option) (*Dispatcher, error) {
	if generator == nil {
		return nil, fmt.Errorf("dispatch: generator cannot be nil")
	}
	if c == nil {
		c = cache.New(nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	d := &Dispatcher{
		generator: generator,
		cache:     c,
		charger:   charger,
		logger:    logger.Named("dispatch"),
		tracer:    otel.Tracer("thumbgen/dispatch"),
		now:       time.Now,
		inflight:  make(map[string]*Batch),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch starts op and returns its batch immediately. A cache hit returns
// an already settled batch. A request identical to one still in flight
// joins that batch instead of calling the generator again; only the first
// caller is charged.
//
// Slots run detached from ctx so a closed request does not abandon work
// that will be charged; ctx only supplies values and the trace parent.
func (d *Dispatcher) Dispatch(ctx context.Context, op Operation) (*Batch, error) {
	n := op.Variations()
	if n == 0 {
		return nil, fmt.Errorf("dispatch: %s operation has no requests", op.Kind)
	}
	fp, err := cache.Fingerprint(string(op.Kind), op.Params, op.Watermark)
	if err != nil {
		return nil, err
	}
	key := fp + "#" + strconv.Itoa(n)

	d.mu.Lock()
	if b, ok := d.inflight[key]; ok {
		d.mu.Unlock()
		d.logger.Debug("joining in-flight batch",
			zap.String("batch_id", b.ID),
			zap.String("kind", string(op.Kind)))
		return b, nil
	}
	if d.tracker != nil && !d.tracker.Start() {
		d.mu.Unlock()
		return nil, ErrShuttingDown
	}
	b := newBatch(uuid.New().String(), op, fp, d.now())
	d.inflight[key] = b
	d.mu.Unlock()

	go d.run(context.WithoutCancel(ctx), op, b, key)
	return b, nil
}

func (d *Dispatcher) run(ctx context.Context, op Operation, b *Batch, key string) {
	if d.tracker != nil {
		defer d.tracker.Done()
	}
	ctx = imagegen.WithCorrelationID(ctx, b.ID)
	ctx, span := d.tracer.Start(ctx, "dispatch."+string(op.Kind),
		trace.WithAttributes(
			attribute.String("batch.id", b.ID),
			attribute.String("batch.fingerprint", b.Fingerprint),
			attribute.Int("batch.variations", b.Len()),
		))
	defer span.End()

	log := d.logger.With(
		zap.String("batch_id", b.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("user_id", op.UserID),
	)

	var result Result
	if images, ok := d.lookup(ctx, op.Kind, b.Fingerprint, b.Len()); ok {
		log.Info("found cached result, skipping generation")
		span.SetAttributes(attribute.Bool("batch.cached", true))
		for i, img := range images {
			b.settleSlot(i, img, nil)
		}
		result = Result{Images: images, FromCache: true}
		d.emit(ctx, b, op, result, db.RunStatusCached)
	} else {
		result = d.generate(ctx, op, b, log)
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, "batch failed")
			d.emit(ctx, b, op, result, db.RunStatusFailed)
		} else {
			result = d.commit(ctx, op, b, result, log)
			d.emit(ctx, b, op, result, db.RunStatusSucceeded)
		}
	}

	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
	b.settle(result)
}

// lookup returns the first n cached images for fingerprint. A cached batch
// with fewer slots, or one stored by a different kind, is a miss.
func (d *Dispatcher) lookup(ctx context.Context, kind Kind, fingerprint string, n int) ([]imagegen.Image, bool) {
	entry, ok := d.cache.Get(ctx, fingerprint)
	if !ok || entry.Kind != string(kind) {
		return nil, false
	}
	var images []imagegen.Image
	if err := json.Unmarshal(entry.Body, &images); err != nil {
		d.logger.Warn("discarding undecodable cache entry",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return nil, false
	}
	if len(images) < n {
		return nil, false
	}
	for _, img := range images[:n] {
		if img.IsZero() {
			return nil, false
		}
	}
	return images[:n], true
}

// generate calls the generator once per slot, concurrently. A slot failure
// never cancels its siblings; the aggregate error is the first failure in
// slot order.
func (d *Dispatcher) generate(ctx context.Context, op Operation, b *Batch, log *logging.Logger) Result {
	errs := make([]error, b.Len())
	images := make([]imagegen.Image, b.Len())

	var g errgroup.Group
	for i, req := range op.Requests {
		g.Go(func() error {
			sctx, span := d.tracer.Start(ctx, "dispatch.slot",
				trace.WithAttributes(
					attribute.Int("slot.index", i),
					attribute.String("slot.context", req.Context),
				))
			defer span.End()

			img, err := d.generator.Generate(sctx, req)
			if err == nil && img == nil {
				err = imagegen.NoImage(req.Context, "")
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "slot failed")
				log.Warn("variation failed", zap.Int("slot", i), zap.Error(err))
				errs[i] = err
				b.settleSlot(i, imagegen.Image{}, err)
				return err
			}
			images[i] = *img
			b.settleSlot(i, *img, nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, e := range errs {
			if e != nil {
				return Result{Err: e}
			}
		}
		return Result{Err: err}
	}
	return Result{Images: images}
}

// commit stores the result and charges the requester. It runs only after
// every slot succeeded.
func (d *Dispatcher) commit(ctx context.Context, op Operation, b *Batch, result Result, log *logging.Logger) Result {
	body, err := json.Marshal(result.Images)
	if err != nil {
		log.Warn("failed to encode result for cache", zap.Error(err))
	} else {
		put := d.cache.Put(ctx, b.Fingerprint, string(op.Kind), body)
		result.Evicted = put.Evicted
	}

	if units := op.Units(); units > 0 && op.UserID != "" && d.charger != nil {
		rec := d.charger.Consume(ctx, op.UserID, units)
		result.Charged = units
		result.ChargedUser = op.UserID
		log.Info("batch committed",
			zap.Int("units", units),
			zap.Int("remaining", rec.Remaining))
	} else {
		log.Info("batch committed", zap.Int("units", 0))
	}
	return result
}

func (d *Dispatcher) emit(ctx context.Context, b *Batch, op Operation, result Result, status string) {
	if len(d.sinks) == 0 {
		return
	}
	rec := CommitRecord{
		BatchID:     b.ID,
		UserID:      op.UserID,
		Kind:        op.Kind,
		Fingerprint: b.Fingerprint,
		Variations:  b.Len(),
		Units:       result.Charged,
		Status:      status,
		FromCache:   result.FromCache,
		Evicted:     result.Evicted,
		Error:       errorText(result.Err),
		Duration:    d.now().Sub(b.StartedAt),
		CreatedAt:   b.StartedAt,
	}
	for _, sink := range d.sinks {
		sink.OnCommit(ctx, rec)
	}
}

// InFlight returns the number of unsettled batches.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
