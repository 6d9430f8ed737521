package studio

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"thumbgen/core"
	"thumbgen/dispatch"
	"thumbgen/flow"
	"thumbgen/history"
	"thumbgen/imagegen"
	"thumbgen/logging"
	"thumbgen/quota"
)

// maxNotices bounds the notice queue kept for late-joining clients.
const maxNotices = 10

// Session is one user's editing session: variation slots, the editor
// image and text, the history log and the confirmation flow.
//
// Every batch is tagged with the epoch it started in. Reset bumps the
// epoch, so results of a batch started before a reset are dropped instead
// of overwriting the fresh state. Edits are also tagged with the editor
// revision of their base image; an edit whose base was replaced while it
// ran (select, undo, redo) is discarded.
//
// Thread-Safety: Session is safe for concurrent use.
type Session struct {
	userID     string
	dispatcher *dispatch.Dispatcher
	ledger     *quota.Ledger
	notifier   Notifier
	logger     *logging.Logger

	flow *flow.Controller
	log  *history.Log
	auto *history.AutoCheckpointer

	mu       sync.Mutex
	epoch    uint64
	rev      uint64 // bumped whenever current changes
	slots    []SlotView
	slotImgs []imagegen.Image
	current  imagegen.Image
	text     history.TextProperties
	errors   flow.Errors
	cacheHit bool
	notices  []string
}

func newSession(userID string, s *Studio) *Session {
	sess := &Session{
		userID:     userID,
		dispatcher: s.dispatcher,
		ledger:     s.ledger,
		notifier:   s.notifier,
		logger:     s.logger.With(zap.String("user_id", userID)),
		flow:       flow.NewController(),
		log:        history.NewLog(),
		text:       history.DefaultTextProperties(),
	}
	sess.auto = history.NewAutoCheckpointer(sess.log, s.debounce, func(history.Checkpoint) {
		sess.broadcastState()
	})
	return sess
}

// UserID returns the session owner.
func (s *Session) UserID() string {
	return s.userID
}

// View returns the current session state.
func (s *Session) View(ctx context.Context) View {
	s.mu.Lock()
	v := s.viewLocked()
	s.mu.Unlock()
	if rec, err := s.ledger.Snapshot(ctx, s.userID); err == nil {
		v.Quota = &rec
	}
	return v
}

func (s *Session) viewLocked() View {
	v := View{
		Epoch:    s.epoch,
		State:    s.flow.State(),
		BatchID:  s.flow.BatchID(),
		Slots:    append([]SlotView{}, s.slots...),
		Text:     s.text,
		CanUndo:  s.log.CanUndo(),
		CanRedo:  s.log.CanRedo(),
		Errors:   s.errors,
		CacheHit: s.cacheHit,
		Notices:  append([]string{}, s.notices...),
	}
	if conf, ok := s.flow.Confirmation(); ok {
		v.Confirmation = &conf
	}
	if !s.current.IsZero() {
		v.Current = s.current.DataURL()
	}
	return v
}

// --- credit-consuming requests ---

// RequestGenerate validates a batch generation and returns its
// confirmation descriptor. Nothing is dispatched until Confirm.
func (s *Session) RequestGenerate(ctx context.Context, in dispatch.GenerateInput) (quota.Confirmation, error) {
	return s.request(ctx, func(watermark bool) (dispatch.Operation, error) {
		return dispatch.Generate(in, watermark)
	})
}

// RequestPro validates a one-shot generation.
func (s *Session) RequestPro(ctx context.Context, prompt string) (quota.Confirmation, error) {
	return s.request(ctx, func(watermark bool) (dispatch.Operation, error) {
		return dispatch.Pro(prompt, watermark)
	})
}

// RequestRecreate validates a re-creation.
func (s *Session) RequestRecreate(ctx context.Context, in dispatch.RecreateInput) (quota.Confirmation, error) {
	return s.request(ctx, func(watermark bool) (dispatch.Operation, error) {
		return dispatch.Recreate(in, watermark)
	})
}

func (s *Session) request(ctx context.Context, build func(watermark bool) (dispatch.Operation, error)) (quota.Confirmation, error) {
	rec, err := s.ledger.Guard(ctx, s.userID)
	if err != nil {
		return quota.Confirmation{}, err
	}
	op, err := build(s.ledger.Watermark(rec))
	if err != nil {
		s.showError(flow.PanelTool, core.UserMessage(err, err.Error()))
		return quota.Confirmation{}, err
	}
	op.UserID = s.userID

	conf := quota.BuildConfirmation(op.Units(), rec.Remaining)
	if err := s.flow.Request(op, conf); err != nil {
		return quota.Confirmation{}, err
	}
	s.broadcastState()
	return conf, nil
}

// Confirm dispatches the pending operation and returns its batch id.
func (s *Session) Confirm(ctx context.Context) (string, error) {
	op, err := s.flow.Confirm()
	if err != nil {
		s.broadcastState()
		return "", err
	}

	s.mu.Lock()
	s.errors.Clear(flow.PanelTool)
	s.cacheHit = false
	s.slots = make([]SlotView, op.Variations())
	s.slotImgs = make([]imagegen.Image, op.Variations())
	for i := range s.slots {
		s.slots[i] = SlotView{Index: i, Status: SlotPending}
	}
	s.mu.Unlock()

	return s.start(ctx, op, 0)
}

// Cancel closes the confirmation.
func (s *Session) Cancel() error {
	if err := s.flow.Cancel(); err != nil {
		return err
	}
	s.broadcastState()
	return nil
}

// --- free edits ---

// ApplyFilter restyles the editor image.
func (s *Session) ApplyFilter(ctx context.Context, filter string) (string, error) {
	return s.edit(ctx, func(current imagegen.Image, watermark bool) (dispatch.Operation, error) {
		return dispatch.Filter(current, filter, watermark)
	})
}

// ChangeBackground replaces the editor image background from a description.
func (s *Session) ChangeBackground(ctx context.Context, description string) (string, error) {
	return s.edit(ctx, func(current imagegen.Image, watermark bool) (dispatch.Operation, error) {
		return dispatch.Background(current, description, watermark)
	})
}

// ApplyCustomBackground composites the editor subject onto background.
func (s *Session) ApplyCustomBackground(ctx context.Context, background imagegen.Image) (string, error) {
	return s.edit(ctx, func(current imagegen.Image, watermark bool) (dispatch.Operation, error) {
		return dispatch.CustomBackground(current, background, watermark)
	})
}

// Upscale replaces the editor image with a 4K version.
func (s *Session) Upscale(ctx context.Context) (string, error) {
	return s.edit(ctx, dispatch.Upscale)
}

func (s *Session) edit(ctx context.Context, build func(current imagegen.Image, watermark bool) (dispatch.Operation, error)) (string, error) {
	rec, err := s.ledger.Snapshot(ctx, s.userID)
	if err != nil {
		return "", err
	}
	if err := s.flow.BeginDirect(); err != nil {
		return "", err
	}

	s.mu.Lock()
	current, rev := s.current, s.rev
	s.mu.Unlock()

	op, err := build(current, s.ledger.Watermark(rec))
	if err != nil {
		s.flow.Abort()
		s.showError(flow.PanelEditor, core.UserMessage(err, err.Error()))
		return "", err
	}
	op.UserID = s.userID

	s.mu.Lock()
	s.errors.Clear(flow.PanelEditor)
	s.mu.Unlock()
	return s.start(ctx, op, rev)
}

// start dispatches op and wires its slots and settlement into the session.
// rev is the editor revision an edit was built from.
func (s *Session) start(ctx context.Context, op dispatch.Operation, rev uint64) (string, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	b, err := s.dispatcher.Dispatch(ctx, op)
	if err != nil {
		s.flow.Abort()
		s.showError(flow.PanelFor(op.Kind), dispatch.FallbackMessage(op.Kind))
		return "", err
	}
	s.flow.Attach(b.ID)
	s.broadcastState()

	if !op.Kind.IsEdit() {
		b.OnSlot(func(i int, img imagegen.Image, err error) {
			s.onSlot(epoch, b.ID, i, img, err)
		})
	}
	go func() {
		<-b.Done()
		s.onSettled(epoch, rev, op, b)
	}()
	return b.ID, nil
}

func (s *Session) onSlot(epoch uint64, batchID string, i int, img imagegen.Image, err error) {
	s.mu.Lock()
	if epoch != s.epoch || i >= len(s.slots) {
		s.mu.Unlock()
		return
	}
	view := SlotView{Index: i, Status: SlotReady}
	if err != nil {
		view.Status = SlotFailed
		view.Error = core.UserMessage(err, "")
	} else {
		view.Image = img.DataURL()
		s.slotImgs[i] = img
	}
	s.slots[i] = view
	s.mu.Unlock()

	s.notify(EventSlotUpdate, SlotUpdate{BatchID: batchID, SlotView: view})
}

func (s *Session) onSettled(epoch, rev uint64, op dispatch.Operation, b *dispatch.Batch) {
	r := b.Result()
	s.flow.Finish(b.ID)

	// The checkpoint is pushed under s.mu so a concurrent Reset cannot
	// land between the epoch check and the push.
	s.mu.Lock()
	stale := epoch != s.epoch
	superseded := false
	var notices []string
	var errMsg string
	panel := flow.PanelFor(op.Kind)
	if !stale {
		if r.Err != nil {
			errMsg = core.UserMessage(r.Err, dispatch.FallbackMessage(op.Kind))
			s.errors.Set(panel, errMsg)
		} else {
			if r.FromCache {
				s.cacheHit = true
				notices = append(notices, NoticeCacheHit)
			}
			if r.Evicted {
				notices = append(notices, NoticeStorageFull)
			}
			if op.Kind.IsEdit() && len(r.Images) > 0 {
				if rev == s.rev {
					s.setCurrentLocked(r.Images[0])
					s.auto.Cancel()
					s.log.Push(history.Checkpoint{Image: s.current, Text: s.text})
				} else {
					superseded = true
				}
			}
		}
		for _, n := range notices {
			s.pushNoticeLocked(n)
		}
	}
	s.mu.Unlock()

	if stale {
		s.logger.Debug("discarding result of a reset session", zap.String("batch_id", b.ID))
		return
	}
	if superseded {
		s.logger.Debug("discarding edit of a replaced image", zap.String("batch_id", b.ID))
	}

	s.notify(EventBatchSettled, BatchSettled{
		BatchID:   b.ID,
		Kind:      op.Kind,
		Succeeded: r.Err == nil,
		FromCache: r.FromCache,
		Charged:   r.ChargedTo(s.userID),
		Error:     errMsg,
	})
	if errMsg != "" {
		s.notify(EventError, ErrorPayload{Panel: panel, Message: errMsg})
	}
	for _, n := range notices {
		s.notify(EventNotice, NoticePayload{Message: n})
	}
	s.broadcastState()
}

// --- editor ---

// SelectVariation opens slot index in the editor with blank overlay text.
func (s *Session) SelectVariation(index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.slots) || s.slots[index].Status != SlotReady {
		s.mu.Unlock()
		return core.NewValidationError(fmt.Sprintf("Variation %d is not ready.", index+1))
	}
	s.setCurrentLocked(s.slotImgs[index])
	s.text.Content = ""
	s.auto.Cancel()
	s.log.Push(history.Checkpoint{Image: s.current, Text: s.text})
	s.mu.Unlock()

	s.broadcastState()
	return nil
}

func (s *Session) setCurrentLocked(img imagegen.Image) {
	s.current = img
	s.rev++
}

// UpdateText applies a passive overlay edit. It is checkpointed after the
// debounce quiet period.
func (s *Session) UpdateText(props history.TextProperties) {
	s.mu.Lock()
	s.text = props
	current := s.current
	s.mu.Unlock()

	if !current.IsZero() {
		s.auto.Observe(history.Checkpoint{Image: current, Text: props})
	}
}

// Undo restores the previous checkpoint. A pending passive edit is recorded
// first so it is the one undone.
func (s *Session) Undo() bool {
	return s.restore((*history.Log).Undo)
}

// Redo restores the next checkpoint.
func (s *Session) Redo() bool {
	return s.restore((*history.Log).Redo)
}

func (s *Session) restore(move func(*history.Log) (history.Checkpoint, bool)) bool {
	s.auto.Flush()

	s.mu.Lock()
	cp, ok := move(s.log)
	if ok {
		s.setCurrentLocked(cp.Image)
		s.text = cp.Text
	}
	s.mu.Unlock()

	if ok {
		s.broadcastState()
	}
	return ok
}

// Reset clears the session and starts a new epoch.
func (s *Session) Reset() {
	s.flow.Reset()

	s.mu.Lock()
	s.auto.Cancel()
	s.log.Reset()
	s.epoch++
	s.slots = nil
	s.slotImgs = nil
	s.setCurrentLocked(imagegen.Image{})
	s.text = history.DefaultTextProperties()
	s.errors = flow.Errors{}
	s.cacheHit = false
	s.notices = nil
	s.mu.Unlock()

	s.broadcastState()
}

// Close stops the debounce timer.
func (s *Session) Close() {
	s.auto.Stop()
}

// --- notifications ---

func (s *Session) showError(p flow.Panel, msg string) {
	s.mu.Lock()
	s.errors.Set(p, msg)
	s.mu.Unlock()
	s.notify(EventError, ErrorPayload{Panel: p, Message: msg})
}

func (s *Session) pushNoticeLocked(msg string) {
	s.notices = append(s.notices, msg)
	if len(s.notices) > maxNotices {
		s.notices = s.notices[len(s.notices)-maxNotices:]
	}
}

func (s *Session) broadcastState() {
	if s.notifier == nil {
		return
	}
	s.notify(EventSessionState, s.View(context.Background()))
}

func (s *Session) notify(t EventType, data interface{}) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(s.userID, Event{Type: t, Data: data})
}
