package quota

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"thumbgen/core"
	"thumbgen/db"
)

// fakeBackend is an in-memory Backend with injectable failures.
type fakeBackend struct {
	mu          sync.Mutex
	records     map[string]Record
	gets        int
	consumed    []int
	consumeErr  error
	allotErr    error
	saveErr     error
	consumeDone chan struct{}
	// consumeGate, when set, holds every Consume until it receives.
	consumeGate chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string]Record)}
}

func (f *fakeBackend) GetProfile(ctx context.Context, userID string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	rec, ok := f.records[userID]
	if !ok {
		return Record{}, ErrNoProfile
	}
	return rec, nil
}

func (f *fakeBackend) CreateProfile(ctx context.Context, rec Record) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.records[rec.UserID]; ok {
		return existing, nil
	}
	f.records[rec.UserID] = rec
	return rec, nil
}

func (f *fakeBackend) Consume(ctx context.Context, userID string, units int) error {
	if f.consumeGate != nil {
		<-f.consumeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeDone != nil {
		defer func() { f.consumeDone <- struct{}{} }()
	}
	if f.consumeErr != nil {
		return f.consumeErr
	}
	rec := f.records[userID]
	rec.Remaining -= units
	rec.Lifetime += units
	f.records[userID] = rec
	f.consumed = append(f.consumed, units)
	return nil
}

func (f *fakeBackend) SaveAllotment(ctx context.Context, userID string, remaining int, resetAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allotErr != nil {
		return f.allotErr
	}
	rec := f.records[userID]
	rec.Remaining = remaining
	rec.ResetAt = resetAt
	f.records[userID] = rec
	return nil
}

func (f *fakeBackend) SavePurchase(ctx context.Context, p Purchase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	rec, ok := f.records[p.UserID]
	if !ok {
		return ErrNoProfile
	}
	rec.Plan = p.Plan
	rec.Remaining = p.Remaining
	rec.ResetAt = p.ResetAt
	rec.PaidAt = p.PaidAt
	rec.PaymentActive = true
	f.records[p.UserID] = rec
	return nil
}

func (f *fakeBackend) stored(userID string) Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[userID]
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, backend Backend) *Ledger {
	t.Helper()
	l, err := NewLedger(backend, nil, nil, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	return l
}

// TestBuildConfirmation tests the three confirmation branches.
func TestBuildConfirmation(t *testing.T) {
	tests := []struct {
		name        string
		units       int
		remaining   int
		wantKind    ConfirmKind
		wantMessage string
		wantAction  string
	}{
		{
			name: "plain single", units: 1, remaining: 10, wantKind: ConfirmPlain,
			wantMessage: "Are you sure you want to generate 1 variation? This will use 1 of your remaining generations.",
		},
		{
			name: "plain double", units: 2, remaining: 10, wantKind: ConfirmPlain,
			wantMessage: "Are you sure you want to generate 2 variations? This will use 2 of your remaining generations.",
		},
		{
			name: "exhausting", units: 2, remaining: 2, wantKind: ConfirmExhausting,
			wantMessage: "This will use all your remaining generations (2). Are you sure you want to proceed?",
			wantAction:  UpgradeAction,
		},
		{
			name: "insufficient", units: 2, remaining: 1, wantKind: ConfirmInsufficient,
			wantMessage: core.ErrInsufficient(2, 1).Message,
			wantAction:  UpgradeAction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := BuildConfirmation(tt.units, tt.remaining)
			if c.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", c.Kind, tt.wantKind)
			}
			if c.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", c.Message, tt.wantMessage)
			}
			if c.SecondaryAction != tt.wantAction {
				t.Errorf("SecondaryAction = %q, want %q", c.SecondaryAction, tt.wantAction)
			}
			if got := c.CanProceed(); got != (tt.wantKind != ConfirmInsufficient) {
				t.Errorf("CanProceed() = %v", got)
			}
			if (c.Err() != nil) != (tt.wantKind == ConfirmInsufficient) {
				t.Errorf("Err() = %v", c.Err())
			}
		})
	}
}

// TestCatalog tests the built-in catalog and YAML loading.
func TestCatalog(t *testing.T) {
	c := DefaultCatalog()
	if got := c.Allotment(PlanPro); got != 100 {
		t.Errorf("Allotment(Pro) = %d, want 100", got)
	}
	if got := c.Allotment("Enterprise"); got != 30 {
		t.Errorf("Allotment(unknown) = %d, want fallback 30", got)
	}
	if !c.Watermark(PlanFree) || c.Watermark(PlanAgency) {
		t.Error("only Free should be watermarked")
	}
	names := c.Names()
	if names[0] != PlanFree || names[len(names)-1] != PlanAgency {
		t.Errorf("Names() = %v", names)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yaml")
	content := "fallback: Solo\nplans:\n  - name: Solo\n    allotment: 5\n  - name: Trial\n    allotment: 0\n    watermark: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if loaded.Fallback() != "Solo" || loaded.Allotment("Pro") != 5 || !loaded.Watermark("Trial") {
		t.Errorf("loaded catalog = %+v", loaded)
	}

	invalid := []struct {
		name     string
		fallback string
		plans    []Plan
	}{
		{"empty", PlanStarter, nil},
		{"unnamed", "", []Plan{{Allotment: 1}}},
		{"negative", "A", []Plan{{Name: "A", Allotment: -1}}},
		{"duplicate", "A", []Plan{{Name: "A"}, {Name: "A"}}},
		{"unknown fallback", "B", []Plan{{Name: "A"}}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.fallback, tt.plans); err == nil {
				t.Error("NewCatalog() error = nil, want error")
			}
		})
	}

	if _, err := LoadCatalog(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadCatalog(missing) error = nil")
	}
}

// TestCheckAndResetIfDue tests the refill rule.
func TestCheckAndResetIfDue(t *testing.T) {
	catalog := DefaultCatalog()
	tests := []struct {
		name          string
		rec           Record
		wantReset     bool
		wantRemaining int
	}{
		{
			name:          "past deadline",
			rec:           Record{Plan: PlanPro, Remaining: 0, PaymentActive: true, ResetAt: testNow.Add(-time.Hour)},
			wantReset:     true,
			wantRemaining: 100,
		},
		{
			name:          "before deadline",
			rec:           Record{Plan: PlanPro, Remaining: 3, PaymentActive: true, ResetAt: testNow.Add(time.Hour)},
			wantRemaining: 3,
		},
		{
			name:          "inactive",
			rec:           Record{Plan: PlanPro, Remaining: 0, ResetAt: testNow.Add(-time.Hour)},
			wantRemaining: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reset := CheckAndResetIfDue(tt.rec, catalog, testNow)
			if reset != tt.wantReset {
				t.Errorf("reset = %v, want %v", reset, tt.wantReset)
			}
			if got.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", got.Remaining, tt.wantRemaining)
			}
			if reset && !got.ResetAt.Equal(testNow.Add(ResetPeriod)) {
				t.Errorf("ResetAt = %v, want now+30d", got.ResetAt)
			}
		})
	}
}

// TestLedger_Load tests profile creation, refill and the guard outcomes.
func TestLedger_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("creates starter profile", func(t *testing.T) {
		backend := newFakeBackend()
		l := newTestLedger(t, backend)
		rec, err := l.Load(ctx, "u1")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if rec.Plan != PlanStarter || rec.Remaining != 0 || rec.PaymentActive {
			t.Errorf("Load() = %+v, want inactive Starter", rec)
		}
		if !rec.ResetAt.Equal(testNow.Add(ResetPeriod)) {
			t.Errorf("ResetAt = %v", rec.ResetAt)
		}
		if _, err := l.Guard(ctx, "u1"); !errors.Is(err, core.ErrPaymentRequired()) {
			t.Errorf("Guard() error = %v, want payment required", err)
		}
	})

	t.Run("refills due profile", func(t *testing.T) {
		backend := newFakeBackend()
		backend.records["u2"] = Record{UserID: "u2", Plan: PlanPro, PaymentActive: true, ResetAt: testNow.Add(-time.Minute)}
		l := newTestLedger(t, backend)
		rec, err := l.Load(ctx, "u2")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if rec.Remaining != 100 {
			t.Errorf("Remaining = %d, want 100", rec.Remaining)
		}
		if stored := backend.stored("u2"); stored.Remaining != 100 {
			t.Errorf("stored Remaining = %d, want 100", stored.Remaining)
		}
	})

	t.Run("refill survives write failure", func(t *testing.T) {
		backend := newFakeBackend()
		backend.allotErr = errors.New("disk full")
		backend.records["u3"] = Record{UserID: "u3", Plan: PlanStarter, PaymentActive: true, ResetAt: testNow.Add(-time.Minute)}
		l := newTestLedger(t, backend)
		rec, err := l.Load(ctx, "u3")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if rec.Remaining != 30 {
			t.Errorf("Remaining = %d, want 30", rec.Remaining)
		}
	})

	t.Run("limit reached", func(t *testing.T) {
		backend := newFakeBackend()
		backend.records["u4"] = Record{UserID: "u4", Plan: PlanPro, PaymentActive: true, ResetAt: testNow.Add(time.Hour)}
		l := newTestLedger(t, backend)
		if _, err := l.Guard(ctx, "u4"); !errors.Is(err, core.ErrLimitReached()) {
			t.Errorf("Guard() error = %v, want limit reached", err)
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		l := newTestLedger(t, newFakeBackend())
		if _, err := l.Load(ctx, ""); !errors.Is(err, core.ErrNotAuthenticated) {
			t.Errorf("Load(\"\") error = %v", err)
		}
	})
}

// TestLedger_RefillWhileLoaded tests that a cached record is refilled once
// its deadline passes, without a reload.
func TestLedger_RefillWhileLoaded(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.records["u"] = Record{UserID: "u", Plan: PlanPro, Remaining: 0, PaymentActive: true, ResetAt: testNow.Add(time.Hour)}

	now := testNow
	l, err := NewLedger(backend, nil, nil, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Guard(ctx, "u"); !errors.Is(err, core.ErrLimitReached()) {
		t.Fatalf("Guard() before deadline error = %v, want limit reached", err)
	}

	now = testNow.Add(2 * time.Hour)
	rec, err := l.Guard(ctx, "u")
	if err != nil {
		t.Fatalf("Guard() after deadline error = %v", err)
	}
	if rec.Remaining != 100 || !rec.ResetAt.Equal(now.Add(ResetPeriod)) {
		t.Errorf("Guard() = %+v, want 100 remaining and a new deadline", rec)
	}
	if stored := backend.stored("u"); stored.Remaining != 100 || !stored.ResetAt.Equal(rec.ResetAt) {
		t.Errorf("stored = %+v, want refill persisted", stored)
	}

	// A second read in the same period does not refill again.
	l.Consume(ctx, "u", 3)
	if snap, _ := l.Snapshot(ctx, "u"); snap.Remaining != 97 {
		t.Errorf("Snapshot Remaining = %d, want 97", snap.Remaining)
	}
}

// TestLedger_Consume tests the optimistic decrement and its backend write.
func TestLedger_Consume(t *testing.T) {
	ctx := context.Background()

	t.Run("queued write", func(t *testing.T) {
		backend := newFakeBackend()
		backend.consumeDone = make(chan struct{}, 1)
		backend.records["u"] = Record{UserID: "u", Plan: PlanPro, Remaining: 5, PaymentActive: true, ResetAt: testNow.Add(time.Hour)}
		l := newTestLedger(t, backend)
		l.Start()
		defer l.StopWithTimeout(time.Second)

		if _, err := l.Load(ctx, "u"); err != nil {
			t.Fatal(err)
		}
		rec := l.Consume(ctx, "u", 2)
		if rec.Remaining != 3 || rec.Lifetime != 2 {
			t.Errorf("Consume() = %+v, want remaining 3 lifetime 2", rec)
		}

		select {
		case <-backend.consumeDone:
		case <-time.After(2 * time.Second):
			t.Fatal("consume write never reached backend")
		}
		if stored := backend.stored("u"); stored.Remaining != 3 {
			t.Errorf("stored Remaining = %d, want 3", stored.Remaining)
		}
	})

	t.Run("inline when writer stopped", func(t *testing.T) {
		backend := newFakeBackend()
		backend.records["u"] = Record{UserID: "u", Plan: PlanPro, Remaining: 1, PaymentActive: true, ResetAt: testNow.Add(time.Hour)}
		l := newTestLedger(t, backend)
		if _, err := l.Load(ctx, "u"); err != nil {
			t.Fatal(err)
		}
		rec := l.Consume(ctx, "u", 2)
		if rec.Remaining != -1 {
			t.Errorf("Remaining = %d, want -1 (unclamped)", rec.Remaining)
		}
		if stored := backend.stored("u"); stored.Remaining != -1 {
			t.Errorf("stored Remaining = %d, want -1", stored.Remaining)
		}
	})

	t.Run("write failure keeps optimistic balance", func(t *testing.T) {
		backend := newFakeBackend()
		backend.consumeErr = errors.New("locked")
		backend.records["u"] = Record{UserID: "u", Plan: PlanPro, Remaining: 4, PaymentActive: true, ResetAt: testNow.Add(time.Hour)}
		l := newTestLedger(t, backend)
		if _, err := l.Load(ctx, "u"); err != nil {
			t.Fatal(err)
		}
		l.Consume(ctx, "u", 1)
		rec, _ := l.Snapshot(ctx, "u")
		if rec.Remaining != 3 {
			t.Errorf("Snapshot Remaining = %d, want 3", rec.Remaining)
		}
	})

	t.Run("zero units", func(t *testing.T) {
		backend := newFakeBackend()
		backend.records["u"] = Record{UserID: "u", Plan: PlanPro, Remaining: 4, PaymentActive: true, ResetAt: testNow.Add(time.Hour)}
		l := newTestLedger(t, backend)
		l.Load(ctx, "u")
		if rec := l.Consume(ctx, "u", 0); rec.Remaining != 4 {
			t.Errorf("Consume(0) Remaining = %d, want 4", rec.Remaining)
		}
	})
}

// TestLedger_Purchase tests plan activation.
func TestLedger_Purchase(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	l := newTestLedger(t, backend)

	if _, err := l.Purchase(ctx, "u", "Platinum"); err == nil {
		t.Error("Purchase(unknown plan) error = nil")
	}

	rec, err := l.Purchase(ctx, "u", PlanBusiness)
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}
	if !rec.PaymentActive || rec.Remaining != 300 || !rec.PaidAt.Equal(testNow) {
		t.Errorf("Purchase() = %+v", rec)
	}
	if stored := backend.stored("u"); stored.Plan != PlanBusiness {
		t.Errorf("stored Plan = %q", stored.Plan)
	}

	c, err := l.Confirm(ctx, "u", 2)
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if c.Kind != ConfirmPlain {
		t.Errorf("Confirm().Kind = %q, want plain", c.Kind)
	}
	if ok, _ := l.CanAfford(ctx, "u", 301); ok {
		t.Error("CanAfford(301) = true")
	}

	backend.saveErr = errors.New("readonly")
	if _, err := l.Purchase(ctx, "u", PlanAgency); err == nil {
		t.Error("Purchase() with failing backend error = nil")
	}
	if snap, _ := l.Snapshot(ctx, "u"); snap.Plan != PlanBusiness {
		t.Errorf("Snapshot Plan after failed purchase = %q, want Business", snap.Plan)
	}
}

// TestLedger_PurchaseAfterQueuedConsume tests that a consume still queued
// when a plan is bought lands before the purchase, leaving the store and
// the snapshot equal.
func TestLedger_PurchaseAfterQueuedConsume(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.consumeGate = make(chan struct{})
	backend.records["u"] = Record{UserID: "u", Plan: PlanStarter, Remaining: 5, Lifetime: 10, PaymentActive: true, ResetAt: testNow.Add(time.Hour)}
	l := newTestLedger(t, backend)
	l.Start()
	defer l.StopWithTimeout(time.Second)

	if _, err := l.Load(ctx, "u"); err != nil {
		t.Fatal(err)
	}
	l.Consume(ctx, "u", 2)

	type result struct {
		rec Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := l.Purchase(ctx, "u", PlanPro)
		done <- result{rec, err}
	}()

	select {
	case <-done:
		t.Fatal("Purchase() returned before the queued consume was applied")
	case <-time.After(50 * time.Millisecond):
	}
	close(backend.consumeGate)

	var got result
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Purchase() never returned")
	}
	if got.err != nil {
		t.Fatalf("Purchase() error = %v", got.err)
	}
	if got.rec.Remaining != 100 || got.rec.Lifetime != 12 {
		t.Errorf("snapshot = remaining %d lifetime %d, want 100 and 12", got.rec.Remaining, got.rec.Lifetime)
	}
	if stored := backend.stored("u"); stored.Remaining != 100 || stored.Lifetime != 12 || stored.Plan != PlanPro {
		t.Errorf("stored = %+v, want Pro with remaining 100 lifetime 12", stored)
	}
}

// TestLedger_Forget tests that a record with a write still queued or in
// progress is kept.
func TestLedger_Forget(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.consumeGate = make(chan struct{})
	backend.consumeDone = make(chan struct{}, 2)
	backend.records["u"] = Record{UserID: "u", Plan: PlanPro, Remaining: 5, PaymentActive: true, ResetAt: testNow.Add(time.Hour)}
	l := newTestLedger(t, backend)
	l.Start()
	defer l.StopWithTimeout(time.Second)

	if _, err := l.Load(ctx, "u"); err != nil {
		t.Fatal(err)
	}
	// The first write blocks in the backend, the second stays queued.
	l.Consume(ctx, "u", 1)
	l.Consume(ctx, "u", 1)
	if got := l.PendingWrites(); got != 2 {
		t.Errorf("PendingWrites() = %d, want 2", got)
	}
	if l.Forget("u") {
		t.Error("Forget() = true with queued writes")
	}

	close(backend.consumeGate)
	for i := 0; i < 2; i++ {
		select {
		case <-backend.consumeDone:
		case <-time.After(2 * time.Second):
			t.Fatal("consume write never reached backend")
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for l.PendingWrites() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !l.Forget("u") {
		t.Error("Forget() = false after the queue drained")
	}
	rec, err := l.Snapshot(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Remaining != 3 {
		t.Errorf("reloaded Remaining = %d, want 3", rec.Remaining)
	}
}

// TestLedger_ConcurrentLoad tests that concurrent loads share one read.
func TestLedger_ConcurrentLoad(t *testing.T) {
	backend := newFakeBackend()
	backend.records["u"] = Record{UserID: "u", Plan: PlanPro, Remaining: 9, PaymentActive: true, ResetAt: testNow.Add(time.Hour)}
	l := newTestLedger(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Snapshot(context.Background(), "u"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	backend.mu.Lock()
	gets := backend.gets
	backend.mu.Unlock()
	if gets < 1 || gets > 8 {
		t.Errorf("gets = %d", gets)
	}
}

// TestSQLBackend tests the backend against a migrated database.
func TestSQLBackend(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(filepath.Join(t.TempDir(), "quota.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	defer database.Close()

	b := NewSQLBackend(db.NewRepository(database, nil))
	if _, err := b.GetProfile(ctx, "nobody"); !errors.Is(err, ErrNoProfile) {
		t.Fatalf("GetProfile(missing) error = %v, want ErrNoProfile", err)
	}
	if err := b.Consume(ctx, "nobody", 1); !errors.Is(err, ErrNoProfile) {
		t.Errorf("Consume(missing) error = %v, want ErrNoProfile", err)
	}

	resetAt := testNow.Add(ResetPeriod).Truncate(time.Millisecond)
	created, err := b.CreateProfile(ctx, Record{UserID: "u", Plan: PlanPro, Remaining: 10, PaymentActive: true, ResetAt: resetAt})
	if err != nil {
		t.Fatalf("CreateProfile() error = %v", err)
	}
	if created.Remaining != 10 {
		t.Errorf("CreateProfile().Remaining = %d", created.Remaining)
	}

	if err := b.Consume(ctx, "u", 3); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	got, err := b.GetProfile(ctx, "u")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if got.Remaining != 7 || got.Lifetime != 3 || !got.ResetAt.Equal(resetAt) {
		t.Errorf("GetProfile() = %+v", got)
	}
}
