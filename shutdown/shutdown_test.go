package shutdown

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"sync"
	"syscall"
	"testing"
	"time"

	"thumbgen/core"
	"thumbgen/dispatch"
)

var _ dispatch.Tracker = (*OperationTracker)(nil)

// TestOperationTracker tests start/done accounting and closing.
func TestOperationTracker(t *testing.T) {
	tr := NewOperationTracker()
	if !tr.Start() || !tr.Start() {
		t.Fatal("Start() on open tracker = false")
	}
	if tr.ActiveCount() != 2 {
		t.Errorf("ActiveCount() = %d, want 2", tr.ActiveCount())
	}

	tr.Close()
	if tr.Start() {
		t.Error("Start() after Close = true")
	}
	if err := tr.Wait(10 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Wait() with active ops = %v, want timeout", err)
	}

	tr.Done()
	tr.Done()
	if err := tr.Wait(time.Second); err != nil {
		t.Errorf("Wait() = %v", err)
	}
}

// TestShutdownRegistry_Order tests priority order with registration order
// as the tie break, and that failures don't stop later stages.
func TestShutdownRegistry_Order(t *testing.T) {
	r := NewShutdownRegistry()
	var ran []string
	add := func(name string, priority int, err error) {
		r.Register(name, priority, func(context.Context) error {
			ran = append(ran, name)
			return err
		})
	}
	add("database", PriorityDatabase, nil)
	add("http", PriorityHTTP, nil)
	add("quota", PriorityQuota, errors.New("not drained"))
	add("runs", PriorityQuota, nil)
	add("events", PriorityEvents, nil)

	want := []string{"http", "quota", "runs", "events", "database"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	errs := r.Shutdown(context.Background())
	if !reflect.DeepEqual(ran, want) {
		t.Errorf("ran %v, want %v", ran, want)
	}
	if len(errs) != 1 || errs[0].Error() != "quota: not drained" {
		t.Errorf("errs = %v", errs)
	}

	add("late", 0, nil)
	if r.Count() != 5 || r.Shutdown(context.Background()) != nil {
		t.Error("registry accepted work after Shutdown")
	}
}

// TestManager_Shutdown tests the drain then cleanup sequence.
func TestManager_Shutdown(t *testing.T) {
	m := NewManager(nil, WithTimeout(2*time.Second))

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	tracker := m.Tracker()
	if !tracker.Start() {
		t.Fatal("tracker closed before shutdown")
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		record("batch settled")
		tracker.Done()
	}()
	m.Register("database", PriorityDatabase, func(context.Context) error {
		record("database")
		return nil
	})
	m.Register("http", PriorityHTTP, func(context.Context) error {
		record("http")
		return nil
	})

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	want := []string{"batch settled", "http", "database"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
	if !m.IsShuttingDown() || m.Context().Err() == nil {
		t.Error("manager not marked as shutting down")
	}
	if tracker.Start() {
		t.Error("tracker accepted a batch after shutdown")
	}
	if err := m.Shutdown(); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

// TestManager_StageError tests that a failed stage is reported.
func TestManager_StageError(t *testing.T) {
	m := NewManager(nil, WithTimeout(time.Second))
	m.Register("events", PriorityEvents, func(context.Context) error {
		return errors.New("drain failed")
	})
	if err := m.Shutdown(); err == nil {
		t.Error("Shutdown() error = nil")
	}
}

// TestManager_SecondSignalForcesExit tests the signal counter wiring.
func TestManager_SecondSignalForcesExit(t *testing.T) {
	code := -1
	m := NewManager(nil, WithExit(func(c int) { code = c }))
	m.onSignal(os.Interrupt)
	if m.Context().Err() == nil {
		t.Fatal("first signal did not cancel the context")
	}
	if code != -1 {
		t.Fatal("first signal forced exit")
	}
	m.onSignal(os.Interrupt)
	if code != core.ExitCodeSIGINT {
		t.Errorf("forced exit code = %d, want %d", code, core.ExitCodeSIGINT)
	}
}

// TestManager_ExitCode tests that the exit code reflects what started the
// shutdown.
func TestManager_ExitCode(t *testing.T) {
	m := NewManager(nil, WithExit(func(int) {}))
	m.Trigger()
	if got := m.ExitCode(); got != core.ExitCodeSuccess {
		t.Errorf("ExitCode() after Trigger = %d, want success", got)
	}

	m = NewManager(nil, WithExit(func(int) {}))
	m.onSignal(syscall.SIGTERM)
	m.onSignal(os.Interrupt)
	got := m.ExitCode()
	if got != core.ExitCodeSIGTERM || !core.IsSignalExit(got) {
		t.Errorf("ExitCode() = %d (%s), want the first signal's code", got, core.ExitCodeName(got))
	}
}

// TestAdapters tests the cleanup adapters.
func TestAdapters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	srv := httptest.NewServer(http.NotFoundHandler())
	if err := HTTPServer(srv.Config)(ctx); err != nil {
		t.Errorf("HTTPServer() = %v", err)
	}

	var gotTimeout time.Duration
	drained := Drainer("runs", func(d time.Duration) bool {
		gotTimeout = d
		return true
	}, func() int { return 0 })
	if err := drained(ctx); err != nil || gotTimeout <= 0 || gotTimeout > time.Second {
		t.Errorf("Drainer() = %v, timeout %v", err, gotTimeout)
	}

	stuck := Drainer("runs", func(time.Duration) bool { return false }, func() int { return 3 })
	if err := stuck(ctx); err == nil || err.Error() != "runs: 3 writes not drained" {
		t.Errorf("Drainer(stuck) = %v", err)
	}
}
