package coordinator

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeExec struct {
	runs int
	err  error
}

func (e *fakeExec) Execute(map[string]any) error {
	e.runs++
	return e.err
}

// Duplicate registration is a no-op returning false.
func TestRegisterIdempotent(t *testing.T) {
	t.Parallel()
	c := New(testLogger())

	if !c.RegisterStrategy("condor-0dte", PriorityHigh, &fakeExec{}) {
		t.Fatal("first registration should succeed")
	}
	if c.RegisterStrategy("condor-0dte", PriorityLow, &fakeExec{}) {
		t.Error("second registration should return false")
	}
}

func TestExecutionOrderByPriority(t *testing.T) {
	t.Parallel()
	c := New(testLogger())
	c.RegisterStrategy("lt112", PriorityMedium, &fakeExec{})
	c.RegisterStrategy("emergency-exit", PriorityCritical, &fakeExec{})
	c.RegisterStrategy("leap-ladder", PriorityIdle, &fakeExec{})
	c.RegisterStrategy("condor-0dte", PriorityHigh, &fakeExec{})

	got := c.ExecutionOrder()
	want := []string{"emergency-exit", "condor-0dte", "lt112", "leap-ladder"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestWindowGating(t *testing.T) {
	t.Parallel()
	c := New(testLogger())
	c.now = func() time.Time {
		// Friday 2025-06-06 09:00 New York.
		return time.Date(2025, 6, 6, 9, 0, 0, 0, c.marketTZ)
	}
	c.RegisterStrategy("condor-0dte", PriorityHigh, &fakeExec{})
	c.SetWindow("condor-0dte", Window{StartHour: 10, StartMin: 30, EndHour: 15, EndMin: 30})

	if ran := c.RequestExecution("condor-0dte", func() error { return nil }, false); ran {
		t.Error("execution before window start should be refused")
	}

	c.now = func() time.Time {
		return time.Date(2025, 6, 6, 10, 30, 0, 0, c.marketTZ)
	}
	if ran := c.RequestExecution("condor-0dte", func() error { return nil }, false); !ran {
		t.Error("execution at window start should run")
	}
}

func TestConflictBlocks(t *testing.T) {
	t.Parallel()
	c := New(testLogger())
	c.RegisterStrategy("lt112", PriorityMedium, &fakeExec{})
	c.RegisterStrategy("strangle-es", PriorityMedium, &fakeExec{})
	c.SetConflicts("strangle-es", "lt112")

	done := make(chan bool)
	started := make(chan struct{})
	go c.RequestExecution("lt112", func() error {
		close(started)
		<-done
		return nil
	}, false)
	<-started

	if ran := c.RequestExecution("strangle-es", func() error { return nil }, false); ran {
		t.Error("conflicting strategy should be refused while peer is active")
	}
	close(done)
}

func TestCriticalPreempts(t *testing.T) {
	t.Parallel()
	c := New(testLogger())
	c.RegisterStrategy("lt112", PriorityMedium, &fakeExec{})
	c.RegisterStrategy("emergency", PriorityCritical, &fakeExec{})
	c.SetConflicts("emergency", "lt112")

	done := make(chan bool)
	started := make(chan struct{})
	go c.RequestExecution("lt112", func() error {
		close(started)
		<-done
		return nil
	}, false)
	<-started

	var wasBlocked bool
	ran := c.RequestExecution("emergency", func() error {
		wasBlocked = c.IsBlocked("lt112")
		return nil
	}, false)
	if !ran {
		t.Fatal("critical strategy should preempt the conflicting peer")
	}
	if !wasBlocked {
		t.Error("preempted strategy should be blocked during critical run")
	}
	if c.IsBlocked("lt112") {
		t.Error("preempted strategy should be unblocked afterwards")
	}
	close(done)
}

func TestExclusivePausesOthers(t *testing.T) {
	t.Parallel()
	c := New(testLogger())
	c.RegisterStrategy("condor-0dte", PriorityHigh, &fakeExec{})
	c.RegisterStrategy("lt112", PriorityMedium, &fakeExec{})

	var lt112Blocked bool
	c.RequestExecution("condor-0dte", func() error {
		lt112Blocked = c.IsBlocked("lt112")
		return nil
	}, true)
	if !lt112Blocked {
		t.Error("exclusive execution should pause other strategies")
	}
	if c.IsBlocked("lt112") {
		t.Error("pause should lift after exclusive run")
	}
}

func TestCallbackErrorRecorded(t *testing.T) {
	t.Parallel()
	c := New(testLogger())
	c.RegisterStrategy("lt112", PriorityMedium, &fakeExec{})

	if ok := c.RequestExecution("lt112", func() error { return errors.New("boom") }, false); ok {
		t.Error("failing callback should report false")
	}
	h := c.History()
	if len(h) != 1 || h[0].Err == "" {
		t.Errorf("history = %+v, want one failed record", h)
	}
	if c.IsActive("lt112") {
		t.Error("strategy stuck active after failure")
	}
}

func TestCallbackPanicContained(t *testing.T) {
	t.Parallel()
	c := New(testLogger())
	c.RegisterStrategy("lt112", PriorityMedium, &fakeExec{})

	if ok := c.RequestExecution("lt112", func() error { panic("boom") }, false); ok {
		t.Error("panicking callback should report false")
	}
	if c.IsActive("lt112") {
		t.Error("strategy stuck active after panic")
	}
}

func TestResourceLocks(t *testing.T) {
	t.Parallel()
	c := New(testLogger())

	if !c.AcquireResourceLock(LockOrderPlacement, "condor-0dte", time.Minute) {
		t.Fatal("free lock should grant")
	}
	// Re-entrant for the same owner.
	if !c.AcquireResourceLock(LockOrderPlacement, "condor-0dte", time.Minute) {
		t.Error("same owner should re-acquire")
	}
	if c.AcquireResourceLock(LockOrderPlacement, "lt112", time.Minute) {
		t.Error("held lock should refuse another owner")
	}

	c.ReleaseResourceLock(LockOrderPlacement, "lt112") // not the owner: no-op
	if c.AcquireResourceLock(LockOrderPlacement, "lt112", time.Minute) {
		t.Error("release by non-owner should not free the lock")
	}

	c.ReleaseResourceLock(LockOrderPlacement, "condor-0dte")
	if !c.AcquireResourceLock(LockOrderPlacement, "lt112", time.Minute) {
		t.Error("released lock should grant")
	}
}

func TestStaleLockBroken(t *testing.T) {
	t.Parallel()
	c := New(testLogger())
	now := time.Now()
	c.now = func() time.Time { return now }

	c.AcquireResourceLock(LockMargin, "lt112", time.Minute)
	now = now.Add(2 * time.Minute)
	if !c.AcquireResourceLock(LockMargin, "condor-0dte", time.Minute) {
		t.Error("stale lock should be broken and granted to new owner")
	}
}

func TestExecuteStrategiesThrottle(t *testing.T) {
	t.Parallel()
	c := New(testLogger())
	now := time.Now()
	c.now = func() time.Time { return now }

	e := &fakeExec{}
	c.RegisterStrategy("lt112", PriorityMedium, e)

	c.ExecuteStrategies(nil)
	c.ExecuteStrategies(nil) // within throttle, skipped silently
	if e.runs != 1 {
		t.Fatalf("runs = %d, want 1 (throttled)", e.runs)
	}

	now = now.Add(DefaultThrottle + time.Second)
	c.ExecuteStrategies(nil)
	if e.runs != 2 {
		t.Errorf("runs = %d, want 2 after throttle interval", e.runs)
	}
}

func TestExecuteStrategiesFailureIsolation(t *testing.T) {
	t.Parallel()
	c := New(testLogger())
	bad := &fakeExec{err: errors.New("no fills")}
	good := &fakeExec{}
	c.RegisterStrategy("condor-0dte", PriorityHigh, bad)
	c.RegisterStrategy("lt112", PriorityMedium, good)

	c.ExecuteStrategies(nil)
	if bad.runs != 1 || good.runs != 1 {
		t.Errorf("runs = %d/%d, failing strategy must not halt the rest", bad.runs, good.runs)
	}
}
