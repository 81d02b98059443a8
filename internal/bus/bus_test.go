package bus

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"condorbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	b := New(testLogger())

	var order []string
	mk := func(name string) Handler {
		return func(*types.Event) error {
			order = append(order, name)
			return nil
		}
	}

	b.Subscribe(types.EventMarketDataUpdated, mk("low"), "low", 1)
	b.Subscribe(types.EventMarketDataUpdated, mk("high"), "high", 10)
	b.Subscribe(types.EventMarketDataUpdated, mk("mid-a"), "mid-a", 5)
	b.Subscribe(types.EventMarketDataUpdated, mk("mid-b"), "mid-b", 5)

	if !b.Publish(types.EventMarketDataUpdated, map[string]any{"symbol": "SPY"}, "test") {
		t.Fatal("publish failed")
	}

	want := []string{"high", "mid-a", "mid-b", "low"}
	if len(order) != len(want) {
		t.Fatalf("ran %d handlers, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestHandlerFailureDoesNotAbortSiblings(t *testing.T) {
	t.Parallel()
	b := New(testLogger())

	ran := 0
	b.Subscribe(types.EventOrderFilled, func(*types.Event) error {
		return errors.New("boom")
	}, "bad", 10)
	b.Subscribe(types.EventOrderFilled, func(*types.Event) error {
		ran++
		return nil
	}, "good", 1)

	if b.Publish(types.EventOrderFilled, map[string]any{}, "test") {
		t.Error("publish should report failure when any handler errors")
	}
	if ran != 1 {
		t.Errorf("sibling handler ran %d times, want 1", ran)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	t.Parallel()
	b := New(testLogger())
	b.Subscribe(types.EventOrderFilled, func(*types.Event) error {
		panic("exploded")
	}, "panicky", 1)

	if b.Publish(types.EventOrderFilled, map[string]any{}, "test") {
		t.Error("publish should report failure on handler panic")
	}
	if b.Stats().Failed == 0 {
		t.Error("panic should count as a failure")
	}
}

func TestCyclicPayloadRejected(t *testing.T) {
	t.Parallel()
	b := New(testLogger())

	inner := map[string]any{}
	outer := map[string]any{"inner": inner}
	inner["outer"] = outer

	if b.Publish(types.EventMarketDataUpdated, outer, "test") {
		t.Error("cyclic payload should fail fast")
	}
}

// GreeksCalculated → PerformanceThresholdBreach →
// GreeksCalculationRequest must be refused when the chain would revisit the
// Greeks publisher, with loops_prevented incremented and a
// CircularDependencyDetected event published.
func TestLoopPrevention(t *testing.T) {
	t.Parallel()
	b := New(testLogger())

	var circularSeen bool
	b.Subscribe(types.EventCircularDependencyDetected, func(*types.Event) error {
		circularSeen = true
		return nil
	}, "watcher", 1)

	b.Subscribe(types.EventGreeksCalculated, func(evt *types.Event) error {
		b.PublishWithLoopDetection(types.EventPerformanceThresholdBreach, map[string]any{}, "perf", evt)
		return nil
	}, "perf", 1)

	secondPublishOK := true
	b.Subscribe(types.EventPerformanceThresholdBreach, func(evt *types.Event) error {
		// Tries to ask greeks to recalculate — greeks would then publish
		// GreeksCalculated again, so the bus must refuse the re-entry.
		secondPublishOK = b.PublishWithLoopDetection(types.EventGreeksCalculated, map[string]any{}, "greeks", evt)
		return nil
	}, "greeks", 1)

	b.Publish(types.EventGreeksCalculated, map[string]any{}, "greeks")

	if secondPublishOK {
		t.Error("cyclic re-publication should be refused")
	}
	if got := b.Stats().LoopsPrevented; got != 1 {
		t.Errorf("loops_prevented = %d, want 1", got)
	}
	if !circularSeen {
		t.Error("CircularDependencyDetected should be published on refusal")
	}
}

func TestHopCap(t *testing.T) {
	t.Parallel()
	b := New(testLogger())

	depth := 0
	b.Subscribe(types.EventMarketDataUpdated, func(evt *types.Event) error {
		depth++
		// Alternate the source every hop so the chain never repeats a
		// (type, source) pair — only the hop cap can stop it.
		src := "even"
		if depth%2 == 1 {
			src = "odd" + string(rune('0'+depth))
		} else {
			src = "even" + string(rune('0'+depth))
		}
		b.PublishWithLoopDetection(types.EventMarketDataUpdated, map[string]any{}, src, evt)
		return nil
	}, "relay", 1)

	b.Publish(types.EventMarketDataUpdated, map[string]any{}, "start")

	if depth > DefaultMaxHops {
		t.Errorf("dispatch depth %d exceeds hop cap %d", depth, DefaultMaxHops)
	}
	if b.Stats().LoopsPrevented == 0 {
		t.Error("hop cap should register as a prevented loop")
	}
}

func TestRequestResponse(t *testing.T) {
	t.Parallel()
	b := New(testLogger())

	// Responder: answers Greeks requests with a canned response.
	b.Subscribe(types.EventGreeksCalculationRequest, func(evt *types.Event) error {
		b.Respond(evt, types.EventGreeksCalculationResponse, map[string]any{"delta": 42.0}, "greeks")
		return nil
	}, "greeks", 1)

	var got float64
	ok := b.PublishRequestResponse(
		types.EventGreeksCalculationRequest,
		types.EventGreeksCalculationResponse,
		map[string]any{"symbol": "SPY"},
		"sizer",
		func(evt *types.Event) error {
			got, _ = evt.Payload["delta"].(float64)
			return nil
		},
		time.Second,
	)
	if !ok {
		t.Fatal("request publish failed")
	}
	if got != 42.0 {
		t.Errorf("callback saw delta %v, want 42", got)
	}

	st := b.Stats()
	if st.RequestsSent != 1 || st.ResponsesMatched != 1 {
		t.Errorf("stats = %+v, want 1 sent / 1 matched", st)
	}
}

func TestRequestTimeoutReaped(t *testing.T) {
	t.Parallel()
	b := New(testLogger())

	called := false
	b.PublishRequestResponse(
		types.EventGreeksCalculationRequest,
		types.EventGreeksCalculationResponse,
		map[string]any{},
		"sizer",
		func(*types.Event) error { called = true; return nil },
		10*time.Millisecond,
	)

	time.Sleep(20 * time.Millisecond)
	// Any publish cycle reaps expired requests.
	b.Publish(types.EventMarketDataUpdated, map[string]any{}, "tick")

	// A late response must not reach the dropped callback.
	b.Publish(types.EventGreeksCalculationResponse, map[string]any{}, "greeks")

	if called {
		t.Error("expired request callback should have been dropped")
	}
	if b.Stats().RequestsExpired != 1 {
		t.Errorf("requests_expired = %d, want 1", b.Stats().RequestsExpired)
	}
}
