package broker

import (
	"context"
	"testing"
	"time"

	"condorbot/pkg/types"
)

func TestSimMarketOrderFills(t *testing.T) {
	t.Parallel()
	s := NewSim()
	s.SetPrice("SPY", 450.25)

	ticket, err := s.MarketOrder(context.Background(), "SPY", -2, "test")
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Status != types.OrderFilled || ticket.AvgFillPrice != 450.25 {
		t.Errorf("ticket = %+v", ticket)
	}
	if s.Position("SPY") != -2 {
		t.Errorf("position = %d, want -2", s.Position("SPY"))
	}
}

func TestSimScriptedReject(t *testing.T) {
	t.Parallel()
	s := NewSim()
	s.RejectSymbol("BAD", "invalid symbol")

	ticket, err := s.MarketOrder(context.Background(), "BAD", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Status != types.OrderRejected || ticket.Message != "invalid symbol" {
		t.Errorf("ticket = %+v, want reject with reason", ticket)
	}
	if s.Position("BAD") != 0 {
		t.Error("rejected order must not move position")
	}
}

func TestSimComboAtomic(t *testing.T) {
	t.Parallel()
	s := NewSim()
	expiry := time.Now().AddDate(0, 0, 1)
	legs := []types.OrderLeg{
		{Contract: types.NewOptionContract("SPY", expiry, types.Put, 447, 100), Quantity: -1},
		{Contract: types.NewOptionContract("SPY", expiry, types.Put, 442, 100), Quantity: 1},
	}

	ticket, err := s.ComboOrder(context.Background(), legs, 2, "condor")
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Status != types.OrderFilled {
		t.Fatalf("ticket = %+v", ticket)
	}
	if s.Position(legs[0].Contract.Symbol) != -2 || s.Position(legs[1].Contract.Symbol) != 2 {
		t.Error("combo fills should scale legs by quantity")
	}

	// One bad leg rejects the whole combo with no residue.
	s2 := NewSim()
	s2.RejectSymbol(legs[1].Contract.Symbol, "invalid symbol")
	ticket, err = s2.ComboOrder(context.Background(), legs, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Status != types.OrderRejected {
		t.Fatal("combo with bad leg should reject")
	}
	if s2.Position(legs[0].Contract.Symbol) != 0 {
		t.Error("rejected combo must leave no leg residue")
	}
}

func TestSimHeldLimitLifecycle(t *testing.T) {
	t.Parallel()
	s := NewSim()
	s.HoldLimitOrders(true)

	ticket, err := s.LimitOrder(context.Background(), "SPY", 1, 449.50, "")
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Status != types.OrderSubmitted {
		t.Fatalf("held limit status = %v", ticket.Status)
	}

	orders, _ := s.OpenOrders(context.Background())
	if len(orders) != 1 {
		t.Fatalf("open orders = %d, want 1", len(orders))
	}

	if !s.FillOpen(ticket.OrderID) {
		t.Fatal("fill failed")
	}
	if st, _, _ := s.OrderStatus(ticket.OrderID); st != types.OrderFilled {
		t.Errorf("status = %v, want Filled", st)
	}
	if s.Position("SPY") != 1 {
		t.Error("fill should move position")
	}

	// Cancel path.
	t2, _ := s.LimitOrder(context.Background(), "SPY", 1, 448.00, "")
	if err := s.Cancel(context.Background(), t2.OrderID); err != nil {
		t.Fatal(err)
	}
	if st, _, _ := s.OrderStatus(t2.OrderID); st != types.OrderCancelled {
		t.Errorf("status = %v, want Cancelled", st)
	}
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(2, 0.1) // slow refill: one token per 10s

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// Bucket drained; a bounded wait must time out rather than grant.
	bounded, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(bounded); err == nil {
		t.Error("wait on empty bucket should fail when context expires")
	}
}
