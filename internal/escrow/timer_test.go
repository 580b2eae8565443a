package escrow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/lumenwork/payments/internal/notify"
	"github.com/lumenwork/payments/internal/wallet"
)

func newSweepFixture(t *testing.T) (*Timer, *fixture) {
	t.Helper()
	f := newFixture(t)
	timer := NewTimer(f.orders, f.wallets, notify.Nop{},
		48*time.Hour, time.Hour, time.Millisecond, slog.Default())
	return timer, f
}

func TestSweep_RefundsStagnantOrder(t *testing.T) {
	timer, f := newSweepFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t, "100")
	// Paid three days ago, threshold two days.
	f.orders.SetPaidAt(o.ID, time.Now().Add(-72*time.Hour))

	refunded, err := timer.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if refunded != 1 {
		t.Fatalf("Expected one refund, got %d", refunded)
	}

	got, _ := f.orders.GetOrder(ctx, o.ID)
	if got.Status != StatusCancelled || got.PaymentStatus != PaymentRefunded {
		t.Errorf("Expected cancelled/refunded, got %s/%s", got.Status, got.PaymentStatus)
	}
	if got.Reason != refundReason {
		t.Errorf("Expected refund reason recorded, got %q", got.Reason)
	}

	w, _ := f.wallets.GetWallet(ctx, "client1")
	if !w.Available.Equal(dec("500")) || !w.Pending.IsZero() {
		t.Errorf("Expected full refund to available, got %s/%s", w.Available, w.Pending)
	}

	entries, _ := f.wallets.ListEntries(ctx, "client1", 10)
	var refund *wallet.Entry
	for _, e := range entries {
		if e.Kind == wallet.KindRefund {
			refund = e
		}
	}
	if refund == nil || refund.Description != refundReason {
		t.Fatalf("Expected refund ledger entry with reason, got %+v", entries)
	}
}

func TestSweep_SecondPassIsNoOp(t *testing.T) {
	timer, f := newSweepFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t, "100")
	f.orders.SetPaidAt(o.ID, time.Now().Add(-72*time.Hour))

	if _, err := timer.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	refunded, err := timer.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if refunded != 0 {
		t.Fatalf("Expected second sweep to skip, refunded %d", refunded)
	}

	w, _ := f.wallets.GetWallet(ctx, "client1")
	if !w.Available.Equal(dec("500")) {
		t.Errorf("Double refund detected: available %s", w.Available)
	}
}

func TestSweep_SkipsFreshAndDeliveredOrders(t *testing.T) {
	timer, f := newSweepFixture(t)
	ctx := context.Background()

	// Fresh paid order: inside the threshold.
	f.paidOrder(t, "50")

	// Stale but delivered: the payee did their part.
	delivered := f.paidOrder(t, "60")
	if _, err := f.service.SubmitDeliverable(ctx, delivered.ID, "creator1", Deliverable{Description: "done"}); err != nil {
		t.Fatal(err)
	}
	f.orders.SetPaidAt(delivered.ID, time.Now().Add(-72*time.Hour))

	refunded, err := timer.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if refunded != 0 {
		t.Fatalf("Expected no refunds, got %d", refunded)
	}
}

func TestSweep_StaleInProgressOrderIsRefunded(t *testing.T) {
	timer, f := newSweepFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t, "80")
	if _, err := f.orders.UpdateStatus(ctx, o.ID, []string{StatusConfirmed}, StatusInProgress, Update{}); err != nil {
		t.Fatal(err)
	}
	f.orders.SetPaidAt(o.ID, time.Now().Add(-72*time.Hour))

	refunded, err := timer.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if refunded != 1 {
		t.Fatalf("Expected in_progress order refunded, got %d", refunded)
	}
}

func TestTimer_StartStop(t *testing.T) {
	timer, _ := newSweepFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go timer.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for !timer.Running() {
		if time.Now().After(deadline) {
			t.Fatal("timer never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	timer.Stop()
	deadline = time.Now().Add(time.Second)
	for timer.Running() {
		if time.Now().After(deadline) {
			t.Fatal("timer never stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
