package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/lumenwork/payments/internal/testutil"
)

// Integration tests against a real Postgres. Skipped unless POSTGRES_URL is set.

func TestPostgresStore_HoldSettleRefund(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	payer, err := store.CreateWallet(ctx, "client1", "ext_client1", "USD")
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	if _, err := store.CreateWallet(ctx, "creator1", "ext_creator1", "USD"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetAvailable(ctx, "client1", payer.Version, dec("200")); err != nil {
		t.Fatal(err)
	}
	payer, _ = store.GetWallet(ctx, "client1")

	if err := store.HoldFunds(ctx, "client1", payer.Version, dec("100"), "USD", "ord_pg1"); err != nil {
		t.Fatalf("HoldFunds failed: %v", err)
	}
	payer, _ = store.GetWallet(ctx, "client1")
	if !payer.Available.Equal(dec("100")) || !payer.Pending.Equal(dec("100")) {
		t.Fatalf("Expected 100/100 after hold, got %s/%s", payer.Available, payer.Pending)
	}

	// Stale version must not move money twice.
	if err := store.HoldFunds(ctx, "client1", payer.Version-1, dec("50"), "USD", "ord_pg2"); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("Expected ErrConcurrencyConflict, got %v", err)
	}

	payee, _ := store.GetWallet(ctx, "creator1")
	err = store.SettleEscrow(ctx, Settlement{
		OrderID:        "ord_pg1",
		PayerID:        "client1",
		PayerVersion:   payer.Version,
		PayeeID:        "creator1",
		PayeeVersion:   payee.Version,
		Gross:          dec("100"),
		PayeeAmount:    dec("90"),
		Fee:            dec("10"),
		Currency:       "USD",
		FeeDestination: "treasury:acct_fees",
	})
	if err != nil {
		t.Fatalf("SettleEscrow failed: %v", err)
	}

	payer, _ = store.GetWallet(ctx, "client1")
	payee, _ = store.GetWallet(ctx, "creator1")
	if !payer.Pending.IsZero() {
		t.Errorf("Expected payer pending cleared, got %s", payer.Pending)
	}
	if !payee.Available.Equal(dec("90")) || !payee.TotalEarnings.Equal(dec("90")) {
		t.Errorf("Expected payee 90/90, got %s/%s", payee.Available, payee.TotalEarnings)
	}

	entries, err := store.ListEntries(ctx, "creator1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Kind != KindEarning || !entries[0].NetAmount.Equal(dec("90")) {
		t.Fatalf("Expected single earning entry, got %+v", entries)
	}

	// A second hold then refund restores the balance exactly.
	if err := store.HoldFunds(ctx, "client1", payer.Version, dec("40"), "USD", "ord_pg3"); err != nil {
		t.Fatal(err)
	}
	payer, _ = store.GetWallet(ctx, "client1")
	if err := store.RefundHold(ctx, "client1", payer.Version, dec("40"), "USD", "ord_pg3", "order cancelled"); err != nil {
		t.Fatalf("RefundHold failed: %v", err)
	}
	payer, _ = store.GetWallet(ctx, "client1")
	if !payer.Available.Equal(dec("100")) || !payer.Pending.IsZero() {
		t.Errorf("Expected 100/0 after refund, got %s/%s", payer.Available, payer.Pending)
	}
}

func TestPostgresStore_DepositIdempotency(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.CreateWallet(ctx, "client1", "ext_client1", "USD"); err != nil {
		t.Fatal(err)
	}

	created, err := store.UpsertDeposit(ctx, "client1", dec("25"), "USDC", "tx_pg_abc", "custodia")
	if err != nil || !created {
		t.Fatalf("Expected first deposit created, got created=%v err=%v", created, err)
	}
	created, err = store.UpsertDeposit(ctx, "client1", dec("25"), "USDC", "tx_pg_abc", "custodia")
	if err != nil {
		t.Fatalf("replay errored: %v", err)
	}
	if created {
		t.Error("Expected replay to be a no-op")
	}

	entries, _ := store.ListEntries(ctx, "client1", 10)
	if len(entries) != 1 {
		t.Fatalf("Expected one deposit entry, got %d", len(entries))
	}
}

func TestPostgresStore_WithdrawalFailRestoresFunds(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	w, err := store.CreateWallet(ctx, "creator1", "ext_creator1", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetAvailable(ctx, "creator1", w.Version, dec("80")); err != nil {
		t.Fatal(err)
	}
	w, _ = store.GetWallet(ctx, "creator1")

	entry, err := store.CreateWithdrawal(ctx, "creator1", w.Version, dec("50"), "USD", "payout_pg1")
	if err != nil {
		t.Fatalf("CreateWithdrawal failed: %v", err)
	}
	if entry.Status != StatusProcessing {
		t.Errorf("Expected processing, got %s", entry.Status)
	}

	if err := store.FailWithdrawalByRef(ctx, "payout_pg1", "custodia", "destination rejected"); err != nil {
		t.Fatalf("FailWithdrawalByRef failed: %v", err)
	}
	w, _ = store.GetWallet(ctx, "creator1")
	if !w.Available.Equal(dec("80")) {
		t.Errorf("Expected available restored to 80, got %s", w.Available)
	}
}

func TestPostgresStore_CreateWalletDuplicate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.CreateWallet(ctx, "client1", "ext_client1", "USD"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateWallet(ctx, "client1", "ext_client1", "USD"); !errors.Is(err, ErrWalletExists) {
		t.Fatalf("Expected ErrWalletExists, got %v", err)
	}
}
