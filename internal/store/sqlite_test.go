package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"RailCredit/internal/models"

	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func newOrder(id string, status models.OrderStatus, wallet string, expiresAt time.Time) *models.Order {
	now := time.Now().UTC()
	return &models.Order{
		OrderID:          id,
		Rail:             models.RailFiatGateway,
		PayerWallet:      wallet,
		PayerEmail:       "payer@example.com",
		SourceAmount:     decimal.RequireFromString("15000"),
		SourceCurrency:   models.CurrencyFiat,
		TokenAmount:      decimal.RequireFromString("10"),
		FiatAmount:       decimal.RequireFromString("15000"),
		SettlementAmount: "1500000",
		CreditAmount:     decimal.RequireFromString("50"),
		RateSnapshot:     `{"rate":"1500","source":"fixed"}`,
		ExternalRef:      "TON_" + id,
		Status:           status,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestCreateAndGetOrder(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	order := newOrder("o-1", models.OrderCreated, "", time.Now().Add(time.Hour))

	if err := s.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	got, err := s.GetOrder(ctx, "o-1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if !got.CreditAmount.Equal(order.CreditAmount) || got.SettlementAmount != "1500000" {
		t.Errorf("amounts not preserved: credit=%s settlement=%s", got.CreditAmount, got.SettlementAmount)
	}
	if got.Rail != models.RailFiatGateway || got.Status != models.OrderCreated {
		t.Errorf("unexpected rail/status: %s/%s", got.Rail, got.Status)
	}

	byRef, err := s.GetOrderByRef(ctx, "TON_o-1")
	if err != nil || byRef.OrderID != "o-1" {
		t.Fatalf("GetOrderByRef = %v, %v", byRef, err)
	}

	if _, err := s.GetOrder(ctx, "missing"); !errors.Is(err, models.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestTransitionIsConditional(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	s.CreateOrder(ctx, newOrder("o-1", models.OrderCreated, "", time.Now().Add(time.Hour)))

	applied, err := s.Transition(ctx, "o-1", []models.OrderStatus{models.OrderCreated}, models.OrderAwaitingSettlement, models.Patch{TxRef: "boc"})
	if err != nil || !applied {
		t.Fatalf("first transition = %v, %v", applied, err)
	}

	applied, err = s.Transition(ctx, "o-1", []models.OrderStatus{models.OrderCreated}, models.OrderFailed, models.Patch{})
	if err != nil {
		t.Fatalf("second transition failed: %v", err)
	}
	if applied {
		t.Error("transition from a stale status must not apply")
	}

	got, _ := s.GetOrder(ctx, "o-1")
	if got.Status != models.OrderAwaitingSettlement || got.TxRef != "boc" {
		t.Errorf("status=%s tx_ref=%s", got.Status, got.TxRef)
	}
}

func TestSettleRespectsDeadline(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)
	s.CreateOrder(ctx, newOrder("late", models.OrderAwaitingSettlement, "", deadline))
	s.CreateOrder(ctx, newOrder("ok", models.OrderAwaitingSettlement, "", deadline))

	applied, err := s.Settle(ctx, "late", deadline.Add(time.Second), "")
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if applied {
		t.Error("settlement after the deadline must not apply")
	}

	applied, err = s.Settle(ctx, "ok", deadline.Add(-time.Second), "tx-1")
	if err != nil || !applied {
		t.Fatalf("Settle = %v, %v", applied, err)
	}
	got, _ := s.GetOrder(ctx, "ok")
	if got.Status != models.OrderSettled || got.SettledAt == nil {
		t.Errorf("expected settled with timestamp, got %s", got.Status)
	}
}

func TestLinkWallet(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	cases := []struct {
		status models.OrderStatus
		want   bool
	}{
		{models.OrderCreated, false},
		{models.OrderAwaitingSettlement, true},
		{models.OrderSettled, true},
		{models.OrderCredited, false},
		{models.OrderFailed, false},
		{models.OrderExpired, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			id := "link-" + string(tc.status)
			s.CreateOrder(ctx, newOrder(id, tc.status, "", exp))
			linked, err := s.LinkWallet(ctx, id, "EQwallet")
			if err != nil {
				t.Fatalf("LinkWallet failed: %v", err)
			}
			if linked != tc.want {
				t.Errorf("LinkWallet = %v, want %v", linked, tc.want)
			}
		})
	}

	s.CreateOrder(ctx, newOrder("bound", models.OrderSettled, "EQfirst", exp))
	if linked, _ := s.LinkWallet(ctx, "bound", "EQother"); linked {
		t.Error("a bound wallet must not be replaced")
	}
	if linked, _ := s.LinkWallet(ctx, "bound", "EQfirst"); !linked {
		t.Error("re-linking the same wallet should be accepted")
	}
}

func TestCreditOrderExactlyOnce(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	s.CreateOrder(ctx, newOrder("o-1", models.OrderSettled, "EQwallet", time.Now().Add(time.Hour)))

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			credited, err := s.CreditOrder(ctx, "o-1")
			if err != nil {
				t.Errorf("CreditOrder failed: %v", err)
			}
			results <- credited
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for credited := range results {
		if credited {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one credit, got %d", wins)
	}

	balance, err := s.Balance(ctx, "EQwallet")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance = %s, want 50", balance)
	}

	got, _ := s.GetOrder(ctx, "o-1")
	if got.Status != models.OrderCredited || got.CreditedAt == nil {
		t.Errorf("expected credited, got %s", got.Status)
	}
}

func TestCreditOrderRequiresWallet(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	s.CreateOrder(ctx, newOrder("o-1", models.OrderSettled, "", time.Now().Add(time.Hour)))

	credited, err := s.CreditOrder(ctx, "o-1")
	if err != nil || credited {
		t.Fatalf("CreditOrder without wallet = %v, %v", credited, err)
	}
	got, _ := s.GetOrder(ctx, "o-1")
	if got.Status != models.OrderSettled {
		t.Errorf("order should stay settled, got %s", got.Status)
	}
}

func TestExpireOverdue(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	s.CreateOrder(ctx, newOrder("old-created", models.OrderCreated, "", now.Add(-time.Minute)))
	s.CreateOrder(ctx, newOrder("old-awaiting", models.OrderAwaitingSettlement, "", now.Add(-time.Minute)))
	s.CreateOrder(ctx, newOrder("old-settled", models.OrderSettled, "", now.Add(-time.Minute)))
	s.CreateOrder(ctx, newOrder("fresh", models.OrderAwaitingSettlement, "", now.Add(time.Hour)))

	ids, err := s.ExpireOverdue(ctx, now)
	if err != nil {
		t.Fatalf("ExpireOverdue failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 expired orders, got %v", ids)
	}

	for id, want := range map[string]models.OrderStatus{
		"old-created":  models.OrderExpired,
		"old-awaiting": models.OrderExpired,
		"old-settled":  models.OrderSettled,
		"fresh":        models.OrderAwaitingSettlement,
	} {
		got, _ := s.GetOrder(ctx, id)
		if got.Status != want {
			t.Errorf("%s: status %s, want %s", id, got.Status, want)
		}
	}

	awaiting, err := s.ListAwaiting(ctx)
	if err != nil || len(awaiting) != 1 || awaiting[0].OrderID != "fresh" {
		t.Errorf("ListAwaiting = %v, %v", awaiting, err)
	}
}

func TestListByWalletNewestFirst(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	older := newOrder("older", models.OrderCredited, "EQwallet", exp)
	older.CreatedAt = time.Now().Add(-time.Hour).UTC()
	newer := newOrder("newer", models.OrderAwaitingSettlement, "EQwallet", exp)
	s.CreateOrder(ctx, older)
	s.CreateOrder(ctx, newer)
	s.CreateOrder(ctx, newOrder("other", models.OrderCreated, "EQother", exp))

	orders, err := s.ListByWallet(ctx, "EQwallet", 0)
	if err != nil {
		t.Fatalf("ListByWallet failed: %v", err)
	}
	if len(orders) != 2 || orders[0].OrderID != "newer" || orders[1].OrderID != "older" {
		t.Errorf("unexpected history order: %v", orders)
	}
}
