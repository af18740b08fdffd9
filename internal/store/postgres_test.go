//go:build integration

package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"RailCredit/internal/db"
	"RailCredit/internal/models"

	"github.com/shopspring/decimal"
)

// Run with: RAILCREDIT_TEST_DSN=postgres://... go test -tags integration ./internal/store/
func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("RAILCREDIT_TEST_DSN")
	if dsn == "" {
		t.Skip("RAILCREDIT_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("no migrations found: %v", err)
	}
	sort.Strings(files)
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(raw)); err != nil {
			t.Fatalf("apply %s: %v", f, err)
		}
	}
	if _, err := pool.Exec(ctx, `TRUNCATE ledger_entries, orders`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewPostgres(pool)
}

func TestPostgresTransitionPatch(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	if err := s.CreateOrder(ctx, newOrder("pg-1", models.OrderCreated, "", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	applied, err := s.Transition(ctx, "pg-1", []models.OrderStatus{models.OrderCreated}, models.OrderAwaitingSettlement, models.Patch{TxRef: "boc"})
	if err != nil || !applied {
		t.Fatalf("first transition = %v, %v", applied, err)
	}

	// an empty patch keeps the stored tx_ref
	applied, err = s.Transition(ctx, "pg-1", []models.OrderStatus{models.OrderAwaitingSettlement}, models.OrderFailed, models.Patch{FailureReason: "declined"})
	if err != nil || !applied {
		t.Fatalf("second transition = %v, %v", applied, err)
	}

	applied, err = s.Transition(ctx, "pg-1", []models.OrderStatus{models.OrderAwaitingSettlement}, models.OrderExpired, models.Patch{})
	if err != nil {
		t.Fatalf("stale transition failed: %v", err)
	}
	if applied {
		t.Error("transition from a stale status must not apply")
	}

	got, err := s.GetOrder(ctx, "pg-1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got.Status != models.OrderFailed || got.TxRef != "boc" || got.FailureReason != "declined" {
		t.Errorf("status=%s tx_ref=%q reason=%q", got.Status, got.TxRef, got.FailureReason)
	}
}

func TestPostgresSettleRespectsDeadline(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)
	s.CreateOrder(ctx, newOrder("pg-late", models.OrderAwaitingSettlement, "", deadline))
	s.CreateOrder(ctx, newOrder("pg-ok", models.OrderAwaitingSettlement, "", deadline))

	if applied, err := s.Settle(ctx, "pg-late", deadline.Add(time.Second), ""); err != nil || applied {
		t.Fatalf("late Settle = %v, %v", applied, err)
	}
	if applied, err := s.Settle(ctx, "pg-ok", deadline.Add(-time.Second), "tx-1"); err != nil || !applied {
		t.Fatalf("Settle = %v, %v", applied, err)
	}
	got, _ := s.GetOrder(ctx, "pg-ok")
	if got.Status != models.OrderSettled || got.SettledAt == nil || got.TxRef != "tx-1" {
		t.Errorf("unexpected order %+v", got)
	}
}

func TestPostgresCreditOrderExactlyOnce(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	if err := s.CreateOrder(ctx, newOrder("pg-credit", models.OrderSettled, "EQpg", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			credited, err := s.CreditOrder(ctx, "pg-credit")
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

	balance, err := s.Balance(ctx, "EQpg")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance = %s, want 50", balance)
	}
	got, _ := s.GetOrder(ctx, "pg-credit")
	if got.Status != models.OrderCredited || got.CreditedAt == nil {
		t.Errorf("expected credited, got %s", got.Status)
	}
}

func TestPostgresLinkWalletThenCredit(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	s.CreateOrder(ctx, newOrder("pg-link", models.OrderSettled, "", time.Now().Add(time.Hour)))

	if credited, err := s.CreditOrder(ctx, "pg-link"); err != nil || credited {
		t.Fatalf("CreditOrder without wallet = %v, %v", credited, err)
	}
	if linked, err := s.LinkWallet(ctx, "pg-link", "EQfirst"); err != nil || !linked {
		t.Fatalf("LinkWallet = %v, %v", linked, err)
	}
	if linked, err := s.LinkWallet(ctx, "pg-link", "EQsecond"); err != nil || linked {
		t.Fatalf("second wallet must not link, got %v, %v", linked, err)
	}
	if credited, err := s.CreditOrder(ctx, "pg-link"); err != nil || !credited {
		t.Fatalf("CreditOrder = %v, %v", credited, err)
	}
}
