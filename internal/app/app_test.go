package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"RailCredit/internal/config"
	"RailCredit/internal/models"
	"RailCredit/internal/ratelimit"
	"RailCredit/internal/services"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server:  config.Server{Addr: ":0"},
		DB:      config.DB{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "app.db")},
		Chain:   config.Chain{APIEndpoints: []string{"http://127.0.0.1:1/api/v2"}, TreasuryAddress: "UQ_TREASURY", FailoverThreshold: 3, TxLimit: 20},
		Gateway: config.Gateway{BaseURL: "http://127.0.0.1:1", SecretKey: "sk", Currency: "NGN", StateSecret: "state"},
		Orders:  config.Orders{OnChainTTLMinutes: 15, FiatTTLMinutes: 60, RefPrefix: "TON_", MaxAmount: "100000"},
		Pricing: config.Pricing{FixedRate: "1500", MaxAgeSeconds: 60},
		Worker:  config.Worker{PollIntervalSeconds: 4, SweepSchedule: "@every 1m"},
	}
}

func TestBuildWithSQLite(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer a.Close()

	if _, ok := a.Limiter.(ratelimit.Nop); !ok {
		t.Errorf("expected no-op limiter without redis, got %T", a.Limiter)
	}

	order, err := a.Orders.CreateOrder(context.Background(), services.CreateOrderRequest{
		Rail:        models.RailOnChain,
		PayerWallet: "EQpayer",
		Amount:      "1",
		Currency:    models.CurrencyToken,
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if order.Destination != "UQ_TREASURY" || order.SettlementAmount != "1000000000" {
		t.Errorf("unexpected order %+v", order)
	}

	if _, err := a.Orders.CreateOrder(context.Background(), services.CreateOrderRequest{
		Rail:        models.RailOnChain,
		PayerWallet: "EQpayer",
		Amount:      "100001",
		Currency:    models.CurrencyToken,
	}); !errors.Is(err, services.ErrAboveMaximum) {
		t.Errorf("expected ErrAboveMaximum from the configured cap, got %v", err)
	}

	n, err := a.Orders.ExpireOverdue(context.Background())
	if err != nil || n != 0 {
		t.Errorf("ExpireOverdue = %d, %v", n, err)
	}
}

func TestOriginChecker(t *testing.T) {
	cases := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "https://evil.example", true},
		{[]string{"*"}, "https://any.example", true},
		{[]string{"https://app.example/"}, "https://app.example", true},
		{[]string{"https://app.example"}, "https://APP.example", true},
		{[]string{"https://app.example"}, "https://evil.example", false},
		{[]string{"https://app.example"}, "", true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := OriginChecker(tc.allowed)(r); got != tc.want {
			t.Errorf("OriginChecker(%v)(%q) = %v, want %v", tc.allowed, tc.origin, got, tc.want)
		}
	}
}
