package store

import (
	"context"
	"time"

	"RailCredit/internal/models"

	"github.com/shopspring/decimal"
)

// Store is the narrow persistence contract the lifecycle manager depends on.
// Every status write is conditional on the current status so concurrent
// writers can never move an order backwards.
type Store interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderByRef(ctx context.Context, externalRef string) (*models.Order, error)

	// Transition moves the order to `to` only if its status is one of `from`.
	Transition(ctx context.Context, orderID string, from []models.OrderStatus, to models.OrderStatus, patch models.Patch) (bool, error)
	// Settle moves AWAITING_SETTLEMENT -> SETTLED only while at <= expires_at.
	Settle(ctx context.Context, orderID string, at time.Time, txRef string) (bool, error)
	LinkWallet(ctx context.Context, orderID, wallet string) (bool, error)
	// CreditOrder applies SETTLED -> CREDITED and the ledger entry atomically.
	// Exactly one caller per order observes true.
	CreditOrder(ctx context.Context, orderID string) (bool, error)
	ExpireOverdue(ctx context.Context, now time.Time) ([]string, error)

	ListAwaiting(ctx context.Context) ([]*models.Order, error)
	ListByWallet(ctx context.Context, wallet string, limit int) ([]*models.Order, error)
	Balance(ctx context.Context, wallet string) (decimal.Decimal, error)
}

const defaultHistoryLimit = 50

func historyLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultHistoryLimit
	}
	return limit
}

func statusStrings(in []models.OrderStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

const expiredReason = "order expired"
