package notify

import (
	"context"
	"log/slog"
	"time"

	"RailCredit/internal/models"
)

// Update is one order state change surfaced to observers.
type Update struct {
	OrderID string             `json:"orderId"`
	Rail    models.Rail        `json:"rail"`
	Wallet  string             `json:"wallet,omitempty"`
	Status  models.OrderStatus `json:"status"`
	Public  models.PollAnswer  `json:"result"`
	Detail  string             `json:"detail,omitempty"`
	At      time.Time          `json:"at"`
}

func NewUpdate(order *models.Order, detail string, at time.Time) Update {
	return Update{
		OrderID: order.OrderID,
		Rail:    order.Rail,
		Wallet:  order.PayerWallet,
		Status:  order.Status,
		Public:  order.Status.PublicStatus(),
		Detail:  detail,
		At:      at.UTC(),
	}
}

// Notifier observes order updates. Implementations must not block the caller
// for long; delivery is best effort.
type Notifier interface {
	OnOrderUpdate(u Update)
}

type Nop struct{}

func (Nop) OnOrderUpdate(Update) {}

type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) OnOrderUpdate(u Update) {
	level := slog.LevelInfo
	if u.Public == models.PollFailed {
		level = slog.LevelWarn
	}
	n.Logger.Log(context.Background(), level, "order update",
		"order_id", u.OrderID,
		"rail", u.Rail,
		"status", u.Status,
		"detail", u.Detail,
	)
}

// Multi fans an update out to every notifier in order.
type Multi []Notifier

func (m Multi) OnOrderUpdate(u Update) {
	for _, n := range m {
		if n != nil {
			n.OnOrderUpdate(u)
		}
	}
}
