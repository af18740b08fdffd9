package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Rail string

const (
	RailOnChain     Rail = "on_chain"
	RailFiatGateway Rail = "fiat_gateway"
)

func (r Rail) Valid() bool {
	return r == RailOnChain || r == RailFiatGateway
}

type Currency string

const (
	// CurrencyToken is the primary token paid on the on-chain rail.
	CurrencyToken Currency = "TON"
	// CurrencyFiat is the fiat unit charged by the gateway rail.
	CurrencyFiat Currency = "NGN"
)

func (c Currency) Valid() bool {
	return c == CurrencyToken || c == CurrencyFiat
}

type OrderStatus string

const (
	OrderCreated            OrderStatus = "created"
	OrderAwaitingSettlement OrderStatus = "awaiting_settlement"
	OrderSettled            OrderStatus = "settled"
	OrderCredited           OrderStatus = "credited"
	OrderFailed             OrderStatus = "failed"
	OrderExpired            OrderStatus = "expired"
)

type Order struct {
	OrderID          string
	Rail             Rail
	PayerWallet      string
	PayerEmail       string
	SourceAmount     decimal.Decimal
	SourceCurrency   Currency
	TokenAmount      decimal.Decimal
	FiatAmount       decimal.Decimal
	SettlementAmount string // nanotoken units (on-chain) or minor fiat units (gateway)
	CreditAmount     decimal.Decimal
	RateSnapshot     string
	Destination      string
	ExternalRef      string
	TxRef            string
	Status           OrderStatus
	FailureReason    string
	ExpiresAt        time.Time
	SettledAt        *time.Time
	CreditedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the hard validity deadline has passed at now.
func (o *Order) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

func (o *Order) HasWallet() bool {
	return o.PayerWallet != ""
}

type LedgerEntry struct {
	OrderID   string
	Wallet    string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Patch carries the optional columns written together with a status transition.
type Patch struct {
	TxRef         string
	FailureReason string
	SettledAt     *time.Time
}
