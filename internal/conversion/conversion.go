package conversion

import (
	"errors"
	"strings"

	"RailCredit/internal/models"

	"github.com/shopspring/decimal"
)

// CreditRate is the number of coins granted per whole primary token.
const CreditRate = 5

const (
	// TokenDecimals is the nanotoken exponent of the primary token.
	TokenDecimals = 9
	// FiatDecimals is the minor-unit exponent of the fiat currency (kobo).
	FiatDecimals = 2
)

var ErrInvalidRate = errors.New("rate must be positive")

// Quote is the frozen triple computed once per order.
type Quote struct {
	TokenAmount  decimal.Decimal
	FiatAmount   decimal.Decimal
	CreditAmount decimal.Decimal
}

const (
	// MaxIntegerDigits bounds the whole part of any accepted amount. It keeps
	// every derived amount well inside the ledger's NUMERIC(38,9) column.
	MaxIntegerDigits = 15
	maxInputLength   = 64
)

// ParseAmount parses user input in currency, rejecting non-numeric and
// non-finite values, amounts with more than MaxIntegerDigits whole digits and
// amounts finer than the currency's smallest unit.
func ParseAmount(raw string, currency models.Currency) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxInputLength {
		return decimal.Zero, models.ErrInvalidAmount
	}
	places, err := Decimals(currency)
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, models.ErrInvalidAmount
	}
	if !amount.IsPositive() {
		return decimal.Zero, models.ErrInvalidAmount
	}
	// the exponent is checked before any rescaling so exponent-form input
	// never expands into a huge integer
	exp := amount.Exponent()
	if exp > MaxIntegerDigits || exp < -maxInputLength {
		return decimal.Zero, models.ErrInvalidAmount
	}
	if amount.GreaterThanOrEqual(decimal.New(1, MaxIntegerDigits)) {
		return decimal.Zero, models.ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(places)) {
		return decimal.Zero, models.ErrInvalidAmount
	}
	return amount, nil
}

// Decimals is the number of decimal places of currency's smallest unit.
func Decimals(currency models.Currency) (int32, error) {
	switch currency {
	case models.CurrencyToken:
		return TokenDecimals, nil
	case models.CurrencyFiat:
		return FiatDecimals, nil
	}
	return 0, models.ErrInvalidCurrency
}

// Convert maps an amount in currency to all tracked denominations using rate,
// expressed as fiat per primary token.
func Convert(amount decimal.Decimal, currency models.Currency, rate decimal.Decimal) (Quote, error) {
	if !amount.IsPositive() {
		return Quote{}, models.ErrInvalidAmount
	}
	if !rate.IsPositive() {
		return Quote{}, ErrInvalidRate
	}

	var q Quote
	switch currency {
	case models.CurrencyToken:
		q.TokenAmount = amount
		q.FiatAmount = amount.Mul(rate)
	case models.CurrencyFiat:
		q.FiatAmount = amount
		q.TokenAmount = amount.DivRound(rate, TokenDecimals)
	default:
		return Quote{}, models.ErrInvalidCurrency
	}
	q.CreditAmount = q.TokenAmount.Mul(decimal.NewFromInt(CreditRate))
	return q, nil
}

// SettlementUnits returns the amount the rail must observe, in its native
// integer unit, rounded up so a rounded payment never settles short.
func (q Quote) SettlementUnits(rail models.Rail) (string, error) {
	switch rail {
	case models.RailOnChain:
		return q.TokenAmount.Shift(TokenDecimals).Ceil().BigInt().String(), nil
	case models.RailFiatGateway:
		return q.FiatAmount.Shift(FiatDecimals).Ceil().BigInt().String(), nil
	}
	return "", models.ErrInvalidRail
}
