package payments

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"RailCredit/internal/gateway"
	"RailCredit/internal/models"
)

type ChargeVerifier interface {
	Verify(ctx context.Context, reference string) (*gateway.Charge, error)
}

// FiatConfirmer verifies the order's gateway reference.
type FiatConfirmer struct {
	Gateway  ChargeVerifier
	Currency string
}

func (c *FiatConfirmer) Check(ctx context.Context, order *models.Order) (Result, error) {
	charge, err := c.Gateway.Verify(ctx, order.ExternalRef)
	if errors.Is(err, gateway.ErrChargeNotFound) {
		return Pending(), nil
	}
	if err != nil {
		return Result{}, transient("gateway verify", err)
	}
	return MatchCharge(order, charge, c.Currency), nil
}

// MatchCharge maps a gateway charge to the order's answer. A successful charge
// only counts when it matches the frozen amount and currency exactly.
func MatchCharge(order *models.Order, charge *gateway.Charge, currency string) Result {
	switch charge.Status {
	case gateway.ChargeSuccess:
		if charge.Reference != "" && charge.Reference != order.ExternalRef {
			return Failed("reference mismatch: %s", charge.Reference)
		}
		if CompareAmount(charge.AmountMinor(), order.SettlementAmount) != 0 {
			return Failed("amount mismatch: charged %s, expected %s", charge.AmountMinor(), order.SettlementAmount)
		}
		if currency != "" && charge.Currency != "" && !strings.EqualFold(charge.Currency, currency) {
			return Failed("currency mismatch: %s", charge.Currency)
		}
		res := Result{Answer: models.PollPaid, SettledAt: charge.PaidAt}
		if charge.ID != 0 {
			res.TxRef = strconv.FormatInt(charge.ID, 10)
		}
		return res
	case gateway.ChargeFailed, gateway.ChargeReversed:
		reason := charge.GatewayResponse
		if reason == "" {
			reason = charge.Status
		}
		return Failed("gateway: %s", reason)
	}
	return Pending()
}
