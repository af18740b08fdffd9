package payments

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"RailCredit/internal/models"
)

// Result is one rail's answer to a confirmation check.
type Result struct {
	Answer    models.PollAnswer
	TxRef     string
	SettledAt time.Time
	Reason    string
}

func Pending() Result {
	return Result{Answer: models.PollPending}
}

func Failed(format string, args ...any) Result {
	return Result{Answer: models.PollFailed, Reason: fmt.Sprintf(format, args...)}
}

// Confirmer asks a rail whether an order has been paid. Errors are transient:
// they never change order state.
type Confirmer interface {
	Check(ctx context.Context, order *models.Order) (Result, error)
}

// Router dispatches a check to the confirmer of the order's rail.
type Router map[models.Rail]Confirmer

func (r Router) Check(ctx context.Context, order *models.Order) (Result, error) {
	c, ok := r[order.Rail]
	if !ok {
		return Result{}, fmt.Errorf("%w: no confirmer for %s", models.ErrInvalidRail, order.Rail)
	}
	return c.Check(ctx, order)
}

// CompareAmount compares two non-negative integer strings in minor units.
func CompareAmount(a, b string) int {
	ai, ok1 := new(big.Int).SetString(a, 10)
	bi, ok2 := new(big.Int).SetString(b, 10)
	if !ok1 || !ok2 {
		return 0
	}
	return ai.Cmp(bi)
}

func transient(op string, err error) error {
	if errors.Is(err, models.ErrTransportError) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return models.NewTransportError(op, err)
}
