package payments

import (
	"context"

	"RailCredit/internal/chain"
	"RailCredit/internal/models"
)

type TxSource interface {
	Transactions(ctx context.Context, address string, limit int, from *chain.Cursor) ([]chain.Tx, error)
}

const (
	defaultPageSize = 50
	defaultMaxPages = 20
)

// OnChainConfirmer looks for the order's memo among the destination's inbound
// transfers. It pages back through history until it reaches transfers older
// than the order, the end of the history, or MaxPages.
type OnChainConfirmer struct {
	Source   TxSource
	Limit    int
	MaxPages int
}

func (c *OnChainConfirmer) Check(ctx context.Context, order *models.Order) (Result, error) {
	limit := c.Limit
	if limit < 1 {
		limit = defaultPageSize
	}
	maxPages := c.MaxPages
	if maxPages < 1 {
		maxPages = defaultMaxPages
	}

	var seen []chain.Tx
	var from *chain.Cursor
	for page := 0; page < maxPages; page++ {
		txs, err := c.Source.Transactions(ctx, order.Destination, limit, from)
		if err != nil {
			return Result{}, transient("ton transactions", err)
		}
		full := len(txs) >= limit
		// a cursor page starts at the transaction the cursor points at
		if from != nil && len(txs) > 0 && txs[0].Cursor() == *from {
			txs = txs[1:]
		}
		if len(txs) == 0 {
			break
		}
		seen = append(seen, txs...)
		if res := MatchTransfer(order, seen); res.Answer == models.PollPaid {
			return res, nil
		}

		oldest := txs[len(txs)-1]
		if !full || oldest.Time.Before(order.CreatedAt) {
			break
		}
		next := oldest.Cursor()
		from = &next
	}
	return MatchTransfer(order, seen), nil
}

// MatchTransfer decides the order's on-chain answer from the destination's
// transactions. Transfers are fetched per destination account, so only the
// memo and the amount identify the order. A transfer that landed after the
// deadline never counts.
func MatchTransfer(order *models.Order, txs []chain.Tx) Result {
	var underpaid *chain.Tx
	for i := range txs {
		tx := &txs[i]
		if tx.In.Comment != order.ExternalRef {
			continue
		}
		if tx.Time.After(order.ExpiresAt) {
			continue
		}
		if CompareAmount(tx.In.Value, order.SettlementAmount) >= 0 {
			return Result{
				Answer:    models.PollPaid,
				TxRef:     tx.Hash,
				SettledAt: tx.Time,
			}
		}
		if underpaid == nil {
			underpaid = tx
		}
	}
	if underpaid != nil {
		return Failed("underpaid: received %s of %s", underpaid.In.Value, order.SettlementAmount)
	}
	return Pending()
}
