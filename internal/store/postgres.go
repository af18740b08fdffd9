package store

import (
	"context"
	"errors"
	"time"

	"RailCredit/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

const orderColumns = `
	order_id, rail, payer_wallet, payer_email,
	source_amount, source_currency, token_amount, fiat_amount,
	settlement_amount, credit_amount, rate_snapshot, destination,
	external_ref, tx_ref, status, failure_reason,
	expires_at, settled_at, credited_at, created_at, updated_at`

func (s *Postgres) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, rail, payer_wallet, payer_email,
			source_amount, source_currency, token_amount, fiat_amount,
			settlement_amount, credit_amount, rate_snapshot, destination,
			external_ref, tx_ref, status, failure_reason,
			expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		order.OrderID,
		order.Rail,
		order.PayerWallet,
		order.PayerEmail,
		order.SourceAmount.String(),
		order.SourceCurrency,
		order.TokenAmount.String(),
		order.FiatAmount.String(),
		order.SettlementAmount,
		order.CreditAmount.String(),
		order.RateSnapshot,
		order.Destination,
		order.ExternalRef,
		order.TxRef,
		order.Status,
		order.FailureReason,
		order.ExpiresAt,
		order.CreatedAt,
		order.UpdatedAt,
	)
	return err
}

func (s *Postgres) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	return scanOrder(row)
}

func (s *Postgres) GetOrderByRef(ctx context.Context, externalRef string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_ref=$1`, externalRef)
	return scanOrder(row)
}

func (s *Postgres) Transition(ctx context.Context, orderID string, from []models.OrderStatus, to models.OrderStatus, patch models.Patch) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$3,
			tx_ref=CASE WHEN $4 <> '' THEN $4 ELSE tx_ref END,
			failure_reason=CASE WHEN $5 <> '' THEN $5 ELSE failure_reason END,
			settled_at=COALESCE($6, settled_at),
			updated_at=now()
		WHERE order_id=$1 AND status = ANY($2)
	`, orderID, statusStrings(from), to, patch.TxRef, patch.FailureReason, patch.SettledAt)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Postgres) Settle(ctx context.Context, orderID string, at time.Time, txRef string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status='settled', settled_at=$2,
			tx_ref=CASE WHEN $3 <> '' THEN $3 ELSE tx_ref END,
			updated_at=now()
		WHERE order_id=$1 AND status='awaiting_settlement' AND expires_at >= $2
	`, orderID, at, txRef)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Postgres) LinkWallet(ctx context.Context, orderID, wallet string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET payer_wallet=$2, updated_at=now()
		WHERE order_id=$1
			AND status IN ('awaiting_settlement','settled')
			AND (payer_wallet='' OR payer_wallet=$2)
	`, orderID, wallet)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Postgres) CreditOrder(ctx context.Context, orderID string) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	// The row lock taken by this UPDATE makes a concurrent caller re-check
	// status after we commit, so only one of them sees a row.
	var wallet, credit string
	err = tx.QueryRow(ctx, `
		UPDATE orders
		SET status='credited', credited_at=now(), updated_at=now()
		WHERE order_id=$1 AND status='settled' AND payer_wallet <> ''
		RETURNING payer_wallet, credit_amount
	`, orderID).Scan(&wallet, &credit)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (order_id, wallet, amount)
		VALUES ($1, $2, $3::text::numeric)
	`, orderID, wallet, credit)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, models.ErrDoubleCreditAttempt
		}
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Postgres) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		UPDATE orders
		SET status='expired', failure_reason=$2, updated_at=now()
		WHERE status IN ('created','awaiting_settlement') AND expires_at < $1
		RETURNING order_id
	`, now, expiredReason)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Postgres) ListAwaiting(ctx context.Context) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE status='awaiting_settlement' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *Postgres) ListByWallet(ctx context.Context, wallet string, limit int) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE payer_wallet=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, wallet, historyLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *Postgres) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	var v string
	err := s.Pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM ledger_entries WHERE wallet=$1`, wallet).Scan(&v)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(v)
}

func collectOrders(rows pgx.Rows) ([]*models.Order, error) {
	defer rows.Close()
	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var sourceAmount, tokenAmount, fiatAmount, creditAmount string
	err := row.Scan(
		&order.OrderID,
		&order.Rail,
		&order.PayerWallet,
		&order.PayerEmail,
		&sourceAmount,
		&order.SourceCurrency,
		&tokenAmount,
		&fiatAmount,
		&order.SettlementAmount,
		&creditAmount,
		&order.RateSnapshot,
		&order.Destination,
		&order.ExternalRef,
		&order.TxRef,
		&order.Status,
		&order.FailureReason,
		&order.ExpiresAt,
		&order.SettledAt,
		&order.CreditedAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := parseAmounts(&order, sourceAmount, tokenAmount, fiatAmount, creditAmount); err != nil {
		return nil, err
	}
	return &order, nil
}

func parseAmounts(order *models.Order, source, token, fiat, credit string) error {
	var err error
	if order.SourceAmount, err = decimal.NewFromString(source); err != nil {
		return err
	}
	if order.TokenAmount, err = decimal.NewFromString(token); err != nil {
		return err
	}
	if order.FiatAmount, err = decimal.NewFromString(fiat); err != nil {
		return err
	}
	order.CreditAmount, err = decimal.NewFromString(credit)
	return err
}
