package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"RailCredit/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLite is the embedded order store used for local runs and tests.
// Writers are serialized through a single connection.
type SQLite struct {
	db *gorm.DB
}

type orderRow struct {
	OrderID          string `gorm:"primaryKey"`
	Rail             string
	PayerWallet      string `gorm:"index"`
	PayerEmail       string
	SourceAmount     string
	SourceCurrency   string
	TokenAmount      string
	FiatAmount       string
	SettlementAmount string
	CreditAmount     string
	RateSnapshot     string
	Destination      string
	ExternalRef      string `gorm:"uniqueIndex"`
	TxRef            string
	Status           string `gorm:"index"`
	FailureReason    string
	ExpiresAt        time.Time
	SettledAt        *time.Time
	CreditedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (orderRow) TableName() string { return "orders" }

type ledgerRow struct {
	OrderID   string `gorm:"primaryKey"`
	Wallet    string `gorm:"index"`
	Amount    string
	CreatedAt time.Time
}

func (ledgerRow) TableName() string { return "ledger_entries" }

func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&orderRow{}, &ledgerRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLite) CreateOrder(ctx context.Context, order *models.Order) error {
	row := toRow(order)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLite) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.first(s.db.WithContext(ctx), "order_id = ?", orderID)
}

func (s *SQLite) GetOrderByRef(ctx context.Context, externalRef string) (*models.Order, error) {
	return s.first(s.db.WithContext(ctx), "external_ref = ?", externalRef)
}

func (s *SQLite) first(db *gorm.DB, query string, arg any) (*models.Order, error) {
	var row orderRow
	err := db.First(&row, query, arg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

func (s *SQLite) Transition(ctx context.Context, orderID string, from []models.OrderStatus, to models.OrderStatus, patch models.Patch) (bool, error) {
	updates := map[string]any{"status": string(to)}
	if patch.TxRef != "" {
		updates["tx_ref"] = patch.TxRef
	}
	if patch.FailureReason != "" {
		updates["failure_reason"] = patch.FailureReason
	}
	if patch.SettledAt != nil {
		updates["settled_at"] = patch.SettledAt.UTC()
	}
	res := s.db.WithContext(ctx).Model(&orderRow{}).
		Where("order_id = ? AND status IN ?", orderID, statusStrings(from)).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

func (s *SQLite) Settle(ctx context.Context, orderID string, at time.Time, txRef string) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.first(tx, "order_id = ?", orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderAwaitingSettlement || order.Expired(at) {
			return nil
		}
		updates := map[string]any{"status": string(models.OrderSettled), "settled_at": at.UTC()}
		if txRef != "" {
			updates["tx_ref"] = txRef
		}
		res := tx.Model(&orderRow{}).
			Where("order_id = ? AND status = ?", orderID, string(models.OrderAwaitingSettlement)).
			Updates(updates)
		applied = res.RowsAffected > 0
		return res.Error
	})
	return applied, err
}

func (s *SQLite) LinkWallet(ctx context.Context, orderID, wallet string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&orderRow{}).
		Where("order_id = ? AND status IN ? AND (payer_wallet = '' OR payer_wallet = ?)",
			orderID,
			[]string{string(models.OrderAwaitingSettlement), string(models.OrderSettled)},
			wallet).
		Update("payer_wallet", wallet)
	return res.RowsAffected > 0, res.Error
}

func (s *SQLite) CreditOrder(ctx context.Context, orderID string) (bool, error) {
	credited := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&orderRow{}).
			Where("order_id = ? AND status = ? AND payer_wallet <> ''", orderID, string(models.OrderSettled)).
			Updates(map[string]any{
				"status":      string(models.OrderCredited),
				"credited_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var row orderRow
		if err := tx.First(&row, "order_id = ?", orderID).Error; err != nil {
			return err
		}
		entry := ledgerRow{
			OrderID:   orderID,
			Wallet:    row.PayerWallet,
			Amount:    row.CreditAmount,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return models.ErrDoubleCreditAttempt
			}
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return credited, nil
}

func (s *SQLite) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	var expired []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		open := []string{string(models.OrderCreated), string(models.OrderAwaitingSettlement)}
		var rows []orderRow
		if err := tx.Where("status IN ?", open).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			if !now.After(row.ExpiresAt) {
				continue
			}
			res := tx.Model(&orderRow{}).
				Where("order_id = ? AND status IN ?", row.OrderID, open).
				Updates(map[string]any{
					"status":         string(models.OrderExpired),
					"failure_reason": expiredReason,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				expired = append(expired, row.OrderID)
			}
		}
		return nil
	})
	return expired, err
}

func (s *SQLite) ListAwaiting(ctx context.Context) ([]*models.Order, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(models.OrderAwaitingSettlement)).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

func (s *SQLite) ListByWallet(ctx context.Context, wallet string, limit int) ([]*models.Order, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("payer_wallet = ?", wallet).
		Order("created_at DESC").
		Limit(historyLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

func (s *SQLite) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	var amounts []string
	err := s.db.WithContext(ctx).Model(&ledgerRow{}).
		Where("wallet = ?", wallet).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range amounts {
		d, err := decimal.NewFromString(a)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d)
	}
	return total, nil
}

func toRow(o *models.Order) orderRow {
	return orderRow{
		OrderID:          o.OrderID,
		Rail:             string(o.Rail),
		PayerWallet:      o.PayerWallet,
		PayerEmail:       o.PayerEmail,
		SourceAmount:     o.SourceAmount.String(),
		SourceCurrency:   string(o.SourceCurrency),
		TokenAmount:      o.TokenAmount.String(),
		FiatAmount:       o.FiatAmount.String(),
		SettlementAmount: o.SettlementAmount,
		CreditAmount:     o.CreditAmount.String(),
		RateSnapshot:     o.RateSnapshot,
		Destination:      o.Destination,
		ExternalRef:      o.ExternalRef,
		TxRef:            o.TxRef,
		Status:           string(o.Status),
		FailureReason:    o.FailureReason,
		ExpiresAt:        o.ExpiresAt.UTC(),
		SettledAt:        o.SettledAt,
		CreditedAt:       o.CreditedAt,
		CreatedAt:        o.CreatedAt.UTC(),
		UpdatedAt:        o.UpdatedAt.UTC(),
	}
}

func fromRow(r orderRow) (*models.Order, error) {
	order := &models.Order{
		OrderID:          r.OrderID,
		Rail:             models.Rail(r.Rail),
		PayerWallet:      r.PayerWallet,
		PayerEmail:       r.PayerEmail,
		SourceCurrency:   models.Currency(r.SourceCurrency),
		SettlementAmount: r.SettlementAmount,
		RateSnapshot:     r.RateSnapshot,
		Destination:      r.Destination,
		ExternalRef:      r.ExternalRef,
		TxRef:            r.TxRef,
		Status:           models.OrderStatus(r.Status),
		FailureReason:    r.FailureReason,
		ExpiresAt:        r.ExpiresAt,
		SettledAt:        r.SettledAt,
		CreditedAt:       r.CreditedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if err := parseAmounts(order, r.SourceAmount, r.TokenAmount, r.FiatAmount, r.CreditAmount); err != nil {
		return nil, err
	}
	return order, nil
}

func fromRows(rows []orderRow) ([]*models.Order, error) {
	orders := make([]*models.Order, 0, len(rows))
	for _, r := range rows {
		o, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}
