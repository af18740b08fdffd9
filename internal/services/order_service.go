package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"RailCredit/internal/conversion"
	"RailCredit/internal/gateway"
	"RailCredit/internal/models"
	"RailCredit/internal/notify"
	"RailCredit/internal/payments"
	"RailCredit/internal/pricing"
	"RailCredit/internal/store"
	"RailCredit/internal/wallet"
	"RailCredit/internal/worker"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrBelowMinimum = errors.New("amount below minimum")
	ErrAboveMaximum = errors.New("amount above maximum")
)

// CheckoutOpener opens a hosted checkout session on the fiat gateway.
type CheckoutOpener interface {
	Initialize(ctx context.Context, in gateway.InitializeRequest) (*gateway.Session, error)
}

// WalletSender is the slice of a wallet session the manager needs to pay an
// on-chain order.
type WalletSender interface {
	Address() string
	Connected() bool
	Send(ctx context.Context, t wallet.Transfer) wallet.SendResult
}

// OrderService is the order lifecycle manager. It owns every status change
// and is the only caller of the ledger credit.
type OrderService struct {
	Store     store.Store
	Oracle    pricing.Oracle
	Rails     payments.Confirmer
	Checkout  CheckoutOpener
	Notifier  notify.Notifier
	Scheduler *worker.Scheduler
	Logger    *slog.Logger

	Treasury        string
	RefPrefix       string
	OnChainTTL      time.Duration
	FiatTTL         time.Duration
	PollInterval    time.Duration
	MinTokenAmount  decimal.Decimal
	MaxTokenAmount  decimal.Decimal // zero means unbounded
	GatewayCurrency string
	CallbackURL     string

	Now   func() time.Time
	NewID func() string
}

type CreateOrderRequest struct {
	Rail        models.Rail
	PayerWallet string
	PayerEmail  string
	Amount      string
	Currency    models.Currency
}

type CheckoutSession struct {
	Order            *models.Order
	AuthorizationURL string
	AccessCode       string
}

func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	req.PayerWallet = strings.TrimSpace(req.PayerWallet)
	req.PayerEmail = strings.TrimSpace(req.PayerEmail)

	switch req.Rail {
	case models.RailOnChain:
		if req.PayerWallet == "" {
			return nil, models.ErrMissingWallet
		}
	case models.RailFiatGateway:
		if req.PayerEmail == "" {
			return nil, models.ErrMissingEmail
		}
	default:
		return nil, models.ErrInvalidRail
	}
	if !req.Currency.Valid() {
		return nil, models.ErrInvalidCurrency
	}
	amount, err := conversion.ParseAmount(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	snap, err := s.Oracle.Rate(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange rate: %w", err)
	}
	quote, err := conversion.Convert(amount, req.Currency, snap.Rate)
	if err != nil {
		return nil, err
	}
	if quote.TokenAmount.LessThan(s.MinTokenAmount) {
		return nil, fmt.Errorf("%w: %s %s", ErrBelowMinimum, s.MinTokenAmount, models.CurrencyToken)
	}
	if s.MaxTokenAmount.IsPositive() && quote.TokenAmount.GreaterThan(s.MaxTokenAmount) {
		return nil, fmt.Errorf("%w: %s %s", ErrAboveMaximum, s.MaxTokenAmount, models.CurrencyToken)
	}
	settlement, err := quote.SettlementUnits(req.Rail)
	if err != nil {
		return nil, err
	}
	if settlement == "0" {
		return nil, models.ErrInvalidAmount
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	now := s.now()
	id := s.newID()
	order := &models.Order{
		OrderID:          id,
		Rail:             req.Rail,
		PayerWallet:      req.PayerWallet,
		PayerEmail:       req.PayerEmail,
		SourceAmount:     amount,
		SourceCurrency:   req.Currency,
		TokenAmount:      quote.TokenAmount,
		FiatAmount:       quote.FiatAmount,
		SettlementAmount: settlement,
		CreditAmount:     quote.CreditAmount,
		RateSnapshot:     string(snapJSON),
		ExternalRef:      s.reference(id, now),
		Status:           models.OrderCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Rail == models.RailOnChain {
		order.Destination = s.Treasury
		order.ExpiresAt = now.Add(s.OnChainTTL)
	} else {
		order.ExpiresAt = now.Add(s.FiatTTL)
	}

	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.Logger.Info("order created",
		"order_id", order.OrderID,
		"rail", order.Rail,
		"settlement_amount", order.SettlementAmount,
		"credit_amount", order.CreditAmount.String(),
		"expires_at", order.ExpiresAt,
	)
	s.notify(order, "order created")
	return order, nil
}

// SubmitOnChain asks the payer's wallet to sign and broadcast the order's
// transfer, then records the outcome. A rejection is never retried.
func (s *OrderService) SubmitOnChain(ctx context.Context, orderID string, sender WalletSender) (*models.Order, error) {
	order, err := s.onChainOrderAwaitingSend(ctx, orderID, sender.Address())
	if err != nil {
		return nil, err
	}
	if !sender.Connected() {
		return nil, models.NewOrderError(order, models.ErrConnectionRejected)
	}

	res := sender.Send(ctx, wallet.Transfer{
		Destination: order.Destination,
		Amount:      order.SettlementAmount,
		Memo:        order.ExternalRef,
		ValidUntil:  order.ExpiresAt,
	})
	return s.MarkBroadcast(ctx, orderID, sender.Address(), res)
}

// MarkBroadcast records the outcome of a sign-and-send attempt made by the
// payer's wallet, wherever it ran.
func (s *OrderService) MarkBroadcast(ctx context.Context, orderID, payer string, res wallet.SendResult) (*models.Order, error) {
	order, err := s.onChainOrderAwaitingSend(ctx, orderID, payer)
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderAwaitingSettlement {
		s.startPolling(order.OrderID)
		return order, nil
	}

	switch res.Outcome {
	case wallet.OutcomeBroadcast, wallet.OutcomeTimeout:
		detail := "transfer broadcast"
		if res.Outcome == wallet.OutcomeTimeout {
			detail = "wallet timed out; waiting for the chain"
		}
		order, err = s.advance(ctx, order, []models.OrderStatus{models.OrderCreated}, models.OrderAwaitingSettlement,
			models.Patch{TxRef: res.TxRef}, detail)
		if err != nil {
			return nil, err
		}
		if order.Status == models.OrderAwaitingSettlement {
			s.startPolling(order.OrderID)
		}
		return order, nil

	case wallet.OutcomeRejected:
		order, err = s.advance(ctx, order, []models.OrderStatus{models.OrderCreated}, models.OrderFailed,
			models.Patch{FailureReason: models.ErrUserRejected.Error()}, "payer rejected the transfer")
		if err != nil {
			return nil, err
		}
		return nil, models.NewOrderError(order, models.ErrUserRejected)

	default:
		cause := res.Err
		if cause == nil {
			cause = errors.New("unknown wallet outcome")
		}
		s.Logger.Warn("wallet send failed", "order_id", order.OrderID, "error", cause)
		if !errors.Is(cause, models.ErrTransportError) {
			cause = models.NewTransportError("wallet send", cause)
		}
		return nil, models.NewOrderError(order, cause)
	}
}

func (s *OrderService) onChainOrderAwaitingSend(ctx context.Context, orderID, payer string) (*models.Order, error) {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Rail != models.RailOnChain {
		return nil, models.NewOrderError(order, models.ErrInvalidRail)
	}
	if payer == "" || payer != order.PayerWallet {
		return nil, models.NewOrderError(order, models.ErrWalletMismatch)
	}
	if order.Status != models.OrderCreated && order.Status != models.OrderAwaitingSettlement {
		return nil, models.NewOrderError(order, models.ErrInvalidOrderState)
	}
	if order.Status == models.OrderCreated && order.Expired(s.now()) {
		order = s.expire(ctx, order)
		return nil, models.NewOrderError(order, models.ErrOrderExpired)
	}
	return order, nil
}

// OpenCheckout opens the gateway's hosted payment page for a fiat order.
func (s *OrderService) OpenCheckout(ctx context.Context, orderID string) (*CheckoutSession, error) {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Rail != models.RailFiatGateway {
		return nil, models.NewOrderError(order, models.ErrInvalidRail)
	}
	if order.Status != models.OrderCreated {
		return nil, models.NewOrderError(order, models.ErrInvalidOrderState)
	}
	if order.Expired(s.now()) {
		order = s.expire(ctx, order)
		return nil, models.NewOrderError(order, models.ErrOrderExpired)
	}

	session, err := s.Checkout.Initialize(ctx, gateway.InitializeRequest{
		Email:       order.PayerEmail,
		Reference:   order.ExternalRef,
		AmountMinor: order.SettlementAmount,
		Currency:    s.GatewayCurrency,
		CallbackURL: s.CallbackURL,
		Metadata:    map[string]string{"order_id": order.OrderID},
	})
	if err != nil {
		s.Logger.Warn("open checkout failed", "order_id", order.OrderID, "error", err)
		return nil, models.NewOrderError(order, err)
	}

	order, err = s.advance(ctx, order, []models.OrderStatus{models.OrderCreated}, models.OrderAwaitingSettlement,
		models.Patch{}, "checkout opened")
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderAwaitingSettlement {
		s.startPolling(order.OrderID)
	}
	return &CheckoutSession{
		Order:            order,
		AuthorizationURL: session.AuthorizationURL,
		AccessCode:       session.AccessCode,
	}, nil
}

// ConfirmReference runs one verification for the order behind a gateway
// reference. It is driven by the payer's redirect and by webhooks.
func (s *OrderService) ConfirmReference(ctx context.Context, reference string) (*models.Order, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, models.ErrOrderNotFound
	}
	order, err := s.Store.GetOrderByRef(ctx, reference)
	if err != nil {
		return nil, &models.OrderError{Err: err}
	}
	return s.Poll(ctx, order.OrderID)
}

// Poll issues one confirmation check and applies its answer. Transport errors
// are logged and leave the order unchanged.
func (s *OrderService) Poll(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case models.OrderSettled:
		return s.credit(ctx, order)
	case models.OrderCreated:
		if order.Expired(s.now()) {
			return s.expire(ctx, order), nil
		}
		return order, nil
	case models.OrderAwaitingSettlement:
	default:
		return order, nil
	}

	if order.Expired(s.now()) {
		return s.expire(ctx, order), nil
	}

	res, err := s.Rails.Check(ctx, order)
	if err != nil {
		s.Logger.Warn("confirmation check failed", "order_id", order.OrderID, "rail", order.Rail, "error", err)
		return order, nil
	}

	switch res.Answer {
	case models.PollPaid:
		return s.settle(ctx, order, res)
	case models.PollFailed:
		reason := res.Reason
		if reason == "" {
			reason = models.ErrRailVerificationFailed.Error()
		}
		return s.advance(ctx, order, []models.OrderStatus{models.OrderAwaitingSettlement}, models.OrderFailed,
			models.Patch{FailureReason: reason}, reason)
	}
	return order, nil
}

func (s *OrderService) settle(ctx context.Context, order *models.Order, res payments.Result) (*models.Order, error) {
	at := s.now()
	applied, err := s.Store.Settle(ctx, order.OrderID, at, res.TxRef)
	if err != nil {
		return nil, models.NewOrderError(order, err)
	}
	if !applied {
		// the deadline passed or another writer moved the order first
		current, err := s.getOrder(ctx, order.OrderID)
		if err != nil {
			return nil, err
		}
		if current.Status == models.OrderAwaitingSettlement && current.Expired(at) {
			return s.expire(ctx, current), nil
		}
		return current, nil
	}

	settled, err := s.getOrder(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	s.logTransition(settled, models.OrderAwaitingSettlement, models.OrderSettled)
	detail := "payment confirmed"
	if !settled.HasWallet() {
		detail += "; link a wallet to receive coins"
	}
	s.notify(settled, detail)
	return s.credit(ctx, settled)
}

// credit applies the ledger credit of a settled order once a wallet is bound.
func (s *OrderService) credit(ctx context.Context, order *models.Order) (*models.Order, error) {
	if !order.HasWallet() {
		return order, nil
	}
	credited, err := s.Store.CreditOrder(ctx, order.OrderID)
	if err != nil {
		if errors.Is(err, models.ErrDoubleCreditAttempt) {
			s.Logger.Error("double credit prevented", "order_id", order.OrderID)
		}
		return nil, models.NewOrderError(order, err)
	}

	current, err := s.getOrder(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	if credited {
		s.logTransition(current, models.OrderSettled, models.OrderCredited)
		s.notify(current, fmt.Sprintf("credited %s coins", current.CreditAmount.String()))
	}
	return current, nil
}

// LinkWallet binds the payer's wallet to an order, typically a fiat order
// paid before any wallet was connected, and credits it if already settled.
func (s *OrderService) LinkWallet(ctx context.Context, orderID, payer string) (*models.Order, error) {
	payer = strings.TrimSpace(payer)
	if payer == "" {
		return nil, models.ErrMissingWallet
	}
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !models.CanLinkWallet(order.Status) {
		return nil, models.NewOrderError(order, models.ErrInvalidOrderState)
	}
	if order.HasWallet() && order.PayerWallet != payer {
		return nil, models.NewOrderError(order, models.ErrWalletMismatch)
	}

	linked, err := s.Store.LinkWallet(ctx, orderID, payer)
	if err != nil {
		return nil, models.NewOrderError(order, err)
	}
	current, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !linked {
		if current.PayerWallet == payer && current.Status == models.OrderCredited {
			return current, nil
		}
		return nil, models.NewOrderError(current, models.ErrInvalidOrderState)
	}
	if !order.HasWallet() {
		s.Logger.Info("wallet linked", "order_id", orderID, "status", current.Status)
	}
	if current.Status == models.OrderSettled {
		return s.credit(ctx, current)
	}
	return current, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.getOrder(ctx, orderID)
}

func (s *OrderService) History(ctx context.Context, payer string, limit int) ([]*models.Order, error) {
	if strings.TrimSpace(payer) == "" {
		return nil, models.ErrMissingWallet
	}
	return s.Store.ListByWallet(ctx, payer, limit)
}

func (s *OrderService) Balance(ctx context.Context, payer string) (decimal.Decimal, error) {
	if strings.TrimSpace(payer) == "" {
		return decimal.Zero, models.ErrMissingWallet
	}
	return s.Store.Balance(ctx, payer)
}

// ExpireOverdue expires every open order past its deadline and stops their
// poll loops.
func (s *OrderService) ExpireOverdue(ctx context.Context) (int, error) {
	ids, err := s.Store.ExpireOverdue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.cancelPolling(id)
		order, err := s.Store.GetOrder(ctx, id)
		if err != nil {
			s.Logger.Warn("load expired order failed", "order_id", id, "error", err)
			continue
		}
		s.Logger.Info("order transition", "order_id", id, "to", models.OrderExpired, "rail", order.Rail)
		s.notify(order, models.ErrOrderExpired.Error())
	}
	return len(ids), nil
}

// ResumePolling starts a poll loop for every awaiting order that has none.
func (s *OrderService) ResumePolling(ctx context.Context) (int, error) {
	orders, err := s.Store.ListAwaiting(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, order := range orders {
		if s.startPolling(order.OrderID) {
			started++
		}
	}
	return started, nil
}

// Shutdown cancels every poll loop and waits for them to return.
func (s *OrderService) Shutdown() {
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
}

func (s *OrderService) startPolling(orderID string) bool {
	if s.Scheduler == nil {
		return false
	}
	return s.Scheduler.Start(orderID, func(ctx context.Context) {
		worker.RunEvery(ctx, s.pollInterval(), func(ctx context.Context) bool {
			order, err := s.Poll(ctx, orderID)
			if err != nil {
				s.Logger.Warn("poll failed", "order_id", orderID, "error", err)
				return errors.Is(err, models.ErrOrderNotFound)
			}
			return order.Status.StopsPolling()
		})
	})
}

func (s *OrderService) cancelPolling(orderID string) {
	if s.Scheduler != nil {
		s.Scheduler.Cancel(orderID)
	}
}

func (s *OrderService) expire(ctx context.Context, order *models.Order) *models.Order {
	next, err := s.advance(ctx, order,
		[]models.OrderStatus{models.OrderCreated, models.OrderAwaitingSettlement}, models.OrderExpired,
		models.Patch{FailureReason: models.ErrOrderExpired.Error()}, models.ErrOrderExpired.Error())
	if err != nil {
		s.Logger.Error("expire order failed", "order_id", order.OrderID, "error", err)
		return order
	}
	return next
}

// advance applies a conditional transition and returns the order as stored
// afterwards, whether or not this caller's write won.
func (s *OrderService) advance(ctx context.Context, order *models.Order, from []models.OrderStatus, to models.OrderStatus, patch models.Patch, detail string) (*models.Order, error) {
	applied, err := s.Store.Transition(ctx, order.OrderID, from, to, patch)
	if err != nil {
		return nil, models.NewOrderError(order, err)
	}
	current, err := s.getOrder(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	if applied {
		s.logTransition(current, order.Status, to)
		s.notify(current, detail)
	}
	return current, nil
}

func (s *OrderService) getOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, &models.OrderError{OrderID: orderID, Err: err}
	}
	return order, nil
}

func (s *OrderService) logTransition(order *models.Order, from, to models.OrderStatus) {
	s.Logger.Info("order transition",
		"order_id", order.OrderID,
		"from", from,
		"to", to,
		"rail", order.Rail,
	)
}

func (s *OrderService) notify(order *models.Order, detail string) {
	if s.Notifier != nil {
		s.Notifier.OnOrderUpdate(notify.NewUpdate(order, detail, s.now()))
	}
}

func (s *OrderService) reference(id string, now time.Time) string {
	prefix := s.RefPrefix
	if prefix == "" {
		prefix = "TON_"
	}
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return prefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + short
}

func (s *OrderService) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return 4 * time.Second
	}
	return s.PollInterval
}

func (s *OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *OrderService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}
