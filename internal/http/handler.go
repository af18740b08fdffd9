package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"RailCredit/internal/gateway"
	"RailCredit/internal/models"
	"RailCredit/internal/ratelimit"
	"RailCredit/internal/services"
	"RailCredit/internal/wallet"

	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	Orders        *services.OrderService
	State         *gateway.StateSigner
	Limiter       ratelimit.Limiter
	WebhookSecret string
	Logger        *slog.Logger
}

type createOrderRequest struct {
	Rail     string `json:"rail"`
	Wallet   string `json:"wallet"`
	Email    string `json:"email"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type orderResponse struct {
	OrderID          string          `json:"orderId"`
	Rail             string          `json:"rail"`
	Status           string          `json:"status"`
	Result           string          `json:"result"`
	Wallet           string          `json:"wallet,omitempty"`
	SourceAmount     string          `json:"sourceAmount"`
	SourceCurrency   string          `json:"sourceCurrency"`
	TokenAmount      string          `json:"tokenAmount"`
	FiatAmount       string          `json:"fiatAmount"`
	CreditAmount     string          `json:"creditAmount"`
	SettlementAmount string          `json:"settlementAmount"`
	Destination      string          `json:"destination,omitempty"`
	ExternalRef      string          `json:"externalRef"`
	ExpiresAt        string          `json:"expiresAt"`
	SettledAt        string          `json:"settledAt,omitempty"`
	CreditedAt       string          `json:"creditedAt,omitempty"`
	TxRef            string          `json:"txRef,omitempty"`
	FailureReason    string          `json:"failureReason,omitempty"`
	RateSnapshot     json.RawMessage `json:"rateSnapshot,omitempty"`
}

type broadcastRequest struct {
	Wallet  string `json:"wallet"`
	Outcome string `json:"outcome"`
	TxRef   string `json:"txRef"`
	Error   string `json:"error"`
}

type checkoutResponse struct {
	Order            orderResponse `json:"order"`
	AuthorizationURL string        `json:"authorizationUrl"`
	AccessCode       string        `json:"accessCode"`
	State            string        `json:"state"`
}

type linkRequest struct {
	Wallet string `json:"wallet"`
	State  string `json:"state"`
}

type historyItem struct {
	OrderID     string `json:"order_id"`
	Method      string `json:"method"`
	NairaAmount string `json:"naira_amount"`
	CoinAmount  string `json:"coin_amount"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

func NewHandler(orders *services.OrderService, state *gateway.StateSigner, limiter ratelimit.Limiter, webhookSecret string, logger *slog.Logger) *Handler {
	if limiter == nil {
		limiter = ratelimit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Orders:        orders,
		State:         state,
		Limiter:       limiter,
		WebhookSecret: webhookSecret,
		Logger:        logger,
	}
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	subject := strings.TrimSpace(req.Wallet)
	if subject == "" {
		subject = strings.ToLower(strings.TrimSpace(req.Email))
	}
	if subject != "" {
		retryAfter, err := h.Limiter.Allow(r.Context(), "create_order", subject)
		if errors.Is(err, ratelimit.ErrLimited) {
			w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
			writeError(w, http.StatusTooManyRequests, "too many orders, try again later")
			return
		}
		if err != nil {
			h.Logger.Warn("rate limiter unavailable", "error", err)
		}
	}

	order, err := h.Orders.CreateOrder(r.Context(), services.CreateOrderRequest{
		Rail:        models.Rail(req.Rail),
		PayerWallet: req.Wallet,
		PayerEmail:  req.Email,
		Amount:      req.Amount,
		Currency:    models.Currency(strings.ToUpper(strings.TrimSpace(req.Currency))),
	})
	if err != nil {
		h.writeOrderError(w, "create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// Broadcast records what the payer's wallet did with the transfer request.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	res := wallet.SendResult{Outcome: wallet.Outcome(req.Outcome), TxRef: req.TxRef}
	switch res.Outcome {
	case wallet.OutcomeBroadcast:
	case wallet.OutcomeRejected:
		res.Err = models.ErrUserRejected
	case wallet.OutcomeTimeout:
		res.Err = models.ErrTimeout
	case wallet.OutcomeTransportError:
		res.Err = models.NewTransportError("wallet send", errors.New(firstNonEmpty(req.Error, "wallet bridge error")))
	default:
		writeError(w, http.StatusBadRequest, "unknown outcome")
		return
	}

	order, err := h.Orders.MarkBroadcast(r.Context(), orderID, strings.TrimSpace(req.Wallet), res)
	if err != nil {
		h.writeOrderError(w, "mark broadcast", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	session, err := h.Orders.OpenCheckout(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, "open checkout", err)
		return
	}

	state, err := h.State.Sign(session.Order.OrderID, session.Order.ExternalRef)
	if err != nil {
		h.Logger.Error("sign checkout state failed", "order_id", orderID, "error", err)
		writeError(w, http.StatusInternalServerError, "open checkout failed")
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{
		Order:            toOrderResponse(session.Order),
		AuthorizationURL: session.AuthorizationURL,
		AccessCode:       session.AccessCode,
		State:            state,
	})
}

// Poll answers the UI's pending/paid/failed question. A still-awaiting order
// gets one confirmation check on the way.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, "poll order", err)
		return
	}
	if order.Status == models.OrderAwaitingSettlement || order.Status == models.OrderSettled {
		if order, err = h.Orders.Poll(r.Context(), orderID); err != nil {
			h.writeOrderError(w, "poll order", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": string(order.Status.PublicStatus()),
		"detail": string(order.Status),
	})
}

// LinkWallet binds a wallet to an order. Fiat orders need the checkout state
// token, which proves the caller opened the checkout. Once an order is settled
// an expired token is still accepted so the payer can claim the credit late.
func (h *Handler) LinkWallet(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, "link wallet", err)
		return
	}
	if order.Rail == models.RailFiatGateway {
		parse := h.State.Parse
		if order.Status == models.OrderSettled {
			parse = h.State.ParseAllowExpired
		}
		claims, err := parse(req.State)
		if err != nil || claims.OrderID != order.OrderID || claims.Reference != order.ExternalRef {
			writeError(w, http.StatusForbidden, "invalid checkout state")
			return
		}
	}

	order, err = h.Orders.LinkWallet(r.Context(), orderID, req.Wallet)
	if err != nil {
		if errors.Is(err, models.ErrInvalidOrderState) || errors.Is(err, models.ErrWalletMismatch) {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "rejected", "error": errorMessage(err)})
			return
		}
		h.writeOrderError(w, "link wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "linked", "order": toOrderResponse(order)})
}

// Callback is where the gateway's hosted page sends the payer back.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reference := firstNonEmpty(q.Get("reference"), q.Get("trxref"))
	if reference == "" {
		writeError(w, http.StatusBadRequest, "missing reference")
		return
	}
	if state := q.Get("state"); state != "" {
		claims, err := h.State.Parse(state)
		if err != nil || claims.Reference != reference {
			writeError(w, http.StatusForbidden, "invalid checkout state")
			return
		}
	}

	order, err := h.Orders.ConfirmReference(r.Context(), reference)
	if err != nil {
		h.writeOrderError(w, "confirm reference", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": string(order.Status.PublicStatus()),
		"order":  toOrderResponse(order),
	})
}

func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if !gateway.VerifySignature(body, r.Header.Get(gateway.SignatureHeader), h.WebhookSecret) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	ev, err := gateway.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event")
		return
	}
	if !ev.IsChargeEvent() || ev.Data.Reference == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	order, err := h.Orders.ConfirmReference(r.Context(), ev.Data.Reference)
	switch {
	case errors.Is(err, models.ErrOrderNotFound):
		h.Logger.Warn("webhook for unknown reference", "reference", ev.Data.Reference, "event", ev.Event)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		h.writeOrderError(w, "webhook", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(order.Status)})
	}
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	payer := chi.URLParam(r, "wallet")
	coins, err := h.Orders.Balance(r.Context(), payer)
	if err != nil {
		h.writeOrderError(w, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"wallet": payer, "coins": coins.String(), "creditBalance": coins.String()})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	payer := chi.URLParam(r, "wallet")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	orders, err := h.Orders.History(r.Context(), payer, limit)
	if err != nil {
		h.writeOrderError(w, "history", err)
		return
	}
	items := make([]historyItem, 0, len(orders))
	for _, o := range orders {
		items = append(items, historyItem{
			OrderID:     o.OrderID,
			Method:      string(o.Rail),
			NairaAmount: o.FiatAmount.StringFixed(2),
			CoinAmount:  o.CreditAmount.String(),
			Status:      string(o.Status),
			CreatedAt:   o.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) writeOrderError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, models.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidCurrency),
		errors.Is(err, models.ErrInvalidRail),
		errors.Is(err, models.ErrMissingWallet),
		errors.Is(err, models.ErrMissingEmail),
		errors.Is(err, services.ErrBelowMinimum),
		errors.Is(err, services.ErrAboveMaximum):
		writeError(w, http.StatusBadRequest, errorMessage(err))
	case errors.Is(err, models.ErrInvalidOrderState),
		errors.Is(err, models.ErrWalletMismatch),
		errors.Is(err, models.ErrOrderExpired),
		errors.Is(err, models.ErrUserRejected),
		errors.Is(err, models.ErrConnectionRejected):
		writeError(w, http.StatusConflict, errorMessage(err))
	case errors.Is(err, models.ErrTransportError):
		h.Logger.Warn(op+" failed", "error", err)
		writeError(w, http.StatusBadGateway, "payment rail unavailable, try again")
	default:
		h.Logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// errorMessage strips the order prefix so clients see the sentinel text.
func errorMessage(err error) string {
	var oe *models.OrderError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}

func toOrderResponse(o *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:          o.OrderID,
		Rail:             string(o.Rail),
		Status:           string(o.Status),
		Result:           string(o.Status.PublicStatus()),
		Wallet:           o.PayerWallet,
		SourceAmount:     o.SourceAmount.String(),
		SourceCurrency:   string(o.SourceCurrency),
		TokenAmount:      o.TokenAmount.String(),
		FiatAmount:       o.FiatAmount.StringFixed(2),
		CreditAmount:     o.CreditAmount.String(),
		SettlementAmount: o.SettlementAmount,
		Destination:      o.Destination,
		ExternalRef:      o.ExternalRef,
		ExpiresAt:        o.ExpiresAt.Format(time.RFC3339),
		TxRef:            o.TxRef,
		FailureReason:    o.FailureReason,
	}
	if o.SettledAt != nil {
		resp.SettledAt = o.SettledAt.Format(time.RFC3339)
	}
	if o.CreditedAt != nil {
		resp.CreditedAt = o.CreditedAt.Format(time.RFC3339)
	}
	if json.Valid([]byte(o.RateSnapshot)) {
		resp.RateSnapshot = json.RawMessage(o.RateSnapshot)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) string {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
