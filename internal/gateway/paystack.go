package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"RailCredit/internal/models"
)

// ErrChargeNotFound is returned by Verify while the gateway has no record of
// the reference yet (the payer has not completed checkout).
var ErrChargeNotFound = errors.New("charge not found")

// Charge statuses reported by the gateway.
const (
	ChargeSuccess   = "success"
	ChargeFailed    = "failed"
	ChargeAbandoned = "abandoned"
	ChargeReversed  = "reversed"
	ChargePending   = "pending"
	ChargeOngoing   = "ongoing"
)

// Client is a Paystack-compatible transaction API client.
type Client struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

type InitializeRequest struct {
	Email       string
	Reference   string
	AmountMinor string
	Currency    string
	CallbackURL string
	Metadata    map[string]string
}

type Session struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type Charge struct {
	ID              int64     `json:"id"`
	Reference       string    `json:"reference"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	GatewayResponse string    `json:"gateway_response"`
	PaidAt          time.Time `json:"paid_at"`
}

// AmountMinor renders the charged amount in minor units, comparable with an
// order's settlement amount.
func (c *Charge) AmountMinor() string {
	return strconv.FormatInt(c.Amount, 10)
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Initialize opens a hosted checkout session for the reference.
func (c *Client) Initialize(ctx context.Context, in InitializeRequest) (*Session, error) {
	amount, err := strconv.ParseInt(in.AmountMinor, 10, 64)
	if err != nil || amount <= 0 {
		return nil, fmt.Errorf("%w: minor amount %q", models.ErrInvalidAmount, in.AmountMinor)
	}
	payload := map[string]any{
		"email":     in.Email,
		"amount":    amount,
		"reference": in.Reference,
		"currency":  in.Currency,
	}
	if in.CallbackURL != "" {
		payload["callback_url"] = in.CallbackURL
	}
	if len(in.Metadata) > 0 {
		payload["metadata"] = in.Metadata
	}

	var session Session
	if err := c.do(ctx, http.MethodPost, "/transaction/initialize", payload, &session); err != nil {
		return nil, err
	}
	if session.Reference == "" {
		session.Reference = in.Reference
	}
	return &session, nil
}

// Verify fetches the current state of the charge behind reference.
func (c *Client) Verify(ctx context.Context, reference string) (*Charge, error) {
	var charge Charge
	err := c.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &charge)
	if err != nil {
		return nil, err
	}
	return &charge, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return models.NewTransportError("gateway "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.NewTransportError("gateway "+path, err)
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(env.Message), "not found"):
		return ErrChargeNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return models.NewTransportError("gateway "+path, fmt.Errorf("http status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("gateway http status %d: %s", resp.StatusCode, msg)
	}

	if !env.Status {
		return fmt.Errorf("gateway rejected request: %s", env.Message)
	}
	return json.Unmarshal(env.Data, out)
}
