package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"RailCredit/internal/models"
)

func TestInitialize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transaction/initialize" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			t.Errorf("missing bearer secret")
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["amount"] != float64(1500000) || body["reference"] != "TON_1" || body["currency"] != "NGN" {
			t.Errorf("unexpected body %v", body)
		}
		w.Write([]byte(`{"status":true,"message":"Authorization URL created","data":{"authorization_url":"https://checkout.example/abc","access_code":"abc","reference":"TON_1"}}`))
	}))
	defer srv.Close()

	session, err := NewClient(srv.URL, "sk_test").Initialize(context.Background(), InitializeRequest{
		Email:       "payer@example.com",
		Reference:   "TON_1",
		AmountMinor: "1500000",
		Currency:    "NGN",
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if session.AuthorizationURL != "https://checkout.example/abc" || session.AccessCode != "abc" {
		t.Errorf("unexpected session %+v", session)
	}
}

func TestInitializeRejectsBadAmount(t *testing.T) {
	_, err := NewClient("http://unused", "sk").Initialize(context.Background(), InitializeRequest{AmountMinor: "0"})
	if !errors.Is(err, models.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, c *Charge, err error)
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body:   `{"status":true,"message":"Verification successful","data":{"id":7,"reference":"TON_1","status":"success","amount":1500000,"currency":"NGN","paid_at":"2024-05-01T10:00:00.000Z"}}`,
			check: func(t *testing.T, c *Charge, err error) {
				if err != nil {
					t.Fatalf("Verify failed: %v", err)
				}
				if c.Status != ChargeSuccess || c.AmountMinor() != "1500000" || c.PaidAt.IsZero() {
					t.Errorf("unexpected charge %+v", c)
				}
			},
		},
		{
			name:   "unknown reference",
			status: http.StatusBadRequest,
			body:   `{"status":false,"message":"Transaction reference not found"}`,
			check: func(t *testing.T, c *Charge, err error) {
				if !errors.Is(err, ErrChargeNotFound) {
					t.Errorf("expected ErrChargeNotFound, got %v", err)
				}
			},
		},
		{
			name:   "gateway outage",
			status: http.StatusBadGateway,
			body:   `upstream down`,
			check: func(t *testing.T, c *Charge, err error) {
				if !models.IsRetriable(err) {
					t.Errorf("expected retriable transport error, got %v", err)
				}
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"status":false,"message":"Invalid key"}`,
			check: func(t *testing.T, c *Charge, err error) {
				if err == nil || models.IsRetriable(err) || !strings.Contains(err.Error(), "Invalid key") {
					t.Errorf("expected permanent error, got %v", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/transaction/verify/TON_1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			charge, err := NewClient(srv.URL, "sk_test").Verify(context.Background(), "TON_1")
			tc.check(t, charge, err)
		})
	}
}

func TestVerifyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "sk").Verify(context.Background(), "TON_1")
	if !errors.Is(err, models.ErrTransportError) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
