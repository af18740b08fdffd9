package gateway

import (
	"testing"
	"time"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"charge.success","data":{"reference":"TON_1","status":"success","amount":1500000,"currency":"NGN"}}`)
	sig := Sign(body, "sk_test")

	if !VerifySignature(body, sig, "sk_test") {
		t.Fatal("expected valid signature")
	}
	if VerifySignature(body, sig, "other") {
		t.Error("signature must depend on the secret")
	}
	if VerifySignature(append(body, ' '), sig, "sk_test") {
		t.Error("signature must cover the whole body")
	}
	if VerifySignature(body, "not-hex", "sk_test") || VerifySignature(body, "", "sk_test") {
		t.Error("malformed signatures must be rejected")
	}

	ev, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	if !ev.IsChargeEvent() || ev.Data.Reference != "TON_1" || ev.Data.Amount != 1500000 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestStateSigner(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	signer := NewStateSigner("state-secret", time.Hour)
	signer.Now = func() time.Time { return now }

	token, err := signer.Sign("o-1", "TON_1")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	claims, err := signer.Parse(token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if claims.OrderID != "o-1" || claims.Reference != "TON_1" {
		t.Errorf("unexpected claims %+v", claims)
	}

	t.Run("expired", func(t *testing.T) {
		later := NewStateSigner("state-secret", time.Hour)
		later.Now = func() time.Time { return now.Add(2 * time.Hour) }
		if _, err := later.Parse(token); err == nil {
			t.Error("expected expired state to be rejected")
		}
		claims, err := later.ParseAllowExpired(token)
		if err != nil {
			t.Fatalf("ParseAllowExpired failed: %v", err)
		}
		if claims.OrderID != "o-1" || claims.Reference != "TON_1" {
			t.Errorf("unexpected claims %+v", claims)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewStateSigner("another", time.Hour)
		other.Now = signer.Now
		if _, err := other.Parse(token); err == nil {
			t.Error("expected signature mismatch")
		}
		if _, err := other.ParseAllowExpired(token); err == nil {
			t.Error("expected signature mismatch without expiry checks")
		}
	})
}
