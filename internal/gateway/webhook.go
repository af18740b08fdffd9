package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const SignatureHeader = "x-paystack-signature"

// Event is the subset of a gateway webhook payload the reconciler needs.
type Event struct {
	Event string `json:"event"`
	Data  Charge `json:"data"`
}

// VerifySignature checks the hex HMAC-SHA512 of the raw body against the
// signature header value.
func VerifySignature(body []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || secret == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func Sign(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// IsChargeEvent reports whether the event concerns a charge outcome.
func (e *Event) IsChargeEvent() bool {
	return strings.HasPrefix(e.Event, "charge.")
}
