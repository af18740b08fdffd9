package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidState = errors.New("invalid checkout state")

// StateClaims binds a checkout redirect to the order that opened it.
type StateClaims struct {
	OrderID   string `json:"oid"`
	Reference string `json:"ref"`
	jwt.RegisteredClaims
}

// StateSigner issues and checks the HS256 state token carried through the
// gateway's hosted page and back to the callback.
type StateSigner struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	return &StateSigner{Secret: []byte(secret), TTL: ttl, Now: time.Now}
}

func (s *StateSigner) Sign(orderID, reference string) (string, error) {
	now := s.Now()
	claims := StateClaims{
		OrderID:   orderID,
		Reference: reference,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   orderID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

func (s *StateSigner) Parse(token string) (*StateClaims, error) {
	return s.parse(token, jwt.WithTimeFunc(s.Now))
}

// ParseAllowExpired checks the signature and the order binding but not the
// expiry. Settled orders use it so a payer can still link a wallet after the
// checkout window has closed.
func (s *StateSigner) ParseAllowExpired(token string) (*StateClaims, error) {
	return s.parse(token, jwt.WithoutClaimsValidation())
}

func (s *StateSigner) parse(token string, opts ...jwt.ParserOption) (*StateClaims, error) {
	claims := &StateClaims{}
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if !parsed.Valid || claims.OrderID == "" || claims.Reference == "" {
		return nil, ErrInvalidState
	}
	return claims, nil
}
