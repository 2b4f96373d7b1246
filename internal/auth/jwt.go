package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "tradeengine"

// Roles a token can carry. Operators manage strategies and run jobs; signal sources
// only post signals, optionally for a fixed set of strategies.
const (
	RoleOperator = "operator"
	RoleSignal   = "signal"
)

var ErrUnknownRole = errors.New("unknown role")

// Claims name the caller in Subject: an operator login or an alerting source such as
// "tradingview".
type Claims struct {
	Role       string   `json:"role"`
	Strategies []uint64 `json:"strategies,omitempty"`

	jwt.RegisteredClaims
}

func OperatorClaims(name string) Claims {
	return Claims{Role: RoleOperator, RegisteredClaims: jwt.RegisteredClaims{Subject: name}}
}

// SignalClaims scope a signal source to strategies; none means every strategy.
func SignalClaims(source string, strategies ...uint64) Claims {
	return Claims{Role: RoleSignal, Strategies: strategies, RegisteredClaims: jwt.RegisteredClaims{Subject: source}}
}

// Validate runs after the registered claims are checked on every parsed token.
func (c Claims) Validate() error {
	if c.Subject == "" {
		return errors.New("token has no subject")
	}
	switch c.Role {
	case RoleOperator, RoleSignal:
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownRole, c.Role)
}

// Allows reports whether the caller may act as role. Operators may act as anything.
func (c Claims) Allows(role string) bool {
	return c.Role == RoleOperator || c.Role == role
}

// CanTrade reports whether the caller may post signals for strategyID.
func (c Claims) CanTrade(strategyID uint64) bool {
	if c.Role == RoleOperator || len(c.Strategies) == 0 {
		return true
	}
	return slices.Contains(c.Strategies, strategyID)
}

type JWT struct {
	Secret   []byte
	TokenTTL time.Duration
}

// Sign issues a token for claims, expiring after TokenTTL unless claims set ExpiresAt.
func (j JWT) Sign(claims Claims) (string, time.Time, error) {
	if err := claims.Validate(); err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	claims.Issuer = issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(j.TokenTTL))
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return s, claims.ExpiresAt.Time, nil
}

func (j JWT) Verify(token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.Secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return Claims{}, err
	}
	return claims, nil
}
