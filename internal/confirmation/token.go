// Package confirmation issues and verifies the signed capability tokens that
// let an unauthenticated supplier act on exactly one order.
package confirmation

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// OrderType identifies which workflow a token is scoped to.
type OrderType string

const (
	OrderPurchase OrderType = "purchase_order"
	OrderReorder  OrderType = "reorder"
)

// ParseOrderType validates a path segment.
func ParseOrderType(raw string) (OrderType, error) {
	switch OrderType(raw) {
	case OrderPurchase, OrderReorder:
		return OrderType(raw), nil
	}
	return "", fmt.Errorf("%w: unknown order type %q", shared.ErrValidation, raw)
}

const (
	issuer   = "odyssey-retail"
	audience = "supplier-confirmation"
	keyInfo  = "odyssey-retail/confirmation-token/v1"
)

var (
	// ErrTokenInvalid covers malformed tokens and bad signatures.
	ErrTokenInvalid = errors.New("confirmation: token invalid")
	// ErrTokenExpired occurs once the token's expiry has passed.
	ErrTokenExpired = errors.New("confirmation: token expired")
	// ErrTokenMismatch occurs when a valid token is presented for another order.
	ErrTokenMismatch = errors.New("confirmation: token does not match order")
)

// Claims is the signed payload.
type Claims struct {
	jwt.RegisteredClaims
	OrderType  OrderType `json:"ot"`
	OrderID    int64     `json:"oid"`
	SupplierID int64     `json:"sid"`
}

// Grant is what a validated token authorises.
type Grant struct {
	SupplierID int64
	ExpiresAt  time.Time
}

// Config groups token settings.
type Config struct {
	Secret string
	TTL    time.Duration
}

// Service issues and validates tokens without touching storage.
type Service struct {
	key   []byte
	ttl   time.Duration
	clock shared.Clock
}

// NewService derives the signing key from the application secret.
func NewService(cfg Config, clock shared.Clock) (*Service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("confirmation: secret required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 72 * time.Hour
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("confirmation: derive key: %w", err)
	}
	return &Service{key: key, ttl: cfg.TTL, clock: clock}, nil
}

// Issue signs a token for one order. Earlier tokens for the same order stay valid.
func (s *Service) Issue(orderType OrderType, orderID, supplierID int64) (string, error) {
	if orderID <= 0 || supplierID <= 0 {
		return "", fmt.Errorf("%w: order and supplier required", shared.ErrValidation)
	}
	now := s.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   string(orderType) + ":" + strconv.FormatInt(orderID, 10),
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		OrderType:  orderType,
		OrderID:    orderID,
		SupplierID: supplierID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("confirmation: sign token: %w", err)
	}
	return signed, nil
}

// Validate checks signature, expiry and order binding. Whether the order is
// still in an actionable state is for the caller to check in its transaction.
func (s *Service) Validate(token string, orderType OrderType, orderID int64) (Grant, error) {
	if token == "" {
		return Grant{}, ErrTokenInvalid
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Grant{}, ErrTokenExpired
		}
		return Grant{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.OrderType != orderType || claims.OrderID != orderID {
		return Grant{}, ErrTokenMismatch
	}
	return Grant{SupplierID: claims.SupplierID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// TTL reports how long issued tokens stay valid.
func (s *Service) TTL() time.Duration {
	return s.ttl
}
