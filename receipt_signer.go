package main

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"go-checkout-verifier/document"
	"go-checkout-verifier/models"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
)

const DefaultReceiptValidity = 24 * time.Hour

type ReceiptSigner interface {
	SignDecision(record models.DecisionRecord) (receipt string, err error)
	VerifyReceipt(receipt string) (*ReceiptClaims, error)
}

// ReceiptClaims is the content of a signed decision receipt. It carries the
// outcome and age flags only, never the scanned identity itself.
type ReceiptClaims struct {
	TransactionId string               `json:"transaction_id"`
	RegisterId    string               `json:"register_id,omitempty"`
	Status        models.SessionStatus `json:"status"`
	Reason        string               `json:"reason,omitempty"`
	DocumentType  models.DocumentType  `json:"document_type,omitempty"`
	Source        models.Source        `json:"source,omitempty"`
	Over18        string               `json:"over18,omitempty"`
	Over21        string               `json:"over21,omitempty"`
	jwt.RegisteredClaims
}

// NewJwtReceiptSigner loads an RSA key from a PEM file. Receipt timestamps
// and expiry checks follow clock; a nil clock means the real one.
func NewJwtReceiptSigner(privateKeyPath string, issuerId string, validity time.Duration, clock clockwork.Clock) (*JwtReceiptSigner, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt signing key: %w", err)
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse receipt signing key: %w", err)
	}

	if validity <= 0 {
		validity = DefaultReceiptValidity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &JwtReceiptSigner{
		privateKey: privateKey,
		issuerId:   issuerId,
		validity:   validity,
		clock:      clock,
	}, nil
}

type JwtReceiptSigner struct {
	privateKey *rsa.PrivateKey
	issuerId   string
	validity   time.Duration
	clock      clockwork.Clock
}

func (s *JwtReceiptSigner) SignDecision(record models.DecisionRecord) (string, error) {
	now := s.clock.Now()
	claims := ReceiptClaims{
		TransactionId: record.TransactionId,
		RegisterId:    record.RegisterId,
		Status:        record.Status,
		Reason:        record.Reason,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        record.Id,
			Issuer:    s.issuerId,
			Subject:   record.TransactionId,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.validity)),
		},
	}
	if record.Identity != nil {
		claims.DocumentType = record.Identity.DocumentType
		claims.Source = record.Identity.Source
	}
	if record.Age != nil {
		claims.Over18 = document.BoolToYesNo(*record.Age >= 18)
		claims.Over21 = document.BoolToYesNo(*record.Age >= 21)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign receipt: %w", err)
	}
	return signed, nil
}

func (s *JwtReceiptSigner) VerifyReceipt(receipt string) (*ReceiptClaims, error) {
	claims := &ReceiptClaims{}
	token, err := jwt.ParseWithClaims(receipt, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &s.privateKey.PublicKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("invalid receipt: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid receipt")
	}

	now := s.clock.Now()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, errors.New("receipt expired")
	}
	if !claims.VerifyIssuedAt(now, true) {
		return nil, errors.New("receipt issued in the future")
	}
	if !claims.VerifyIssuer(s.issuerId, true) {
		return nil, fmt.Errorf("receipt issued by %q", claims.Issuer)
	}
	return claims, nil
}
