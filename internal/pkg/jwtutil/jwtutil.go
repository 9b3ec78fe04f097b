package jwtutil

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	PurposeAccess     = "access"
	PurposeDriveState = "drive_state"
)

var ErrWrongPurpose = errors.New("token purpose mismatch")

type Claims struct {
	UserID   uint   `json:"uid"`
	Username string `json:"username,omitempty"`
	Purpose  string `json:"purpose"`
	jwt.RegisteredClaims
}

// TenantID is the identity the rest of the service scopes data by.
func (c *Claims) TenantID() string {
	return strconv.FormatUint(uint64(c.UserID), 10)
}

func GenerateToken(secret string, ttl time.Duration, userID uint, username string) (string, error) {
	return sign(secret, ttl, userID, username, PurposeAccess)
}

// GenerateStateToken issues a short-lived token used as the OAuth state
// parameter, binding the callback to the tenant that started the flow.
func GenerateStateToken(secret string, ttl time.Duration, userID uint) (string, error) {
	return sign(secret, ttl, userID, "", PurposeDriveState)
}

func ParseToken(secret, token string) (*Claims, error) {
	return parse(secret, token, PurposeAccess)
}

func ParseStateToken(secret, token string) (*Claims, error) {
	return parse(secret, token, PurposeDriveState)
}

func sign(secret string, ttl time.Duration, userID uint, username, purpose string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		Purpose:  purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign jwt failed: %w", err)
	}
	return signed, nil
}

func parse(secret, token, purpose string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse jwt failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid jwt")
	}
	if claims.Purpose != purpose {
		return nil, ErrWrongPurpose
	}
	return claims, nil
}
