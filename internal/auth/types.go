package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

const (
	RoleDevice   = "device"
	RoleOperator = "operator"
)

// Token is a signed device or operator token.
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	Role      string    `json:"role"`
	DeviceID  string    `json:"device_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenRequest exchanges a device secret for a token.
type TokenRequest struct {
	DeviceID string `json:"device_id"`
	Secret   string `json:"secret"`
}

// OperatorTokenRequest exchanges the configured operator key for a token.
type OperatorTokenRequest struct {
	Key string `json:"key"`
}

// Claims represents JWT claims. Device tokens carry DeviceID; operator
// tokens carry RoleOperator and no device.
type Claims struct {
	Role     string `json:"role"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}
