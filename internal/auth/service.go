package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/fleetdispatch/internal/device"
	"github.com/loykin/fleetdispatch/internal/store"
)

const issuer = "fleetdispatch"

// Store is the device storage the service reads secrets from.
type Store interface {
	GetDevice(ctx context.Context, id string) (device.Device, error)
	SetDeviceSecret(ctx context.Context, id, hash string) error
}

type Config struct {
	JWTSecret string
	// OperatorKey is exchanged for operator tokens. Empty disables them.
	OperatorKey string
	TokenTTL    time.Duration
	BcryptCost  int
}

// Service issues device secrets and exchanges device secrets and the
// operator key for signed tokens.
type Service struct {
	store       Store
	jwtSecret   []byte
	operatorKey []byte
	tokenTTL   time.Duration
	bcryptCost int
	now        func() time.Time
}

// NewService creates a service. Without a configured secret a random one is
// generated, so tokens do not survive a restart.
func NewService(st Store, cfg Config) (*Service, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		store:       st,
		jwtSecret:   secret,
		operatorKey: []byte(cfg.OperatorKey),
		tokenTTL:    ttl,
		bcryptCost:  cost,
		now:         time.Now,
	}, nil
}

// IssueSecret generates a new secret for deviceID, stores its hash and
// returns the plaintext. The previous secret stops working.
func (s *Service) IssueSecret(ctx context.Context, deviceID string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(b)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	if err := s.store.SetDeviceSecret(ctx, deviceID, string(hash)); err != nil {
		return "", err
	}
	return secret, nil
}

// Authenticate checks a device secret and returns a token for the device.
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*Token, error) {
	if req.DeviceID == "" || req.Secret == "" {
		return nil, ErrInvalidCredentials
	}
	d, err := s.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if d.SecretHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(d.SecretHash), []byte(req.Secret)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issueToken(RoleDevice, d.ID)
}

// OperatorToken checks the operator key and returns an operator token.
func (s *Service) OperatorToken(req OperatorTokenRequest) (*Token, error) {
	if len(s.operatorKey) == 0 || req.Key == "" {
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare(s.operatorKey, []byte(req.Key)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return s.issueToken(RoleOperator, "")
}

func (s *Service) issueToken(role, deviceID string) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	subject := deviceID
	if role == RoleOperator {
		subject = RoleOperator
	}
	claims := &Claims{
		Role:     role,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: value, Role: role, DeviceID: deviceID, ExpiresAt: expiresAt.UTC()}, nil
}

// ValidateToken verifies signature, issuer and expiry and returns the claims.
func (s *Service) ValidateToken(value string) (*Claims, error) {
	if value == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(value, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	switch {
	case claims.Role == RoleDevice && claims.DeviceID != "":
	case claims.Role == RoleOperator && claims.DeviceID == "":
	default:
		return nil, ErrInvalidToken
	}
	return claims, nil
}
