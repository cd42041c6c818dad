// Package auth provides the control plane's operator authentication:
// RSA-signed JWTs plus a small in-process RBAC registry covering the
// permissions the orchestration API actually gates (view, approve,
// apply, admin).
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const refreshAudience = "orchestrall-refresh"

// ErrInvalidToken covers every way ValidateToken can reject a token:
// bad signature, wrong signing method, or expiry.
var ErrInvalidToken = errors.New("invalid or expired token")

// Config governs token issuance.
type Config struct {
	Issuer        string        `yaml:"issuer" env:"ORCHESTRALL_AUTH_ISSUER"`
	Expiration    time.Duration `yaml:"expiration" env:"ORCHESTRALL_AUTH_EXPIRATION"`
	RefreshExpiry time.Duration `yaml:"refresh_expiration" env:"ORCHESTRALL_AUTH_REFRESH_EXPIRATION"`
}

// DefaultConfig is a 24h access window with 7-day refresh.
func DefaultConfig() Config {
	return Config{
		Issuer:        "orchestrall",
		Expiration:    24 * time.Hour,
		RefreshExpiry: 7 * 24 * time.Hour,
	}
}

// Claims is the JWT payload: the fields the orchestration API actually
// consults, an operator identity and the RBAC role it was granted at
// login.
type Claims struct {
	OperatorID string `json:"operator_id"`
	Username   string `json:"username"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// TokenPair is returned from a successful login or refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// JWTService issues and validates RS256 tokens, generating its own
// keypair at construction; there is no persisted signing key, so tokens
// do not survive a process restart.
type JWTService struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	cfg        Config
}

// NewJWTService generates a fresh RSA-2048 signing key and applies cfg's
// defaults for any zero field.
func NewJWTService(cfg Config) (*JWTService, error) {
	if cfg.Issuer == "" {
		cfg.Issuer = "orchestrall"
	}
	if cfg.Expiration == 0 {
		cfg.Expiration = 24 * time.Hour
	}
	if cfg.RefreshExpiry == 0 {
		cfg.RefreshExpiry = 7 * 24 * time.Hour
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate jwt signing key: %w", err)
	}
	return &JWTService{privateKey: key, publicKey: &key.PublicKey, cfg: cfg}, nil
}

// GenerateToken issues an access/refresh pair for an authenticated operator.
func (j *JWTService) GenerateToken(operatorID, username, role string) (*TokenPair, error) {
	now := time.Now()
	expiresAt := now.Add(j.cfg.Expiration)

	access := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		OperatorID: operatorID,
		Username:   username,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.cfg.Issuer,
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	accessToken, err := access.SignedString(j.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		OperatorID: operatorID,
		Username:   username,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.cfg.Issuer,
			Subject:   operatorID,
			Audience:  jwt.ClaimStrings{refreshAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.cfg.RefreshExpiry)),
		},
	})
	refreshToken, err := refresh.SignedString(j.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		TokenType:    "Bearer",
	}, nil
}

// ValidateToken parses and verifies tokenString, returning its claims.
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RefreshToken validates a refresh token and issues a new pair.
func (j *JWTService) RefreshToken(refreshTokenString string) (*TokenPair, error) {
	claims, err := j.ValidateToken(refreshTokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != refreshAudience {
		return nil, errors.New("not a refresh token")
	}
	return j.GenerateToken(claims.OperatorID, claims.Username, claims.Role)
}
