// Package sharedsecret validates HS256 producer tokens signed with a secret
// shared between inspectq and its producers, and mints them for tooling.
package sharedsecret

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/osvaldoandrade/inspectq/pkg/auth"
)

const defaultClockSkew = 60 * time.Second

type Config struct {
	Secret           string `json:"secret"`
	Issuer           string `json:"issuer"`
	Audience         string `json:"audience"`
	ClockSkewSeconds int    `json:"clockSkewSeconds,omitempty"`
}

// TokenClaims is the JWT payload producers present.
type TokenClaims struct {
	jwt.RegisteredClaims
	Scope   string `json:"scope,omitempty"`
	RobotID string `json:"robot_id,omitempty"`
}

type Validator struct {
	secret []byte
	parser *jwt.Parser
}

func NewValidator(cfg Config) (*Validator, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("sharedsecret auth: secret is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("sharedsecret auth: issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("sharedsecret auth: audience is required")
	}
	skew := defaultClockSkew
	if cfg.ClockSkewSeconds > 0 {
		skew = time.Duration(cfg.ClockSkewSeconds) * time.Second
	}
	return &Validator{
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(skew),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	var cfg Config
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.New("sharedsecret auth: missing config")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("sharedsecret auth: invalid config: %w", err)
	}
	return NewValidator(cfg)
}

func (v *Validator) Validate(tokenString string) (*auth.Claims, error) {
	var tc TokenClaims
	token, err := v.parser.ParseWithClaims(strings.TrimSpace(tokenString), &tc, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, auth.ErrInvalidToken
	}

	claims := &auth.Claims{
		Subject:  tc.Subject,
		Issuer:   tc.Issuer,
		Audience: tc.Audience,
		RobotID:  tc.RobotID,
		Scopes:   strings.Fields(tc.Scope),
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	if len(claims.Scopes) == 0 {
		claims.Scopes = auth.DefaultScopes()
	}
	return claims, nil
}

// MintOptions describes a token to sign.
type MintOptions struct {
	Subject string
	RobotID string
	Scopes  []string
	TTL     time.Duration
	Now     time.Time
}

// Mint signs an HS256 token the Validator built from cfg accepts.
func Mint(cfg Config, opts MintOptions) (string, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return "", errors.New("sharedsecret auth: secret is required")
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = auth.DefaultScopes()
	}
	tc := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.Subject,
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope:   strings.Join(scopes, " "),
		RobotID: opts.RobotID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString([]byte(cfg.Secret))
}

func init() {
	auth.RegisterProvider("hmac", NewValidatorFromJSON)
}
