package sharedsecret

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/osvaldoandrade/inspectq/pkg/auth"
)

var testCfg = Config{Secret: "s3cret", Issuer: "inspectq-test", Audience: "inspectq"}

func TestMintAndValidate(t *testing.T) {
	tok, err := Mint(testCfg, MintOptions{Subject: "robot-1", RobotID: "robot-1", Scopes: []string{auth.ScopeIngest}})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	v, err := NewValidator(testCfg)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	claims, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "robot-1" || claims.RobotID != "robot-1" || claims.Issuer != "inspectq-test" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.HasScope(auth.ScopeIngest) || claims.HasScope(auth.ScopeRead) {
		t.Fatalf("unexpected scopes %v", claims.Scopes)
	}
	if claims.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry")
	}
}

func TestValidateRejects(t *testing.T) {
	v, _ := NewValidator(testCfg)
	past := time.Now().Add(-3 * time.Hour)

	expired, _ := Mint(testCfg, MintOptions{Subject: "r", TTL: time.Hour, Now: past})
	wrongSecret, _ := Mint(Config{Secret: "other", Issuer: testCfg.Issuer, Audience: testCfg.Audience}, MintOptions{Subject: "r"})
	wrongAudience, _ := Mint(Config{Secret: testCfg.Secret, Issuer: testCfg.Issuer, Audience: "someone-else"}, MintOptions{Subject: "r"})
	wrongIssuer, _ := Mint(Config{Secret: testCfg.Secret, Issuer: "evil", Audience: testCfg.Audience}, MintOptions{Subject: "r"})
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: testCfg.Issuer, Audience: jwt.ClaimStrings{testCfg.Audience},
	}}).SignedString([]byte(testCfg.Secret))
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"iss": testCfg.Issuer}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong secret", wrongSecret},
		{"wrong audience", wrongAudience},
		{"wrong issuer", wrongIssuer},
		{"missing exp", noExp},
		{"alg none", noneAlg},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Validate(tt.token); !errors.Is(err, auth.ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestDefaultScopesWhenTokenHasNone(t *testing.T) {
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    testCfg.Issuer,
		Audience:  jwt.ClaimStrings{testCfg.Audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString([]byte(testCfg.Secret))
	v, _ := NewValidator(testCfg)
	claims, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !claims.HasScope(auth.ScopeIngest) || !claims.HasScope(auth.ScopeRead) {
		t.Fatalf("expected default scopes, got %v", claims.Scopes)
	}
}

func TestRegisteredAsHMACProvider(t *testing.T) {
	raw, _ := json.Marshal(testCfg)
	v, err := auth.NewValidator(auth.ProviderConfig{Type: "hmac", Config: raw})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	tok, _ := Mint(testCfg, MintOptions{Subject: "robot-2"})
	if _, err := v.Validate(tok); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestNewValidatorRequiresFields(t *testing.T) {
	for _, cfg := range []Config{{}, {Secret: "x"}, {Secret: "x", Issuer: "i"}} {
		if _, err := NewValidator(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}
