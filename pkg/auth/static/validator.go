// Package static validates fixed bearer tokens, one per robot or one shared
// by the whole fleet.
package static

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/osvaldoandrade/inspectq/pkg/auth"
)

const defaultSubject = "static"

// Credential is one accepted token and what it asserts.
type Credential struct {
	Token   string   `json:"token"`
	Subject string   `json:"subject,omitempty"`
	RobotID string   `json:"robotId,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// config accepts a bare "token" string, a single Credential object, or
// {"tokens":[Credential...]}.
type config struct {
	Credential
	Tokens []Credential `json:"tokens,omitempty"`
}

type validator struct {
	creds []Credential
}

func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, errors.New("static auth: missing config")
	}

	var cfg config
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &cfg.Token); err != nil {
			return nil, fmt.Errorf("static auth: %w", err)
		}
	} else if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("static auth: %w", err)
	}

	creds := cfg.Tokens
	if strings.TrimSpace(cfg.Token) != "" {
		creds = append([]Credential{cfg.Credential}, creds...)
	}
	if len(creds) == 0 {
		return nil, errors.New("static auth: token is required")
	}

	seen := make(map[string]bool, len(creds))
	for i := range creds {
		c := &creds[i]
		c.Token = strings.TrimSpace(c.Token)
		if c.Token == "" {
			return nil, fmt.Errorf("static auth: tokens[%d] is empty", i)
		}
		if seen[c.Token] {
			return nil, fmt.Errorf("static auth: tokens[%d] is a duplicate", i)
		}
		seen[c.Token] = true
		if c.Subject = strings.TrimSpace(c.Subject); c.Subject == "" {
			c.Subject = defaultSubject
		}
		if len(c.Scopes) == 0 {
			c.Scopes = auth.DefaultScopes()
		}
	}
	return &validator{creds: creds}, nil
}

// Validate compares against every credential so timing does not reveal
// which one matched.
func (v *validator) Validate(token string) (*auth.Claims, error) {
	presented := []byte(strings.TrimSpace(token))
	match := -1
	for i, c := range v.creds {
		if subtle.ConstantTimeCompare(presented, []byte(c.Token)) == 1 {
			match = i
		}
	}
	if match < 0 {
		return nil, auth.ErrInvalidToken
	}
	c := v.creds[match]
	return &auth.Claims{
		Subject: c.Subject,
		RobotID: c.RobotID,
		Scopes:  append([]string(nil), c.Scopes...),
	}, nil
}

func init() {
	auth.RegisterProvider("static", NewValidatorFromJSON)
}
