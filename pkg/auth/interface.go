package auth

import (
	"errors"
	"time"
)

const (
	// ScopeIngest allows handing artifacts to the upload queue.
	ScopeIngest = "inspectq:ingest"
	// ScopeRead allows reading queue state.
	ScopeRead = "inspectq:read"
)

var ErrInvalidToken = errors.New("invalid token")

// DefaultScopes is granted to producers whose credentials do not list any.
func DefaultScopes() []string { return []string{ScopeIngest, ScopeRead} }

// Claims is what a validated producer credential asserts.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scopes    []string
	// RobotID pins the producer to one robot when set.
	RobotID string
	Raw     map[string]interface{}
}

// HasScope checks if the claims contain a specific scope
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator validates producer bearer tokens.
type Validator interface {
	Validate(token string) (*Claims, error)
}
