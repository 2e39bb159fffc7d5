// Package apitoken defines managed API tokens. Only a SHA-256 hash of a
// token is stored; the plaintext is shown once, at creation.
package apitoken

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Prefix marks toolgate tokens so they are recognizable in logs and
// secret scanners.
const Prefix = "tgk_"

// Token is a stored API token.
type Token struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Actor     string     `json:"actor"`
	Prefix    string     `json:"prefix"` // first characters of the plaintext, for display
	Hash      string     `json:"-"`
	Scopes    []string   `json:"scopes"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// ErrInactive is returned for a revoked or expired token.
var ErrInactive = errors.New("token revoked or expired")

// Active reports whether the token may authenticate at now.
func (t *Token) Active(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}

// Generate returns a new plaintext token and its hash.
func Generate() (plain, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	plain = Prefix + base64.RawURLEncoding.EncodeToString(b)
	return plain, Hash(plain), nil
}

// Hash returns the hex SHA-256 of a plaintext token.
func Hash(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// CreateRequest is the input for a new token. ExpiresIn is in seconds; 0
// never expires.
type CreateRequest struct {
	Name      string   `json:"name"`
	Actor     string   `json:"actor,omitempty"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in,omitempty"`
}

// Validate checks the request against the scopes toolgate knows.
func (r *CreateRequest) Validate(known []string) error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if len(r.Scopes) == 0 {
		return errors.New("at least one scope is required")
	}
	for _, s := range r.Scopes {
		if !slices.Contains(known, s) {
			return fmt.Errorf("invalid scope: %s", s)
		}
	}
	if r.ExpiresIn < 0 {
		return errors.New("expires_in must be >= 0")
	}
	return nil
}

// Created is returned once, after creation. Plain is never retrievable again.
type Created struct {
	Token Token  `json:"token"`
	Plain string `json:"plain_token"`
}
