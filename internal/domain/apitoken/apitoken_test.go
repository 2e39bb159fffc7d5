package apitoken_test

import (
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/toolgate/internal/domain/apitoken"
)

func TestGenerate(t *testing.T) {
	plain, hash, err := apitoken.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plain, apitoken.Prefix) {
		t.Errorf("plain %q lacks prefix", plain)
	}
	if hash != apitoken.Hash(plain) || len(hash) != 64 {
		t.Errorf("hash = %q", hash)
	}
	if strings.Contains(hash, plain) {
		t.Error("hash leaks plaintext")
	}

	other, _, _ := apitoken.Generate()
	if other == plain {
		t.Error("two tokens collided")
	}
}

func TestActive(t *testing.T) {
	now := time.Now()
	past, future := now.Add(-time.Minute), now.Add(time.Minute)

	tests := []struct {
		name string
		tok  apitoken.Token
		want bool
	}{
		{"no expiry", apitoken.Token{}, true},
		{"not yet expired", apitoken.Token{ExpiresAt: &future}, true},
		{"expired", apitoken.Token{ExpiresAt: &past}, false},
		{"revoked", apitoken.Token{RevokedAt: &past}, false},
	}
	for _, tt := range tests {
		if got := tt.tok.Active(now); got != tt.want {
			t.Errorf("%s: Active = %v", tt.name, got)
		}
	}
}

func TestCreateRequest_Validate(t *testing.T) {
	known := []string{"tool:execute", "audit:read"}
	tests := []struct {
		name string
		req  apitoken.CreateRequest
		want string
	}{
		{"ok", apitoken.CreateRequest{Name: "ci", Scopes: []string{"tool:execute"}}, ""},
		{"no name", apitoken.CreateRequest{Scopes: []string{"tool:execute"}}, "name is required"},
		{"no scopes", apitoken.CreateRequest{Name: "ci"}, "at least one scope"},
		{"unknown scope", apitoken.CreateRequest{Name: "ci", Scopes: []string{"root"}}, "invalid scope: root"},
		{"negative expiry", apitoken.CreateRequest{Name: "ci", Scopes: []string{"audit:read"}, ExpiresIn: -1}, "expires_in"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(known)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}
