package service

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/apitoken"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/policy"
)

func TestTokenBootstrap(t *testing.T) {
	store := newMockStore()
	s := NewTokenService(store, NewAuditService(store))
	ctx := context.Background()

	first, err := s.Bootstrap(ctx, "")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if first.Token.Actor != "admin" || !slices.Equal(first.Token.Scopes, policy.AllScopes()) {
		t.Errorf("bootstrap token = %+v", first.Token)
	}
	if stored := store.tokens[first.Token.ID]; stored.Hash == first.Plain || stored.Hash != apitoken.Hash(first.Plain) {
		t.Error("the store must hold the hash, never the plaintext")
	}

	if _, err := s.Bootstrap(ctx, "mallory"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second bootstrap = %v, want ErrConflict", err)
	}
	if !store.hasEvent(audit.TokenCreated) {
		t.Error("missing token.created audit event")
	}
}

func TestTokenCreate_Permissions(t *testing.T) {
	admin := policy.Caller{ID: "root", Scopes: policy.AllScopes()}
	bob := policy.Caller{ID: "bob", Scopes: []string{policy.ScopeExecute}}

	tests := []struct {
		name      string
		caller    policy.Caller
		req       apitoken.CreateRequest
		wantErr   error
		wantActor string
	}{
		{"own token, own scopes", bob, apitoken.CreateRequest{Name: "ci", Scopes: []string{policy.ScopeExecute}}, nil, "bob"},
		{"scope not held", bob, apitoken.CreateRequest{Name: "ci", Scopes: []string{policy.ScopeApprove}}, domain.ErrPolicyDenied, ""},
		{"someone else's token", bob, apitoken.CreateRequest{Name: "ci", Actor: "alice", Scopes: []string{policy.ScopeExecute}}, domain.ErrPolicyDenied, ""},
		{"admin for another actor", admin, apitoken.CreateRequest{Name: "ci", Actor: "alice", Scopes: []string{policy.ScopeApprove}}, nil, "alice"},
		{"unknown scope", admin, apitoken.CreateRequest{Name: "ci", Scopes: []string{"root"}}, domain.ErrValidation, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			s := NewTokenService(store, NewAuditService(store))
			got, err := s.Create(context.Background(), tt.caller, tt.req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if len(store.tokens) != 0 {
					t.Error("a refused token must not be stored")
				}
				return
			}
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if got.Token.Actor != tt.wantActor || got.Token.CreatedBy != tt.caller.ID {
				t.Errorf("token = %+v", got.Token)
			}
		})
	}
}

func TestTokenResolve(t *testing.T) {
	store := newMockStore()
	s := NewTokenService(store, NewAuditService(store))
	ctx := context.Background()
	admin := policy.Caller{ID: "root", Scopes: policy.AllScopes()}

	live, err := s.Create(ctx, admin, apitoken.CreateRequest{Name: "ci", Actor: "ci", Scopes: []string{policy.ScopeExecute}})
	if err != nil {
		t.Fatal(err)
	}
	short, err := s.Create(ctx, admin, apitoken.CreateRequest{Name: "tmp", Scopes: []string{policy.ScopeAudit}, ExpiresIn: 60})
	if err != nil {
		t.Fatal(err)
	}

	c, err := s.Resolve(ctx, live.Plain)
	if err != nil || c.ID != "ci" || !c.Can(policy.ScopeExecute) || c.Can(policy.ScopeApprove) {
		t.Fatalf("Resolve = %+v, %v", c, err)
	}
	if _, err := s.Resolve(ctx, "tgk_unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown token: %v", err)
	}
	if _, err := s.Resolve(ctx, "static-key"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("non-token key: %v", err)
	}

	later := time.Now().UTC().Add(2 * time.Minute)
	s.now = func() time.Time { return later }
	if _, err := s.Resolve(ctx, short.Plain); !errors.Is(err, apitoken.ErrInactive) {
		t.Errorf("expired token: %v", err)
	}

	if err := s.Revoke(ctx, admin, live.Token.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Resolve(ctx, live.Plain); !errors.Is(err, apitoken.ErrInactive) {
		t.Errorf("revoked token: %v", err)
	}
}

func TestTokenListRevoke_Ownership(t *testing.T) {
	store := newMockStore()
	s := NewTokenService(store, NewAuditService(store))
	ctx := context.Background()
	admin := policy.Caller{ID: "root", Scopes: policy.AllScopes()}
	bob := policy.Caller{ID: "bob", Scopes: []string{policy.ScopeExecute}}

	mine, _ := s.Create(ctx, bob, apitoken.CreateRequest{Name: "mine", Scopes: []string{policy.ScopeExecute}})
	theirs, _ := s.Create(ctx, admin, apitoken.CreateRequest{Name: "theirs", Actor: "alice", Scopes: []string{policy.ScopeExecute}})

	own, _ := s.List(ctx, bob)
	if len(own) != 1 || own[0].ID != mine.Token.ID {
		t.Errorf("bob lists %+v", own)
	}
	all, _ := s.List(ctx, admin)
	if len(all) != 2 {
		t.Errorf("admin lists %d tokens, want 2", len(all))
	}

	if err := s.Revoke(ctx, bob, theirs.Token.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("bob revoking alice's token = %v, want ErrNotFound", err)
	}
	if err := s.Revoke(ctx, bob, mine.Token.ID); err != nil {
		t.Errorf("bob revoking own token = %v", err)
	}
	if err := s.Revoke(ctx, bob, mine.Token.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second revoke = %v", err)
	}
	if !store.hasEvent(audit.TokenRevoked) {
		t.Error("missing token.revoked audit event")
	}
}
