package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/apitoken"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/policy"
	"github.com/Strob0t/toolgate/internal/logger"
	"github.com/Strob0t/toolgate/internal/port/database"
)

const bootstrapActor = "admin"

// TokenService issues, lists and revokes managed API tokens and resolves
// presented tokens for the auth middleware. Holders of token:admin manage
// every token; other callers manage their own, with at most the scopes
// they hold.
type TokenService struct {
	store database.Store
	audit *AuditService
	now   func() time.Time
}

// NewTokenService creates a TokenService.
func NewTokenService(store database.Store, auditSvc *AuditService) *TokenService {
	return &TokenService{store: store, audit: auditSvc, now: func() time.Time { return time.Now().UTC() }}
}

// Bootstrap issues the first token, holding every scope. It fails with
// domain.ErrConflict once any token exists.
func (s *TokenService) Bootstrap(ctx context.Context, actor string) (*apitoken.Created, error) {
	if actor = strings.TrimSpace(actor); actor == "" {
		actor = bootstrapActor
	}
	t, plain, err := s.newToken("bootstrap", actor, policy.AllScopes(), "bootstrap", 0)
	if err != nil {
		return nil, err
	}
	if err := s.store.BootstrapAPIToken(ctx, t); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: already initialized", domain.ErrConflict)
		}
		return nil, err
	}
	s.created(ctx, t)
	return &apitoken.Created{Token: *t, Plain: plain}, nil
}

// Create issues a token. Actor defaults to the caller.
func (s *TokenService) Create(ctx context.Context, caller policy.Caller, req apitoken.CreateRequest) (*apitoken.Created, error) {
	if err := req.Validate(policy.AllScopes()); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if req.Actor == "" {
		req.Actor = caller.ID
	}
	if !caller.Can(policy.ScopeTokens) {
		if req.Actor != caller.ID {
			return nil, fmt.Errorf("issue token for %s: %w", req.Actor, domain.ErrPolicyDenied)
		}
		for _, sc := range req.Scopes {
			if !caller.Can(sc) {
				return nil, fmt.Errorf("grant scope %s you do not hold: %w", sc, domain.ErrPolicyDenied)
			}
		}
	}

	t, plain, err := s.newToken(req.Name, req.Actor, req.Scopes, caller.ID, req.ExpiresIn)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateAPIToken(ctx, t); err != nil {
		return nil, err
	}
	s.created(ctx, t)
	return &apitoken.Created{Token: *t, Plain: plain}, nil
}

func (s *TokenService) newToken(name, actor string, scopes []string, createdBy string, expiresIn int) (*apitoken.Token, string, error) {
	plain, hash, err := apitoken.Generate()
	if err != nil {
		return nil, "", err
	}
	t := &apitoken.Token{
		ID:        uuid.NewString(),
		Name:      name,
		Actor:     actor,
		Prefix:    plain[:len(apitoken.Prefix)+6],
		Hash:      hash,
		Scopes:    scopes,
		CreatedBy: createdBy,
	}
	if expiresIn > 0 {
		at := s.now().Add(time.Duration(expiresIn) * time.Second)
		t.ExpiresAt = &at
	}
	return t, plain, nil
}

func (s *TokenService) created(ctx context.Context, t *apitoken.Token) {
	s.audit.Log(ctx, audit.Event{
		Type: audit.TokenCreated, Action: "create", ActorID: t.CreatedBy,
		ResourceType: "api_token", ResourceID: t.ID,
		Meta: map[string]any{"actor": t.Actor, "scopes": t.Scopes, "name": t.Name},
	})
	logger.From(ctx, slog.Default()).Info("api token created", "token_id", t.ID, "actor", t.Actor, "prefix", t.Prefix)
}

// List returns the caller's tokens, or every token for token:admin.
func (s *TokenService) List(ctx context.Context, caller policy.Caller) ([]apitoken.Token, error) {
	return s.store.ListAPITokens(ctx, s.ownerFilter(caller))
}

// Revoke revokes one token. A caller without token:admin sees another
// actor's token as not found.
func (s *TokenService) Revoke(ctx context.Context, caller policy.Caller, id string) error {
	if err := s.store.RevokeAPIToken(ctx, id, s.ownerFilter(caller), s.now()); err != nil {
		return err
	}
	s.audit.Log(ctx, audit.Event{
		Type: audit.TokenRevoked, Action: "revoke", ActorID: caller.ID,
		ResourceType: "api_token", ResourceID: id,
	})
	return nil
}

func (s *TokenService) ownerFilter(caller policy.Caller) string {
	if caller.Can(policy.ScopeTokens) {
		return ""
	}
	return caller.ID
}

// Resolve maps a presented plaintext token to its caller.
func (s *TokenService) Resolve(ctx context.Context, plain string) (*policy.Caller, error) {
	if !strings.HasPrefix(plain, apitoken.Prefix) {
		return nil, domain.ErrNotFound
	}
	t, err := s.store.GetAPITokenByHash(ctx, apitoken.Hash(plain))
	if err != nil {
		return nil, err
	}
	if !t.Active(s.now()) {
		return nil, apitoken.ErrInactive
	}
	return &policy.Caller{ID: t.Actor, Scopes: t.Scopes}, nil
}
