package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Strob0t/toolgate/internal/config"
	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/apitoken"
	"github.com/Strob0t/toolgate/internal/domain/policy"
	"github.com/Strob0t/toolgate/internal/logger"
)

type callerCtxKey struct{}

// LocalActor is the caller injected when authentication is disabled.
const LocalActor = "local"

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health":                true,
	"/api/v1/auth/bootstrap": true,
}

// TokenResolver maps a presented managed token to its caller. It returns
// domain.ErrNotFound for an unknown token and apitoken.ErrInactive for a
// revoked or expired one.
type TokenResolver interface {
	Resolve(ctx context.Context, plain string) (*policy.Caller, error)
}

// Auth returns middleware that resolves an API key (X-API-Key or
// Authorization: Bearer) to a caller with scopes. Static keys from cfg
// are tried first, then tokens (which may be nil). When auth is disabled
// every request runs as LocalActor with all scopes.
func Auth(cfg config.Auth, tokens TokenResolver) func(http.Handler) http.Handler {
	local := &policy.Caller{
		ID:     LocalActor,
		Scopes: policy.AllScopes(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), local)))
				return
			}
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" {
				h := r.Header.Get("Authorization")
				if h == "" {
					http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
					return
				}
				key = strings.TrimPrefix(h, "Bearer ")
				if key == h {
					http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
					return
				}
			}

			c := lookupKey(cfg.Keys, key)
			if c == nil && tokens != nil {
				var err error
				c, err = tokens.Resolve(r.Context(), key)
				switch {
				case err == nil:
				case errors.Is(err, domain.ErrNotFound), errors.Is(err, apitoken.ErrInactive):
					c = nil
				default:
					logger.From(r.Context(), slog.Default()).Error("resolve api token", "error", err)
					http.Error(w, `{"error":"authentication unavailable"}`, http.StatusServiceUnavailable)
					return
				}
			}
			if c == nil {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), c)))
		})
	}
}

// lookupKey compares against every configured key in constant time.
func lookupKey(keys []config.APIKey, presented string) *policy.Caller {
	var found *policy.Caller
	for i := range keys {
		if subtle.ConstantTimeCompare([]byte(keys[i].Key), []byte(presented)) == 1 {
			found = &policy.Caller{ID: keys[i].Actor, Scopes: keys[i].Scopes}
		}
	}
	return found
}

func withCaller(ctx context.Context, c *policy.Caller) context.Context {
	ctx = context.WithValue(ctx, callerCtxKey{}, c)
	return logger.WithActor(ctx, c.ID)
}

// CallerFromContext returns the authenticated caller, or nil.
func CallerFromContext(ctx context.Context) *policy.Caller {
	c, _ := ctx.Value(callerCtxKey{}).(*policy.Caller)
	return c
}

// ContextWithCaller injects a caller, for tests and the CLI.
func ContextWithCaller(ctx context.Context, c policy.Caller) context.Context {
	return withCaller(ctx, &c)
}
