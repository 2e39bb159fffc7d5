package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/argschema"
	"github.com/Strob0t/toolgate/internal/domain/tool"
	"github.com/Strob0t/toolgate/internal/port/cache"
	"github.com/Strob0t/toolgate/internal/port/database"
)

const (
	toolKeyPrefix  = "tools."
	toolListKey    = "tools-list.all"
	toolEnabledKey = "tools-list.enabled"
)

// ToolRegistry serves tool definitions from the store through a cache.
type ToolRegistry struct {
	store database.Store
	cache cache.Cache
	ttl   time.Duration
}

// NewToolRegistry creates a registry. c may be nil to disable caching.
func NewToolRegistry(store database.Store, c cache.Cache, ttl time.Duration) *ToolRegistry {
	return &ToolRegistry{store: store, cache: c, ttl: ttl}
}

// Get returns the tool with the given id.
func (r *ToolRegistry) Get(ctx context.Context, id string) (*tool.Tool, error) {
	key := toolKeyPrefix + id
	var t tool.Tool
	if r.cached(ctx, key, &t) {
		return &t, nil
	}
	got, err := r.store.GetTool(ctx, id)
	if err != nil {
		return nil, err
	}
	r.remember(ctx, key, got)
	return got, nil
}

// List returns all tools, or only enabled ones.
func (r *ToolRegistry) List(ctx context.Context, enabledOnly bool) ([]tool.Tool, error) {
	key := toolListKey
	if enabledOnly {
		key = toolEnabledKey
	}
	var tools []tool.Tool
	if r.cached(ctx, key, &tools) {
		return tools, nil
	}
	tools, err := r.store.ListTools(ctx, enabledOnly)
	if err != nil {
		return nil, err
	}
	r.remember(ctx, key, tools)
	return tools, nil
}

// Lookup returns every registered tool keyed by id, for plan validation.
func (r *ToolRegistry) Lookup(ctx context.Context) (map[string]*tool.Tool, error) {
	tools, err := r.List(ctx, false)
	if err != nil {
		return nil, err
	}
	m := make(map[string]*tool.Tool, len(tools))
	for i := range tools {
		m[tools[i].ID] = &tools[i]
	}
	return m, nil
}

// Import validates and upserts tools. Every undo_tool_id must name a tool
// in the batch or already registered.
func (r *ToolRegistry) Import(ctx context.Context, tools []tool.Tool) (int, error) {
	batch := make(map[string]bool, len(tools))
	for i := range tools {
		if err := tools[i].Validate(); err != nil {
			return 0, fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
		if err := argschema.Compile(tools[i].ArgsSchema); err != nil {
			return 0, fmt.Errorf("%w: tool %s: %w", domain.ErrValidation, tools[i].ID, err)
		}
		batch[tools[i].ID] = true
	}
	for i := range tools {
		undo := tools[i].UndoToolID
		if undo == "" || batch[undo] {
			continue
		}
		if _, err := r.store.GetTool(ctx, undo); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return 0, fmt.Errorf("%w: tool %s: undo tool %q is not registered", domain.ErrValidation, tools[i].ID, undo)
			}
			return 0, err
		}
	}

	for i := range tools {
		if err := r.store.UpsertTool(ctx, &tools[i]); err != nil {
			return i, err
		}
		r.forget(ctx, toolKeyPrefix+tools[i].ID)
	}
	r.forget(ctx, toolListKey, toolEnabledKey)
	return len(tools), nil
}

// SetEnabled toggles a tool.
func (r *ToolRegistry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := r.store.SetToolEnabled(ctx, id, enabled); err != nil {
		return err
	}
	r.forget(ctx, toolKeyPrefix+id, toolListKey, toolEnabledKey)
	return nil
}

func (r *ToolRegistry) cached(ctx context.Context, key string, dst any) bool {
	if r.cache == nil {
		return false
	}
	data, ok, err := r.cache.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (r *ToolRegistry) remember(ctx context.Context, key string, v any) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
		slog.Debug("tool cache set failed", "key", key, "error", err)
	}
}

func (r *ToolRegistry) forget(ctx context.Context, keys ...string) {
	if r.cache == nil {
		return
	}
	for _, k := range keys {
		if err := r.cache.Delete(ctx, k); err != nil {
			slog.Warn("tool cache invalidation failed", "key", k, "error", err)
		}
	}
}
