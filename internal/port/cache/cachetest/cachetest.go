// Package cachetest holds a conformance suite for cache.Cache
// implementations and an in-memory cache for tests.
package cachetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/toolgate/internal/port/cache"
)

var _ cache.Cache = (*Memory)(nil)

// Memory is a map-backed cache. TTLs are ignored.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory returns an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Run exercises c against the behaviour every cache.Cache must provide.
// Writes must be visible to the next Get.
func Run(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "tools.echo", []byte(`{"id":"echo"}`), time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, "tools.echo")
		if err != nil || !found {
			t.Fatalf("Get = %v, %v", found, err)
		}
		if string(val) != `{"id":"echo"}` {
			t.Fatalf("value = %s", val)
		}
	})

	t.Run("Miss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "tools.never-set")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "tools.rm", []byte("v"), time.Minute)
		if err := c.Delete(ctx, "tools.rm"); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := c.Get(ctx, "tools.rm"); found {
			t.Fatal("expected miss after Delete")
		}
		if err := c.Delete(ctx, "tools.never-set"); err != nil {
			t.Fatalf("deleting a missing key: %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "tools.list", []byte("v1"), time.Minute)
		_ = c.Set(ctx, "tools.list", []byte("v2"), time.Minute)
		val, found, err := c.Get(ctx, "tools.list")
		if err != nil || !found || string(val) != "v2" {
			t.Fatalf("Get = %q %v %v", val, found, err)
		}
	})
}
