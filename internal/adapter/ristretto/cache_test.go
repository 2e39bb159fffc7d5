package ristretto

import (
	"context"
	"testing"
	"time"
)

func TestCache_SetGetDelete(t *testing.T) {
	c, err := New(1)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "tools.echo"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	if err := c.Set(ctx, "tools.echo", []byte(`{"id":"echo"}`), time.Minute); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	val, ok, err := c.Get(ctx, "tools.echo")
	if err != nil || !ok || string(val) != `{"id":"echo"}` {
		t.Fatalf("Get = %q %v %v", val, ok, err)
	}

	if err := c.Delete(ctx, "tools.echo"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "tools.echo"); ok {
		t.Error("expected miss after delete")
	}
}
