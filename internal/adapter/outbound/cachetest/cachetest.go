// Package cachetest provides a behavioral test suite shared by every
// outbound.Cache adapter.
package cachetest

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

// Run exercises the non-expiry contract of outbound.Cache.
// newCache must return an empty cache; cleanup is the caller's job (t.Cleanup).
func Run(t *testing.T, newCache func(t *testing.T) outbound.Cache) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		c := newCache(t)
		_, err := c.Get(context.Background(), "missing")
		if !errors.Is(err, outbound.ErrCacheMiss) {
			t.Errorf("Get() error = %v, want ErrCacheMiss", err)
		}
	})

	t.Run("SetGet", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t)
		if err := c.Set(ctx, "a", []byte("one"), 0); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
		if err := c.Set(ctx, "a", []byte("two"), 0); err != nil {
			t.Fatalf("Set() overwrite error: %v", err)
		}
		got, err := c.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if string(got) != "two" {
			t.Errorf("Get() = %q, want %q", got, "two")
		}
	})

	t.Run("SetNX", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t)
		ok, err := c.SetNX(ctx, "lease", []byte("first"), 0)
		if err != nil || !ok {
			t.Fatalf("SetNX() = %v, %v; want true, nil", ok, err)
		}
		ok, err = c.SetNX(ctx, "lease", []byte("second"), 0)
		if err != nil {
			t.Fatalf("SetNX() error: %v", err)
		}
		if ok {
			t.Error("SetNX() on existing key = true, want false")
		}
		got, _ := c.Get(ctx, "lease")
		if string(got) != "first" {
			t.Errorf("value = %q, want %q", got, "first")
		}
	})

	t.Run("Incr", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t)
		for want := int64(1); want <= 3; want++ {
			got, err := c.Incr(ctx, "counter", 0)
			if err != nil {
				t.Fatalf("Incr() error: %v", err)
			}
			if got != want {
				t.Errorf("Incr() = %d, want %d", got, want)
			}
		}
	})

	t.Run("DeleteAndKeys", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t)
		for _, k := range []string{"chunk:1:0", "chunk:1:1", "chunk:2:0", "other"} {
			if err := c.Set(ctx, k, []byte("x"), 0); err != nil {
				t.Fatalf("Set(%q) error: %v", k, err)
			}
		}

		keys, err := c.Keys(ctx, "chunk:")
		if err != nil {
			t.Fatalf("Keys() error: %v", err)
		}
		sort.Strings(keys)
		want := []string{"chunk:1:0", "chunk:1:1", "chunk:2:0"}
		if len(keys) != len(want) {
			t.Fatalf("Keys() = %v, want %v", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], want[i])
			}
		}

		if err := c.Delete(ctx, "chunk:1:0", "chunk:1:1", "never-existed"); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		keys, _ = c.Keys(ctx, "chunk:")
		if len(keys) != 1 || keys[0] != "chunk:2:0" {
			t.Errorf("Keys() after delete = %v, want [chunk:2:0]", keys)
		}
		if err := c.Delete(ctx); err != nil {
			t.Errorf("Delete() with no keys error: %v", err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		c := newCache(t)
		if err := c.Ping(context.Background()); err != nil {
			t.Errorf("Ping() error: %v", err)
		}
	})
}
