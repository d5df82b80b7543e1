package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/cachetest"
	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), Config{Addr: mr.Addr(), Namespace: "test:"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestCache_Conformance(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) outbound.Cache {
		c, _ := newTestCache(t)
		return c
	})
}

func TestCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	if err := c.Set(ctx, "ephemeral:abc", []byte("k"), 2*time.Minute); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	mr.FastForward(2*time.Minute + time.Second)

	if _, err := c.Get(ctx, "ephemeral:abc"); !errors.Is(err, outbound.ErrCacheMiss) {
		t.Errorf("Get() after TTL error = %v, want ErrCacheMiss", err)
	}
}

func TestCache_IncrSetsTTLOnce(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	if _, err := c.Incr(ctx, "failed_auth:1.2.3.4", time.Hour); err != nil {
		t.Fatalf("Incr() error: %v", err)
	}
	mr.FastForward(30 * time.Minute)
	n, err := c.Incr(ctx, "failed_auth:1.2.3.4", time.Hour)
	if err != nil {
		t.Fatalf("Incr() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Incr() = %d, want 2", n)
	}

	ttl := mr.TTL("test:failed_auth:1.2.3.4")
	if ttl > 30*time.Minute {
		t.Errorf("TTL = %v, want <= 30m (not refreshed by second Incr)", ttl)
	}
}

func TestCache_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	if err := c.Set(ctx, "chunk:1:0", []byte("x"), 0); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if !mr.Exists("test:chunk:1:0") {
		t.Error("expected namespaced key test:chunk:1:0 in redis")
	}

	other := NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "other:")
	defer other.Close()
	keys, err := other.Keys(ctx, "chunk:")
	if err != nil {
		t.Fatalf("Keys() error: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Keys() in other namespace = %v, want none", keys)
	}
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("New() with unreachable addr should fail")
	}
}

func TestEscapeGlob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"chunk:", "chunk:"},
		{"a*b", `a\*b`},
		{"[x]?", `\[x\]\?`},
	}
	for _, tt := range tests {
		if got := escapeGlob(tt.in); got != tt.want {
			t.Errorf("escapeGlob(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
