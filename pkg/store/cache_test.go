package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheSetNX(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	ok, err := c.SetNX(ctx, "lock:seal-1", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX must win: ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, "lock:seal-1", "1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX must lose: ok=%v err=%v", ok, err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := c.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("get before expiry: %q %v", got, err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
}

func TestMemoryCacheDel(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "k", "v", time.Minute)
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestRedisCacheRoundtrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client)
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := c.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	ok, err := c.SetNX(ctx, "k", "other", time.Minute)
	if err != nil || ok {
		t.Fatalf("SetNX on existing key must lose: ok=%v err=%v", ok, err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, ok := NewCache(context.Background(), client).(*RedisCache); !ok {
		t.Fatal("healthy redis must be preferred")
	}
	mr.Close()
	deadClient := redis.NewClient(&redis.Options{Addr: addr})
	if _, ok := NewCache(context.Background(), deadClient).(*MemoryCache); !ok {
		t.Fatal("unreachable redis must fall back to memory")
	}
}
