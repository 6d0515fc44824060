package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiter(t *testing.T) {
	l := NewInMemory(time.Minute)
	for i := 1; i <= 3; i++ {
		d := l.Allow("agent-1", 3)
		if !d.Allowed {
			t.Fatalf("request %d must be allowed", i)
		}
		if d.Remaining != 3-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 3-i, d.Remaining)
		}
	}
	if d := l.Allow("agent-1", 3); d.Allowed {
		t.Fatal("fourth request must be limited")
	}
	if d := l.Allow("agent-2", 3); !d.Allowed {
		t.Fatal("keys must be independent")
	}
}

func TestInMemoryWindowReset(t *testing.T) {
	l := NewInMemory(20 * time.Millisecond)
	l.Allow("agent-1", 1)
	if d := l.Allow("agent-1", 1); d.Allowed {
		t.Fatal("second request inside window must be limited")
	}
	time.Sleep(30 * time.Millisecond)
	if d := l.Allow("agent-1", 1); !d.Allowed {
		t.Fatal("request after window reset must be allowed")
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedis(client, time.Minute)

	for i := 1; i <= 2; i++ {
		if d := l.Allow("agent-1", 2); !d.Allowed {
			t.Fatalf("request %d must be allowed", i)
		}
	}
	if d := l.Allow("agent-1", 2); d.Allowed {
		t.Fatal("third request must be limited")
	}
}

func TestRedisLimiterFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	l := NewRedis(redis.NewClient(&redis.Options{Addr: addr}), time.Minute)
	l.Allow("agent-1", 1)
	if d := l.Allow("agent-1", 1); d.Allowed {
		t.Fatal("fallback limiter must still enforce the limit")
	}
}

func TestNilClientUsesFallback(t *testing.T) {
	l := NewRedis(nil, time.Minute)
	if d := l.Allow("agent-1", 5); !d.Allowed {
		t.Fatal("nil client must not deny traffic")
	}
}
