package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestMemoryStorePutGetForget(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Put(ctx, "token", []byte("payload"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	value, ok, err := s.Get(ctx, "token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected key to exist")
	}
	if string(value) != "payload" {
		t.Fatalf("unexpected value: %q", value)
	}

	removed, err := s.Forget(ctx, "token")
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if !removed {
		t.Fatalf("expected forget to remove key")
	}
	removed, err = s.Forget(ctx, "token")
	if err != nil {
		t.Fatalf("forget again: %v", err)
	}
	if removed {
		t.Fatalf("expected second forget to be a no-op")
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Put(ctx, "key", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	_, ok, err := s.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestMemoryStoreIncrement(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Increment(ctx, "counter")
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("expected counter %d, got %d", want, got)
		}
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	s, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()
	defer func() {
		if err := s.Close(ctx); err != nil {
			t.Fatalf("close: %v", err)
		}
	}()

	if err := s.Put(ctx, "redis:key", []byte(`{"status":200}`), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, ok, err := s.Get(ctx, "redis:key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected redis key to exist")
	}
	if string(value) != `{"status":200}` {
		t.Fatalf("unexpected value: %q", value)
	}

	removed, err := s.Forget(ctx, "redis:key")
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if !removed {
		t.Fatalf("expected forget to remove key")
	}

	_, ok, err = s.Get(ctx, "redis:key")
	if err != nil {
		t.Fatalf("get after forget: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be gone")
	}
}

func TestRedisStoreTTL(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	s, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "ttl:key", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	server.FastForward(100 * time.Millisecond)
	_, ok, err := s.Get(ctx, "ttl:key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestRedisStoreIncrement(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	s, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()

	got, err := s.Increment(ctx, "counter")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	got, err = s.Increment(ctx, "counter")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestNewRedisRequiresAddress(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}); err == nil {
		t.Fatalf("expected error for missing address")
	}
}
