package idempotency

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	_ = store.Release(ctx, "k1")

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	exerciseStore(t, store)
}

func TestRedisStoreLifecycle(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, addr)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	_ = store.Release(ctx, "k1")

	exerciseStore(t, store)
}

func TestNewStoresRequireAddress(t *testing.T) {
	ctx := context.Background()
	if _, err := NewPostgresStore(ctx, ""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := NewRedisStore(ctx, ""); err == nil {
		t.Fatalf("expected error for empty redis address")
	}
}
