package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisPair(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisDirectorySetLocateRemove(t *testing.T) {
	mr, client := newRedisPair(t)
	ctx := context.Background()
	d := NewRedisDirectory(client, "node-a", time.Minute)

	if err := d.Set(ctx, "d1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	inst, ok, err := d.Locate(ctx, "d1")
	if err != nil || !ok || inst != "node-a" {
		t.Fatalf("unexpected locate: %q %v %v", inst, ok, err)
	}
	if ttl := mr.TTL("presence:d1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	if err := d.Remove(ctx, "d1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := d.Locate(ctx, "d1"); ok {
		t.Fatalf("expected entry removed")
	}
}

func TestRedisDirectoryRemoveOnlyByOwner(t *testing.T) {
	_, client := newRedisPair(t)
	ctx := context.Background()
	a := NewRedisDirectory(client, "node-a", time.Minute)
	b := NewRedisDirectory(client, "node-b", time.Minute)

	_ = a.Set(ctx, "u1")
	// party reconnected to node-b before node-a noticed the disconnect
	_ = b.Set(ctx, "u1")
	if err := a.Remove(ctx, "u1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	inst, ok, _ := b.Locate(ctx, "u1")
	if !ok || inst != "node-b" {
		t.Fatalf("expected node-b to keep u1, got %q %v", inst, ok)
	}
}

func TestRedisDirectoryTouchAndExpiry(t *testing.T) {
	mr, client := newRedisPair(t)
	ctx := context.Background()
	a := NewRedisDirectory(client, "node-a", time.Minute)
	b := NewRedisDirectory(client, "node-b", time.Minute)

	_ = a.Set(ctx, "u1")
	mr.FastForward(40 * time.Second)
	if err := b.Touch(ctx, "u1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if ttl := mr.TTL("presence:u1"); ttl > 20*time.Second {
		t.Fatalf("non-owner touch must not extend ttl, got %v", ttl)
	}
	if err := a.Touch(ctx, "u1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if ttl := mr.TTL("presence:u1"); ttl != time.Minute {
		t.Fatalf("owner touch should reset ttl, got %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := a.Locate(ctx, "u1"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory("local")
	_ = d.Set(ctx, "d1")
	if inst, ok, _ := d.Locate(ctx, "d1"); !ok || inst != "local" {
		t.Fatalf("unexpected locate %q %v", inst, ok)
	}
	_ = d.Remove(ctx, "d1")
	if _, ok, _ := d.Locate(ctx, "d1"); ok {
		t.Fatalf("expected removal")
	}
}
