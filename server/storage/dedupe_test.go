package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func dedupeFixture(t *testing.T) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisDeduper(client, time.Hour), mr
}

func TestDeduperRejectsSecondAdd(t *testing.T) {
	d, _ := dedupeFixture(t)
	ctx := context.Background()

	added, err := d.Add(ctx, "alice", "k1")
	if err != nil || !added {
		t.Fatalf("added=%v err=%v", added, err)
	}
	added, err = d.Add(ctx, "alice", "k1")
	if err != nil || added {
		t.Fatalf("duplicate added=%v err=%v", added, err)
	}
}

func TestDeduperKeysAreScopedPerUser(t *testing.T) {
	d, _ := dedupeFixture(t)
	ctx := context.Background()

	if added, _ := d.Add(ctx, "alice", "k1"); !added {
		t.Fatal("alice's key rejected")
	}
	if added, _ := d.Add(ctx, "bob", "k1"); !added {
		t.Fatal("bob's key rejected despite different user")
	}
}

func TestDeduperRemoveAllowsRetry(t *testing.T) {
	d, _ := dedupeFixture(t)
	ctx := context.Background()

	if added, _ := d.Add(ctx, "alice", "k1"); !added {
		t.Fatal("first add rejected")
	}
	if err := d.Remove(ctx, "alice", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if added, _ := d.Add(ctx, "alice", "k1"); !added {
		t.Fatal("retry rejected after remove")
	}
}

func TestDeduperKeysExpire(t *testing.T) {
	d, mr := dedupeFixture(t)
	ctx := context.Background()

	if added, _ := d.Add(ctx, "alice", "k1"); !added {
		t.Fatal("first add rejected")
	}
	mr.FastForward(2 * time.Hour)
	if added, _ := d.Add(ctx, "alice", "k1"); !added {
		t.Fatal("key survived its TTL")
	}
}
