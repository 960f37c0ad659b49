package session

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client, err := Connect("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	return NewRedisStore(client, "session:", ttl), s
}

func TestConnect(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	client, err := Connect("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	store := NewRedisStore(client, "session:", 0)
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestConnectBadURL(t *testing.T) {
	if _, err := Connect("not-a-url"); err == nil {
		t.Error("expected error for malformed url, got nil")
	}
}

func TestSetAndGet(t *testing.T) {
	store, s := setupTestRedis(t, time.Hour)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "ideaflow-user-session", []byte(`{"userId":"u-1"}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, ok, err := store.Get(ctx, "ideaflow-user-session")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected value to be present")
	}
	if string(value) != `{"userId":"u-1"}` {
		t.Errorf("unexpected value %s", value)
	}

	if !s.Exists("session:ideaflow-user-session") {
		t.Error("expected key to carry the session prefix")
	}
}

func TestEntriesExpire(t *testing.T) {
	store, s := setupTestRedis(t, time.Minute)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "draft", []byte(`"text"`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Fast-forward time in miniredis
	s.FastForward(2 * time.Minute)

	_, ok, err := store.Get(ctx, "draft")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected expired entry to be absent")
	}
}

func TestGetMissing(t *testing.T) {
	store, s := setupTestRedis(t, 0)
	defer store.Close()
	defer s.Close()

	_, ok, err := store.Get(context.Background(), "non-existent")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected missing key to be absent")
	}
}

func TestDelete(t *testing.T) {
	store, s := setupTestRedis(t, 0)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "k", []byte(`1`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Error("expected deleted key to be absent")
	}

	// Deleting again should not error
	if err := store.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete for missing key failed: %v", err)
	}
}

func TestKeysStripsPrefix(t *testing.T) {
	store, s := setupTestRedis(t, 0)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	for _, key := range []string{"ideaflow-a", "ideaflow-b", "other"} {
		if err := store.Set(ctx, key, []byte(`1`)); err != nil {
			t.Fatalf("Set %s failed: %v", key, err)
		}
	}

	keys, err := store.Keys(ctx, "ideaflow-")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "ideaflow-a" || keys[1] != "ideaflow-b" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestUpdateIsAtomicAcrossClients(t *testing.T) {
	first, mr := setupTestRedis(t, 0)
	defer first.Close()
	client, err := Connect("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	second := NewRedisStore(client, "session:", 0)
	defer second.Close()

	ctx := context.Background()
	increment := func(current []byte, ok bool) ([]byte, error) {
		n := 0
		if ok {
			n, _ = strconv.Atoi(string(current))
		}
		return []byte(strconv.Itoa(n + 1)), nil
	}

	var wg sync.WaitGroup
	for _, store := range []*RedisStore{first, second} {
		wg.Add(1)
		go func(store *RedisStore) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := store.Update(ctx, "counter", increment); err != nil {
					t.Errorf("Update failed: %v", err)
					return
				}
			}
		}(store)
	}
	wg.Wait()

	value, ok, err := first.Get(ctx, "counter")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(value) != "50" {
		t.Errorf("expected 50 increments, got %s", value)
	}
}

func TestUpdateNilResultLeavesKeyAlone(t *testing.T) {
	store, _ := setupTestRedis(t, 0)
	defer store.Close()
	ctx := context.Background()

	err := store.Update(ctx, "untouched", func([]byte, bool) ([]byte, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "untouched"); ok {
		t.Error("expected key to stay absent")
	}
}
