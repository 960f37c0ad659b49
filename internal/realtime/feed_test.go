package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ideaflow/syncd/internal/storage"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func runFeed(t *testing.T, f *Feed) {
	t.Helper()
	connected := make(chan struct{}, 1)
	cancelHook := f.OnConnect(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not subscribe")
	}
	cancelHook()
}

func TestTypeForCollection(t *testing.T) {
	for name, want := range map[string]Type{
		"ideas":     TypeIdea,
		"comments":  TypeComment,
		"votes":     TypeVote,
		"approvals": TypeApproval,
	} {
		got, ok := TypeForCollection(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := TypeForCollection("users")
	assert.False(t, ok)
}

func TestPublishRejectsUnknownType(t *testing.T) {
	client := newTestClient(t)
	f := NewFeed(context.Background(), client, Options{})

	_, err := f.Publish(context.Background(), Update{Type: "poll"})
	assert.Error(t, err)
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	client := newTestClient(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := NewFeed(context.Background(), client, Options{Channel: "updates", Now: func() time.Time { return now }})

	received := make(chan Update, 1)
	f.OnMessage(func(u Update) { received <- u })
	runFeed(t, f)

	sent, err := f.Publish(context.Background(), Update{Type: TypeIdea, Action: "created", Data: []byte(`{"id":"a"}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.True(t, sent.Timestamp.Equal(now))

	select {
	case got := <-received:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, TypeIdea, got.Type)
		assert.JSONEq(t, `{"id":"a"}`, string(got.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("update not delivered")
	}
}

func TestRecentKeepsNewestAndPersists(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	history := storage.Open(ctx, storage.ScopeMemory, nil, storage.Options{})

	f := NewFeed(ctx, client, Options{Keep: 2, History: history, HistoryKey: "ideaflow-notifications"})

	var (
		mu    sync.Mutex
		count int
	)
	f.OnMessage(func(Update) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})
	runFeed(t, f)

	for _, id := range []string{"u1", "u2", "u3"} {
		_, err := f.Publish(ctx, Update{ID: id, Type: TypeVote, Action: "created"})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	}, 2*time.Second, 5*time.Millisecond)

	recent := f.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "u2", recent[0].ID)
	assert.Equal(t, "u3", recent[1].ID)

	persisted := storage.ReadOr[[]Update](ctx, history, "ideaflow-notifications", nil)
	require.Len(t, persisted, 2)
	assert.Equal(t, "u3", persisted[1].ID)

	reloaded := NewFeed(ctx, client, Options{Keep: 2, History: history, HistoryKey: "ideaflow-notifications"})
	assert.Len(t, reloaded.Recent(), 2)
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	client := newTestClient(t)
	f := NewFeed(context.Background(), client, Options{})

	f.OnMessage(func(Update) { panic("boom") })
	received := make(chan Update, 1)
	f.OnMessage(func(u Update) { received <- u })
	runFeed(t, f)

	_, err := f.Publish(context.Background(), Update{Type: TypeComment, Action: "created"})
	require.NoError(t, err)
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("update not delivered")
	}
}

func TestRecentFollowsHistoryWrittenByAnotherProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared := storage.NewMemory()
	other := storage.Open(ctx, storage.ScopeLocal, shared, storage.Options{Notifier: storage.NewRedisNotifier(client, "changes", nil)})
	mine := storage.Open(ctx, storage.ScopeLocal, shared, storage.Options{Notifier: storage.NewRedisNotifier(client, "changes", nil)})
	go func() { _ = mine.Listen(ctx) }()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("changes")["changes"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	f := NewFeed(ctx, client, Options{Keep: 2, History: mine, HistoryKey: "ideaflow-notifications"})
	defer f.Close()
	require.Empty(t, f.Recent())

	require.NoError(t, other.Write(ctx, "ideaflow-notifications", []Update{
		{ID: "u1", Type: TypeIdea}, {ID: "u2", Type: TypeIdea}, {ID: "u3", Type: TypeComment},
	}))
	require.Eventually(t, func() bool {
		recent := f.Recent()
		return len(recent) == 2 && recent[0].ID == "u2" && recent[1].ID == "u3"
	}, 2*time.Second, 5*time.Millisecond)

	other.Remove(ctx, "ideaflow-notifications")
	require.Eventually(t, func() bool { return len(f.Recent()) == 0 }, 2*time.Second, 5*time.Millisecond)

	f.Close()
	require.NoError(t, other.Write(ctx, "ideaflow-notifications", []Update{{ID: "u4", Type: TypeVote}}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.Recent(), "closed feed stops following history")
}

func TestDeliverSkipsUpdatesAlreadyInHistory(t *testing.T) {
	ctx := context.Background()
	history := storage.Open(ctx, storage.ScopeMemory, nil, storage.Options{})
	f := NewFeed(ctx, newTestClient(t), Options{History: history, HistoryKey: "ideaflow-notifications"})

	f.deliver(ctx, Update{ID: "u1", Type: TypeIdea})
	f.deliver(ctx, Update{ID: "u1", Type: TypeIdea})

	assert.Len(t, f.Recent(), 1)
	assert.Len(t, storage.ReadOr[[]Update](ctx, history, "ideaflow-notifications", nil), 1)
}
