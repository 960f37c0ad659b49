package data

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ideaflow/syncd/internal/collection"
	"ideaflow/syncd/internal/realtime"
	"ideaflow/syncd/internal/remote"
	"ideaflow/syncd/internal/storage"
	"ideaflow/syncd/internal/syncqueue"
	"ideaflow/syncd/internal/util"
)

// fakeRemote is an in-memory version of the collection REST endpoint.
type fakeRemote struct {
	mu      sync.Mutex
	records map[string][]collection.Record
	nextID  int
	// status forces every response to this status when non-zero.
	status int
	// drop closes connections without answering.
	drop  bool
	calls []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string][]collection.Record)}
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRemote) all(name string) []collection.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]collection.Record(nil), f.records[name]...)
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)

	if f.drop {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if f.status != 0 {
		http.Error(w, `{"error":"forced"}`, f.status)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/"), "/")
	name := parts[0]
	id := ""
	if len(parts) > 1 {
		id = parts[1]
	}
	index := -1
	for i, rec := range f.records[name] {
		if rec.ID() == id {
			index = i
		}
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && id == "":
		out := []collection.Record{}
		for _, rec := range f.records[name] {
			if rec.Matches(r.URL.Query()) {
				out = append(out, rec)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	case r.Method == http.MethodPost:
		var rec collection.Record
		_ = json.NewDecoder(r.Body).Decode(&rec)
		f.nextID++
		rec["id"] = "srv-" + strconv.Itoa(f.nextID)
		f.records[name] = append(f.records[name], rec)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rec)
	case index < 0:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case r.Method == http.MethodGet:
		_ = json.NewEncoder(w).Encode(f.records[name][index])
	case r.Method == http.MethodPatch:
		var patch collection.Record
		_ = json.NewDecoder(r.Body).Decode(&patch)
		merged := f.records[name][index].Merge(patch)
		f.records[name][index] = merged
		_ = json.NewEncoder(w).Encode(merged)
	case r.Method == http.MethodDelete:
		f.records[name] = append(f.records[name][:index], f.records[name][index+1:]...)
		w.WriteHeader(http.StatusNoContent)
	}
}

type switchable struct{ online atomic.Bool }

func (s *switchable) Online() bool { return s.online.Load() }

type recordingPublisher struct {
	mu      sync.Mutex
	updates []realtime.Update
}

func (p *recordingPublisher) Publish(_ context.Context, u realtime.Update) (realtime.Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return u, nil
}

func (p *recordingPublisher) all() []realtime.Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.Update(nil), p.updates...)
}

type fixture struct {
	svc       *Service
	remote    *fakeRemote
	conn      *switchable
	publisher *recordingPublisher
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	fake := newFakeRemote()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	conn := &switchable{}
	conn.online.Store(online)
	publisher := &recordingPublisher{}
	svc, err := New(Options{
		Store:        storage.Open(context.Background(), storage.ScopeMemory, nil, storage.Options{}),
		Remote:       remote.NewClient(srv.URL, 2*time.Second),
		Connectivity: conn,
		Publisher:    publisher,
		AppPrefix:    "ideaflow",
		Collections:  []string{"ideas", "comments", "votes", "approvals"},
		MaxRetries:   3,
		Now:          func() time.Time { return time.UnixMilli(1700000000000) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })
	return &fixture{svc: svc, remote: fake, conn: conn, publisher: publisher}
}

func (fx *fixture) collection(t *testing.T, name string) *Collection {
	t.Helper()
	c, err := fx.svc.Collection(name)
	require.NoError(t, err)
	return c
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	store := storage.Open(context.Background(), storage.ScopeMemory, nil, storage.Options{})
	_, err = New(Options{Store: store, Remote: remote.NewClient("http://x", 0)})
	assert.Error(t, err)
}

func TestUnknownCollection(t *testing.T) {
	fx := newFixture(t, true)
	_, err := fx.svc.Collection("users")
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestOfflineCreateIsOptimisticAndQueued(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)
	ideas := fx.collection(t, "ideas")

	created, err := ideas.Create(ctx, collection.Record{"title": "Green roofs"})
	require.NoError(t, err)
	assert.Equal(t, "local-1700000000000", created.ID())

	all, err := ideas.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Green roofs", all[0]["title"])

	items := fx.svc.Queue().Items(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.ActionCreate, items[0].Action)
	assert.Equal(t, "ideas", items[0].Collection)
	assert.Equal(t, created.ID(), items[0].RecordID)
	assert.Equal(t, 0, items[0].RetryCount)
	assert.Zero(t, fx.remote.callCount())
}

func TestOfflineLocalIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)
	ideas := fx.collection(t, "ideas")

	a, err := ideas.Create(ctx, collection.Record{"title": "a"})
	require.NoError(t, err)
	b, err := ideas.Create(ctx, collection.Record{"title": "b"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, util.IsLocalID(b.ID()))
}

func TestOfflineUpdateReflectsImmediately(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)
	ideas := fx.collection(t, "ideas")
	fx.svc.Caches()[0].Upsert(ctx, collection.Record{"id": "a"}, collection.Record{"id": "b"})

	updated, err := ideas.Update(ctx, "a", collection.Record{"x": 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated["x"])

	all, err := ideas.List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []collection.Record{{"id": "a", "x": float64(1)}, {"id": "b"}}, all)

	items := fx.svc.Queue().Items(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.ActionUpdate, items[0].Action)
	assert.Equal(t, "a", items[0].RecordID)
	assert.JSONEq(t, `{"x":1}`, string(items[0].Payload))
}

func TestOfflineDeleteAndFilteredList(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)
	ideas := fx.collection(t, "ideas")
	fx.svc.Caches()[0].Upsert(ctx,
		collection.Record{"id": "a", "status": "open"},
		collection.Record{"id": "b", "status": "closed"},
		collection.Record{"id": "c", "status": "open"},
	)

	require.NoError(t, ideas.Delete(ctx, "c"))

	open, err := ideas.List(ctx, map[string][]string{"status": {"open"}})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].ID())

	_, err = ideas.Get(ctx, "c")
	assert.ErrorIs(t, err, ErrNotFound)

	items := fx.svc.Queue().Items(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.ActionDelete, items[0].Action)
	assert.Empty(t, items[0].Payload)
}

func TestOnlineCreateWritesThroughAndMirrors(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)
	ideas := fx.collection(t, "ideas")

	created, err := ideas.Create(ctx, collection.Record{"title": "Solar car park"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", created.ID())

	cached, ok := fx.svc.Caches()[0].Get(ctx, "srv-1")
	require.True(t, ok)
	assert.Equal(t, "Solar car park", cached["title"])
	assert.Zero(t, fx.svc.Queue().Len(ctx))

	updates := fx.publisher.all()
	require.Len(t, updates, 1)
	assert.Equal(t, realtime.TypeIdea, updates[0].Type)
	assert.Equal(t, realtime.ActionCreated, updates[0].Action)
	assert.Equal(t, "ideas", updates[0].Collection)
}

func TestOnlineUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)
	votes := fx.collection(t, "votes")

	created, err := votes.Create(ctx, collection.Record{"ideaId": "i1", "value": 1})
	require.NoError(t, err)

	updated, err := votes.Update(ctx, created.ID(), collection.Record{"value": -1})
	require.NoError(t, err)
	assert.EqualValues(t, -1, updated["value"])
	assert.Equal(t, "i1", updated["ideaId"])

	require.NoError(t, votes.Delete(ctx, created.ID()))
	assert.Empty(t, fx.remote.all("votes"))
	assert.False(t, fx.svc.Caches()[2].Contains(ctx, created.ID()))

	err = votes.Delete(ctx, created.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	actions := []string{}
	for _, u := range fx.publisher.all() {
		actions = append(actions, u.Action)
	}
	assert.Equal(t, []string{"created", "updated", "deleted"}, actions)
}

func TestOnlineFailureSurfacesAndQueuesNothing(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)
	ideas := fx.collection(t, "ideas")

	fx.remote.set(func(f *fakeRemote) { f.status = http.StatusUnprocessableEntity })
	_, err := ideas.Create(ctx, collection.Record{"title": ""})
	var statusErr *remote.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.Status)

	fx.remote.set(func(f *fakeRemote) { f.status = 0; f.drop = true })
	_, err = ideas.Update(ctx, "a", collection.Record{"x": 1})
	require.Error(t, err)

	assert.Zero(t, fx.svc.Queue().Len(ctx))
	assert.Empty(t, fx.svc.Caches()[0].All(ctx))
	assert.Empty(t, fx.publisher.all())
}

func TestReadsFallBackToCacheOnTransportError(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)
	ideas := fx.collection(t, "ideas")
	fx.svc.Caches()[0].Upsert(ctx, collection.Record{"id": "a", "title": "cached"})

	fx.remote.set(func(f *fakeRemote) { f.drop = true })
	all, err := ideas.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)

	got, err := ideas.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "cached", got["title"])

	fx.remote.set(func(f *fakeRemote) { f.drop = false; f.status = http.StatusInternalServerError })
	_, err = ideas.List(ctx, nil)
	assert.Error(t, err)
	_, err = ideas.Get(ctx, "a")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestOnlineGetNotFoundEvictsCache(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)
	ideas := fx.collection(t, "ideas")
	fx.svc.Caches()[0].Upsert(ctx, collection.Record{"id": "stale"})

	_, err := ideas.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, fx.svc.Caches()[0].Contains(ctx, "stale"))
}

func TestLocalIDReadsStayLocalWhileOnline(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)
	ideas := fx.collection(t, "ideas")
	created, err := ideas.Create(ctx, collection.Record{"title": "draft"})
	require.NoError(t, err)

	fx.conn.online.Store(true)
	calls := fx.remote.callCount()
	got, err := ideas.Get(ctx, created.ID())
	require.NoError(t, err)
	assert.Equal(t, "draft", got["title"])
	assert.Equal(t, calls, fx.remote.callCount())
}

func TestReplayReconcilesLocalIDs(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)
	ideas := fx.collection(t, "ideas")
	comments := fx.collection(t, "comments")

	idea, err := ideas.Create(ctx, collection.Record{"title": "v1"})
	require.NoError(t, err)
	comment, err := comments.Create(ctx, collection.Record{"ideaId": idea.ID(), "body": "+1"})
	require.NoError(t, err)
	_, err = ideas.Update(ctx, idea.ID(), collection.Record{"title": "v2"})
	require.NoError(t, err)
	require.Equal(t, 3, fx.svc.Queue().Len(ctx))

	fx.conn.online.Store(true)
	result, err := fx.svc.Queue().ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Result{Succeeded: 3}, result)
	assert.Zero(t, fx.svc.Queue().Len(ctx))

	serverIdeas := fx.remote.all("ideas")
	require.Len(t, serverIdeas, 1)
	assert.Equal(t, "srv-1", serverIdeas[0].ID())
	assert.Equal(t, "v2", serverIdeas[0]["title"])

	serverComments := fx.remote.all("comments")
	require.Len(t, serverComments, 1)
	assert.Equal(t, "srv-2", serverComments[0].ID())
	assert.Equal(t, "srv-1", serverComments[0]["ideaId"])

	cachedIdeas := fx.svc.Caches()[0].All(ctx)
	require.Len(t, cachedIdeas, 1)
	assert.Equal(t, "srv-1", cachedIdeas[0].ID())
	assert.Equal(t, "v2", cachedIdeas[0]["title"])

	cachedComments := fx.svc.Caches()[1].All(ctx)
	require.Len(t, cachedComments, 1)
	assert.Equal(t, "srv-2", cachedComments[0].ID())
	assert.Equal(t, "srv-1", cachedComments[0]["ideaId"])

	// the placeholder still resolves after reconciliation
	got, err := ideas.Get(ctx, idea.ID())
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID())
	_, err = comments.Get(ctx, comment.ID())
	require.NoError(t, err)
}

func TestReplayedDeleteOfMissingRecordSucceeds(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)
	ideas := fx.collection(t, "ideas")

	require.NoError(t, ideas.Delete(ctx, "gone"))
	fx.conn.online.Store(true)

	result, err := fx.svc.Queue().ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Zero(t, fx.svc.Queue().Len(ctx))
}

func TestReplayFailuresAreRetriedThenDropped(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)
	ideas := fx.collection(t, "ideas")
	_, err := ideas.Create(ctx, collection.Record{"title": ""})
	require.NoError(t, err)

	fx.conn.online.Store(true)
	fx.remote.set(func(f *fakeRemote) { f.status = http.StatusUnprocessableEntity })
	for attempt := 1; attempt <= 3; attempt++ {
		_, err := fx.svc.Queue().ReplayAll(ctx)
		require.NoError(t, err)
		items := fx.svc.Queue().Items(ctx)
		require.Len(t, items, 1)
		assert.Equal(t, attempt, items[0].RetryCount)
	}
	result, err := fx.svc.Queue().ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dropped)
	assert.Zero(t, fx.svc.Queue().Len(ctx))
}

func TestConnectivityRestoredTriggersReplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx := newFixture(t, false)
	fx.svc.Start(ctx)
	ideas := fx.collection(t, "ideas")

	_, err := ideas.Create(ctx, collection.Record{"title": "queued"})
	require.NoError(t, err)

	fx.conn.online.Store(true)
	fx.svc.ConnectivityChanged(true)

	require.Eventually(t, func() bool {
		return fx.svc.Queue().Len(ctx) == 0 && len(fx.remote.all("ideas")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApplyUpdateMirrorsRemoteChanges(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)
	cache := fx.svc.Caches()[3]

	fx.svc.ApplyUpdate(ctx, realtime.Update{
		Type:       realtime.TypeApproval,
		Action:     realtime.ActionCreated,
		Collection: "approvals",
		Data:       json.RawMessage(`{"id":"ap1","ideaId":"i1"}`),
	})
	assert.True(t, cache.Contains(ctx, "ap1"))

	fx.svc.ApplyUpdate(ctx, realtime.Update{
		Type:       realtime.TypeApproval,
		Action:     realtime.ActionDeleted,
		Collection: "approvals",
		Data:       json.RawMessage(`{"id":"ap1"}`),
	})
	assert.False(t, cache.Contains(ctx, "ap1"))

	fx.svc.ApplyUpdate(ctx, realtime.Update{Collection: "unknown", Action: realtime.ActionCreated, Data: json.RawMessage(`{"id":"x"}`)})
}
