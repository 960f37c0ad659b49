// Package syncqueue keeps the ordered list of mutations that still have to
// reach the remote endpoint and replays them with bounded retries.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ideaflow/syncd/internal/logging"
	"ideaflow/syncd/internal/storage"
	"ideaflow/syncd/internal/util"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

const DefaultMaxRetries = 5

// ErrNotLeader is returned by replays attempted while another process holds
// the replay lock.
var ErrNotLeader = errors.New("sync queue: replay lock held elsewhere")

// Item is one pending mutation.
type Item struct {
	ID         string          `json:"id"`
	Action     Action          `json:"action"`
	Collection string          `json:"collection"`
	RecordID   string          `json:"recordId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// Mutation is the input to Enqueue. Payload is encoded as JSON.
type Mutation struct {
	Action     Action
	Collection string
	RecordID   string
	Payload    any
}

// SyncFunc delivers one item to the remote endpoint.
type SyncFunc func(ctx context.Context, item Item) error

// Result summarises a replay. Failed counts every failed attempt, including
// the ones that led to a drop.
type Result struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

// Connectivity reports whether the remote endpoint is reachable.
type Connectivity interface {
	Online() bool
}

// Locker elects the single process allowed to replay a shared queue.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Options struct {
	// Key is the storage key holding the queue.
	Key string
	// MaxRetries bounds failed attempts; an item is dropped once its retry
	// count exceeds it. Zero drops an item after its first failed attempt.
	// Negative selects DefaultMaxRetries.
	MaxRetries int
	// Interval between automatic replays. Zero disables the timer.
	Interval time.Duration
	// AttemptTimeout bounds a single SyncFunc call. Zero means no bound.
	AttemptTimeout time.Duration
	Connectivity   Connectivity
	Locker         Locker
	Logger         *zap.SugaredLogger
	Now            func() time.Time
}

type Queue struct {
	store  *storage.Store
	syncFn SyncFunc
	opts   Options
	log    *zap.SugaredLogger

	// replayMu serialises replays so items go out in queue order.
	replayMu sync.Mutex

	trigger  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

func New(store *storage.Store, fn SyncFunc, opts Options) *Queue {
	if opts.Key == "" {
		opts.Key = "sync-queue"
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:   store,
		syncFn:  fn,
		opts:    opts,
		log:     logging.OrNop(opts.Logger),
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (q *Queue) load(ctx context.Context) []Item {
	return storage.ReadOr[[]Item](ctx, q.store, q.opts.Key, nil)
}

// update applies fn to the persisted list as one atomic step, so processes
// sharing the backend never overwrite each other's items. fn may run more
// than once and must only touch the slice it is given.
func (q *Queue) update(ctx context.Context, fn func([]Item) ([]Item, bool)) error {
	return storage.UpdateJSON(ctx, q.store, q.opts.Key, []Item{}, func(items []Item) ([]Item, bool) {
		next, changed := fn(items)
		if next == nil {
			next = []Item{}
		}
		return next, changed
	})
}

// Items returns a snapshot of the pending items in queue order.
func (q *Queue) Items(ctx context.Context) []Item {
	items := q.load(ctx)
	if items == nil {
		return []Item{}
	}
	return items
}

func (q *Queue) Len(ctx context.Context) int {
	return len(q.Items(ctx))
}

// Enqueue appends a mutation and returns its item id. When online, an item
// that is alone in the queue is replayed right away; otherwise a background
// replay is requested so older items still go first.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (string, error) {
	var payload json.RawMessage
	if m.Payload != nil {
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		payload = raw
	}
	item := Item{
		ID:         util.NewID("sq"),
		Action:     m.Action,
		Collection: m.Collection,
		RecordID:   m.RecordID,
		Payload:    payload,
		EnqueuedAt: q.opts.Now().UTC(),
	}

	var alone bool
	err := q.update(ctx, func(items []Item) ([]Item, bool) {
		alone = len(items) == 0
		return append(items, item), true
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", item.ID, err)
	}

	if q.online() {
		if alone {
			if _, err := q.replay(ctx, []string{item.ID}); err != nil && !errors.Is(err, ErrNotLeader) {
				q.log.Warnf("sync queue: immediate replay of %s: %v", item.ID, err)
			}
		} else {
			q.Trigger()
		}
	}
	return item.ID, nil
}

func (q *Queue) online() bool {
	return q.opts.Connectivity == nil || q.opts.Connectivity.Online()
}

// ReplayAll attempts every pending item once, in queue order.
func (q *Queue) ReplayAll(ctx context.Context) (Result, error) {
	items := q.load(ctx)
	if len(items) == 0 {
		return Result{}, nil
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return q.replay(ctx, ids)
}

func (q *Queue) replay(ctx context.Context, ids []string) (Result, error) {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	if q.opts.Locker != nil {
		leader, err := q.opts.Locker.TryAcquire(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("acquire replay lock: %w", err)
		}
		if !leader {
			return Result{}, ErrNotLeader
		}
	}

	var result Result
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		// Re-read: the item may have been rewritten or removed since the
		// snapshot was taken.
		item, ok := q.find(ctx, id)
		if !ok {
			continue
		}
		err := q.attempt(ctx, item)
		if err == nil {
			q.remove(ctx, id)
			result.Succeeded++
			continue
		}
		result.Failed++
		if q.recordFailure(ctx, id, err) {
			result.Dropped++
		}
	}
	return result, nil
}

func (q *Queue) attempt(ctx context.Context, item Item) error {
	if q.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.AttemptTimeout)
		defer cancel()
	}
	return q.syncFn(ctx, item)
}

func (q *Queue) find(ctx context.Context, id string) (Item, bool) {
	for _, item := range q.load(ctx) {
		if item.ID == id {
			return item, true
		}
	}
	return Item{}, false
}

func (q *Queue) remove(ctx context.Context, id string) {
	err := q.update(ctx, func(items []Item) ([]Item, bool) {
		for i, item := range items {
			if item.ID == id {
				return append(items[:i], items[i+1:]...), true
			}
		}
		return items, false
	})
	if err != nil {
		q.log.Warnf("sync queue: remove %s: %v", id, err)
	}
}

// recordFailure bumps the item's retry count and drops it once the count
// exceeds MaxRetries. It reports whether the item was dropped.
func (q *Queue) recordFailure(ctx context.Context, id string, cause error) bool {
	var (
		found   bool
		dropped bool
		last    Item
	)
	err := q.update(ctx, func(items []Item) ([]Item, bool) {
		found, dropped = false, false
		for i := range items {
			if items[i].ID != id {
				continue
			}
			found = true
			items[i].RetryCount++
			last = items[i]
			if items[i].RetryCount > q.opts.MaxRetries {
				dropped = true
				return append(items[:i], items[i+1:]...), true
			}
			return items, true
		}
		return items, false
	})
	if err != nil {
		q.log.Warnf("sync queue: record failure of %s: %v", id, err)
		return false
	}
	if !found {
		return false
	}
	if dropped {
		q.log.Warnw("sync queue: dropping item after exhausting retries",
			"item", last.ID,
			"action", last.Action,
			"collection", last.Collection,
			"record", last.RecordID,
			"retries", last.RetryCount,
			"error", cause,
		)
		return true
	}
	q.log.Debugf("sync queue: replay of %s failed (attempt %d): %v", id, last.RetryCount, cause)
	return false
}

// Rewrite applies fn to every pending item and persists the ones it reports
// as changed. fn may be called again for the same item if another process
// changed the queue at the same time.
func (q *Queue) Rewrite(ctx context.Context, fn func(*Item) bool) int {
	var changed int
	err := q.update(ctx, func(items []Item) ([]Item, bool) {
		changed = 0
		for i := range items {
			if fn(&items[i]) {
				changed++
			}
		}
		return items, changed > 0
	})
	if err != nil {
		q.log.Warnf("sync queue: rewrite: %v", err)
		return 0
	}
	return changed
}

// Trigger requests a background replay. It never blocks.
func (q *Queue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Start runs automatic replays on the configured interval and on Trigger
// until Stop is called or ctx is done.
func (q *Queue) Start(ctx context.Context) {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.loop(ctx)
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)

	var tick <-chan time.Time
	if q.opts.Interval > 0 {
		ticker := time.NewTicker(q.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-tick:
		case <-q.trigger:
		}
		if !q.online() {
			continue
		}
		result, err := q.ReplayAll(ctx)
		switch {
		case errors.Is(err, ErrNotLeader):
			q.log.Debugf("sync queue: skipping replay, not leader")
		case err != nil:
			q.log.Warnf("sync queue: replay: %v", err)
		case result.Succeeded+result.Failed > 0:
			q.log.Infow("sync queue: replay finished",
				"succeeded", result.Succeeded,
				"failed", result.Failed,
				"dropped", result.Dropped,
			)
		}
	}
}

// Stop halts automatic replays and releases the replay lock. Attempts
// already running finish on their own.
func (q *Queue) Stop(ctx context.Context) {
	q.stopOnce.Do(func() {
		close(q.stop)
		q.startMu.Lock()
		started := q.started
		q.startMu.Unlock()
		if started {
			<-q.done
		}
		if q.opts.Locker != nil {
			if err := q.opts.Locker.Release(ctx); err != nil {
				q.log.Warnf("sync queue: release replay lock: %v", err)
			}
		}
	})
}
