// Package realtime carries live idea, comment, vote and approval updates
// over Redis pub/sub and keeps the recent ones as notification history.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ideaflow/syncd/internal/logging"
	"ideaflow/syncd/internal/storage"
	"ideaflow/syncd/internal/util"
)

type Type string

const (
	TypeIdea     Type = "idea"
	TypeComment  Type = "comment"
	TypeVote     Type = "vote"
	TypeApproval Type = "approval"
)

// Valid reports whether t is one of the known update types.
func (t Type) Valid() bool {
	switch t {
	case TypeIdea, TypeComment, TypeVote, TypeApproval:
		return true
	}
	return false
}

// TypeForCollection maps a collection name to its update type.
func TypeForCollection(name string) (Type, bool) {
	switch name {
	case "ideas":
		return TypeIdea, true
	case "comments":
		return TypeComment, true
	case "votes":
		return TypeVote, true
	case "approvals":
		return TypeApproval, true
	}
	return "", false
}

type Update struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Action     string          `json:"action"`
	Collection string          `json:"collection,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

const DefaultKeep = 50

type Options struct {
	Channel string
	// Keep bounds the in-memory and persisted history.
	Keep int
	// History persists recent updates under HistoryKey when set. Changes
	// other processes make to that key are mirrored into Recent.
	History        *storage.Store
	HistoryKey     string
	ReconnectDelay time.Duration
	Logger         *zap.SugaredLogger
	Now            func() time.Time
}

type Feed struct {
	client *redis.Client
	opts   Options
	log    *zap.SugaredLogger

	mu     sync.RWMutex
	recent []Update

	unwatch func()

	handlersMu   sync.RWMutex
	nextID       int
	onConnect    map[int]func()
	onDisconnect map[int]func(error)
	onMessage    map[int]func(Update)
}

func NewFeed(ctx context.Context, client *redis.Client, opts Options) *Feed {
	if opts.Channel == "" {
		opts.Channel = "updates"
	}
	if opts.Keep <= 0 {
		opts.Keep = DefaultKeep
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	f := &Feed{
		client:       client,
		opts:         opts,
		log:          logging.OrNop(opts.Logger),
		onConnect:    make(map[int]func()),
		onDisconnect: make(map[int]func(error)),
		onMessage:    make(map[int]func(Update)),
	}
	if opts.History != nil && opts.HistoryKey != "" {
		f.recent = storage.ReadOr[[]Update](ctx, opts.History, opts.HistoryKey, nil)
		f.recent = trim(f.recent, opts.Keep)
		f.unwatch = opts.History.Watch(opts.HistoryKey, f.mirror)
	}
	return f
}

// Close stops mirroring the persisted history.
func (f *Feed) Close() {
	if f.unwatch != nil {
		f.unwatch()
	}
}

// mirror replaces the kept updates with the history another process wrote.
func (f *Feed) mirror(change storage.Change) {
	var history []Update
	if !change.Removed {
		if err := json.Unmarshal(change.Value, &history); err != nil {
			f.log.Warnf("realtime: drop malformed history from %s: %v", change.Origin, err)
			return
		}
	}
	f.mu.Lock()
	f.recent = trim(history, f.opts.Keep)
	f.mu.Unlock()
}

// OnConnect registers fn to run each time the subscription is established.
func (f *Feed) OnConnect(fn func()) func() {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	id := f.nextID
	f.nextID++
	f.onConnect[id] = fn
	return func() {
		f.handlersMu.Lock()
		defer f.handlersMu.Unlock()
		delete(f.onConnect, id)
	}
}

// OnDisconnect registers fn to run when the subscription drops.
func (f *Feed) OnDisconnect(fn func(error)) func() {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	id := f.nextID
	f.nextID++
	f.onDisconnect[id] = fn
	return func() {
		f.handlersMu.Lock()
		defer f.handlersMu.Unlock()
		delete(f.onDisconnect, id)
	}
}

// OnMessage registers fn for every received update.
func (f *Feed) OnMessage(fn func(Update)) func() {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	id := f.nextID
	f.nextID++
	f.onMessage[id] = fn
	return func() {
		f.handlersMu.Lock()
		defer f.handlersMu.Unlock()
		delete(f.onMessage, id)
	}
}

// Publish fills in a missing id and timestamp and sends u to every
// subscriber of the channel, this process included.
func (f *Feed) Publish(ctx context.Context, u Update) (Update, error) {
	if !u.Type.Valid() {
		return Update{}, fmt.Errorf("unknown update type %q", u.Type)
	}
	if u.ID == "" {
		u.ID = util.NewID("upd")
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = f.opts.Now().UTC()
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return Update{}, fmt.Errorf("encode update: %w", err)
	}
	if err := f.client.Publish(ctx, f.opts.Channel, payload).Err(); err != nil {
		return Update{}, fmt.Errorf("publish update: %w", err)
	}
	return u, nil
}

// Recent returns the kept updates, oldest first.
func (f *Feed) Recent() []Update {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Update, len(f.recent))
	copy(out, f.recent)
	return out
}

// Run subscribes to the channel and delivers updates until ctx is done,
// resubscribing after a dropped connection.
func (f *Feed) Run(ctx context.Context) error {
	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.log.Warnf("realtime: subscription to %s lost: %v", f.opts.Channel, err)
		f.emitDisconnect(err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.opts.ReconnectDelay):
		}
	}
}

func (f *Feed) listen(ctx context.Context) error {
	ps := f.client.Subscribe(ctx, f.opts.Channel)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ps.Close()
		case <-stop:
		}
	}()
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.opts.Channel, err)
	}
	f.emitConnect()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		var u Update
		if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
			f.log.Warnf("realtime: drop malformed update: %v", err)
			continue
		}
		f.deliver(ctx, u)
	}
}

func (f *Feed) deliver(ctx context.Context, u Update) {
	var history []Update
	persisted := false
	if f.opts.History != nil && f.opts.HistoryKey != "" {
		err := storage.UpdateJSON(ctx, f.opts.History, f.opts.HistoryKey, []Update{}, func(kept []Update) ([]Update, bool) {
			if u.ID != "" && contains(kept, u.ID) {
				history = kept
				return kept, false
			}
			history = trim(append(kept, u), f.opts.Keep)
			return history, true
		})
		if err != nil {
			f.log.Warnf("realtime: persist history: %v", err)
		} else {
			persisted = true
		}
	}
	f.mu.Lock()
	if persisted {
		f.recent = trim(history, f.opts.Keep)
	} else {
		f.recent = trim(appendOnce(f.recent, u), f.opts.Keep)
	}
	f.mu.Unlock()

	f.handlersMu.RLock()
	fns := make([]func(Update), 0, len(f.onMessage))
	for _, fn := range f.onMessage {
		fns = append(fns, fn)
	}
	f.handlersMu.RUnlock()
	for _, fn := range fns {
		f.safely(func() { fn(u) })
	}
}

func (f *Feed) emitConnect() {
	f.handlersMu.RLock()
	fns := make([]func(), 0, len(f.onConnect))
	for _, fn := range f.onConnect {
		fns = append(fns, fn)
	}
	f.handlersMu.RUnlock()
	for _, fn := range fns {
		f.safely(fn)
	}
}

func (f *Feed) emitDisconnect(err error) {
	f.handlersMu.RLock()
	fns := make([]func(error), 0, len(f.onDisconnect))
	for _, fn := range f.onDisconnect {
		fns = append(fns, fn)
	}
	f.handlersMu.RUnlock()
	for _, fn := range fns {
		f.safely(func() { fn(err) })
	}
}

// safely runs a subscriber callback, containing panics.
func (f *Feed) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Errorf("realtime: subscriber panicked: %v", r)
		}
	}()
	fn()
}

// appendOnce appends u unless an update with the same id is already kept,
// which happens when several processes deliver the same message.
func appendOnce(updates []Update, u Update) []Update {
	if u.ID != "" && contains(updates, u.ID) {
		return updates
	}
	return append(updates, u)
}

func contains(updates []Update, id string) bool {
	for _, u := range updates {
		if u.ID == id {
			return true
		}
	}
	return false
}

func trim(updates []Update, keep int) []Update {
	if len(updates) <= keep {
		return updates
	}
	return append([]Update(nil), updates[len(updates)-keep:]...)
}
