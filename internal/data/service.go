// Package data is the per-collection access layer the dashboard uses. Calls
// go to the remote endpoint while it is reachable; otherwise they are
// applied to the local cache and queued for replay.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"ideaflow/syncd/internal/collection"
	"ideaflow/syncd/internal/logging"
	"ideaflow/syncd/internal/realtime"
	"ideaflow/syncd/internal/storage"
	"ideaflow/syncd/internal/syncqueue"
	"ideaflow/syncd/internal/util"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrUnknownCollection = errors.New("unknown collection")
)

// Remote is the REST endpoint behind the collections.
type Remote interface {
	List(ctx context.Context, name string, query url.Values) ([]collection.Record, error)
	Get(ctx context.Context, name, id string) (collection.Record, error)
	Create(ctx context.Context, name string, record collection.Record) (collection.Record, error)
	Update(ctx context.Context, name, id string, patch collection.Record) (collection.Record, error)
	Delete(ctx context.Context, name, id string) error
}

// Publisher announces successful mutations to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, u realtime.Update) (realtime.Update, error)
}

// Indexer mirrors records into the search index.
type Indexer interface {
	Index(name string, record collection.Record)
	Remove(name, id string)
}

type Options struct {
	Store  *storage.Store
	// Remote errors are classified with remote.IsTransport and
	// remote.IsNotFound.
	Remote Remote
	// Connectivity reports whether the remote is reachable. Nil means
	// always online.
	Connectivity   syncqueue.Connectivity
	Locker         syncqueue.Locker
	Publisher      Publisher
	Indexer        Indexer
	AppPrefix      string
	Collections    []string
	// MaxRetries is passed to the sync queue as is: zero drops an item
	// after its first failed replay and negative selects the default.
	MaxRetries     int
	Interval       time.Duration
	AttemptTimeout time.Duration
	Logger         *zap.SugaredLogger
	Now            func() time.Time
}

// Service owns the collection caches and the sync queue.
type Service struct {
	opts   Options
	log    *zap.SugaredLogger
	queue  *syncqueue.Queue
	caches map[string]*collection.Cache
	names  []string

	// idMu guards local id generation and the reconciled id table.
	idMu      sync.Mutex
	lastLocal int64
	remapped  map[string]string
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("data: store is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("data: remote is required")
	}
	if len(opts.Collections) == 0 {
		return nil, errors.New("data: at least one collection is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		opts:     opts,
		log:      logging.OrNop(opts.Logger),
		caches:   make(map[string]*collection.Cache, len(opts.Collections)),
		remapped: make(map[string]string),
	}
	for _, name := range opts.Collections {
		if _, dup := s.caches[name]; dup {
			continue
		}
		s.caches[name] = collection.NewCache(opts.Store, opts.AppPrefix, name)
		s.names = append(s.names, name)
	}
	s.queue = syncqueue.New(opts.Store, s.replay, syncqueue.Options{
		Key:            QueueKey(opts.AppPrefix),
		MaxRetries:     opts.MaxRetries,
		Interval:       opts.Interval,
		AttemptTimeout: opts.AttemptTimeout,
		Connectivity:   opts.Connectivity,
		Locker:         opts.Locker,
		Logger:         opts.Logger,
		Now:            opts.Now,
	})
	return s, nil
}

// QueueKey returns the storage key of the sync queue.
func QueueKey(appPrefix string) string {
	return appPrefix + "-sync-queue"
}

func (s *Service) Queue() *syncqueue.Queue {
	return s.queue
}

// Collections returns the configured collection names in order.
func (s *Service) Collections() []string {
	return append([]string(nil), s.names...)
}

// Caches returns the collection caches in configuration order.
func (s *Service) Caches() []*collection.Cache {
	out := make([]*collection.Cache, len(s.names))
	for i, name := range s.names {
		out[i] = s.caches[name]
	}
	return out
}

func (s *Service) Collection(name string) (*Collection, error) {
	cache, ok := s.caches[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return &Collection{svc: s, name: name, cache: cache}, nil
}

func (s *Service) online() bool {
	return s.opts.Connectivity == nil || s.opts.Connectivity.Online()
}

// SetIndexer attaches the search indexer. It must be called before Start
// and before any collection is used.
func (s *Service) SetIndexer(ix Indexer) {
	s.opts.Indexer = ix
}

// Start runs automatic queue replays until Close.
func (s *Service) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// ConnectivityChanged requests a replay when the remote becomes reachable.
func (s *Service) ConnectivityChanged(online bool) {
	if online {
		s.queue.Trigger()
	}
}

// Close stops the replay timer. Pending items stay persisted.
func (s *Service) Close(ctx context.Context) {
	s.queue.Stop(ctx)
}

// newLocalID returns a placeholder id that is unique within this process
// even for creates in the same millisecond.
func (s *Service) newLocalID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	ms := s.opts.Now().UnixMilli()
	if ms <= s.lastLocal {
		ms = s.lastLocal + 1
	}
	s.lastLocal = ms
	return util.LocalID(time.UnixMilli(ms))
}

// ApplyUpdate mirrors a live update received from another process into the
// local cache.
func (s *Service) ApplyUpdate(ctx context.Context, u realtime.Update) {
	cache, ok := s.caches[u.Collection]
	if !ok || len(u.Data) == 0 {
		return
	}
	var record collection.Record
	if err := json.Unmarshal(u.Data, &record); err != nil || record.ID() == "" {
		return
	}
	switch u.Action {
	case realtime.ActionDeleted:
		cache.Remove(ctx, record.ID())
	case realtime.ActionCreated, realtime.ActionUpdated:
		cache.Upsert(ctx, record)
	}
}

// announce publishes and indexes a successful remote mutation.
func (s *Service) announce(ctx context.Context, name, action string, record collection.Record) {
	if s.opts.Indexer != nil {
		if action == realtime.ActionDeleted {
			s.opts.Indexer.Remove(name, record.ID())
		} else {
			s.opts.Indexer.Index(name, record)
		}
	}
	if s.opts.Publisher == nil {
		return
	}
	typ, ok := realtime.TypeForCollection(name)
	if !ok {
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	if _, err := s.opts.Publisher.Publish(ctx, realtime.Update{
		Type:       typ,
		Action:     action,
		Collection: name,
		Data:       raw,
	}); err != nil {
		s.log.Warnf("data: publish %s %s/%s: %v", action, name, record.ID(), err)
	}
}
