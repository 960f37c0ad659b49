package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"ideaflow/syncd/internal/backup"
	"ideaflow/syncd/internal/collection"
	"ideaflow/syncd/internal/connectivity"
	"ideaflow/syncd/internal/data"
	"ideaflow/syncd/internal/logging"
	"ideaflow/syncd/internal/realtime"
	"ideaflow/syncd/internal/search"
	"ideaflow/syncd/internal/storage"
	"ideaflow/syncd/internal/syncqueue"
)

// Pinger is a dependency checked by the readiness route.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type ServiceOptions struct {
	AppPrefix    string
	Data         *data.Service
	Local        *storage.Store
	Session      *storage.Store
	Connectivity *connectivity.Monitor
	// Feed, Search and Snapshots are optional.
	Feed      *realtime.Feed
	Search    *search.Service
	Snapshots *backup.Snapshotter
	Checks    map[string]Pinger
	Logger    *zap.SugaredLogger
}

// Service is what the HTTP layer calls into.
type Service struct {
	opts ServiceOptions
	log  *zap.SugaredLogger
}

func NewService(opts ServiceOptions) *Service {
	return &Service{opts: opts, log: logging.OrNop(opts.Logger)}
}

// Ready runs every readiness check and returns the failures by name.
func (s *Service) Ready(ctx context.Context) (map[string]error, []string) {
	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	failed := make(map[string]error)
	for _, name := range names {
		if err := s.opts.Checks[name].Ping(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed, names
}

// UserSessionKey is where the dashboard keeps the signed-in user's data.
func (s *Service) UserSessionKey() string {
	return s.opts.AppPrefix + "-user-session"
}

func (s *Service) scopeStore(scope string) (*storage.Store, error) {
	switch storage.Scope(scope) {
	case storage.ScopeLocal:
		return s.opts.Local, nil
	case storage.ScopeSession:
		return s.opts.Session, nil
	}
	return nil, domainError(http.StatusNotFound, "UNKNOWN_SCOPE", "Unknown storage scope", map[string]any{"scope": scope})
}

func (s *Service) checkKey(key string) error {
	if !strings.HasPrefix(key, s.opts.AppPrefix+"-") || len(key) == len(s.opts.AppPrefix)+1 {
		return domainError(http.StatusBadRequest, "INVALID_KEY", "Keys must start with the application prefix", map[string]any{"prefix": s.opts.AppPrefix + "-"})
	}
	return nil
}

func (s *Service) ReadKey(ctx context.Context, scope, key string) (json.RawMessage, error) {
	store, err := s.scopeStore(scope)
	if err != nil {
		return nil, err
	}
	if err := s.checkKey(key); err != nil {
		return nil, err
	}
	raw, ok := store.ReadRaw(ctx, key)
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Key not found", nil)
	}
	return raw, nil
}

func (s *Service) WriteKey(ctx context.Context, scope, key string, value json.RawMessage) error {
	store, err := s.scopeStore(scope)
	if err != nil {
		return err
	}
	if err := s.checkKey(key); err != nil {
		return err
	}
	if len(value) == 0 || !json.Valid(value) {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "Value must be a JSON document", nil)
	}
	store.WriteRaw(ctx, key, value)
	return nil
}

func (s *Service) RemoveKey(ctx context.Context, scope, key string) error {
	store, err := s.scopeStore(scope)
	if err != nil {
		return err
	}
	if err := s.checkKey(key); err != nil {
		return err
	}
	store.Remove(ctx, key)
	return nil
}

// StorageStatus reports whether each scope fell back to memory.
func (s *Service) StorageStatus() map[string]any {
	return map[string]any{
		string(storage.ScopeLocal):   map[string]any{"fallback": s.opts.Local.Fallback()},
		string(storage.ScopeSession): map[string]any{"fallback": s.opts.Session.Fallback()},
	}
}

func (s *Service) collection(name string) (*data.Collection, error) {
	return s.opts.Data.Collection(name)
}

func (s *Service) ListRecords(ctx context.Context, name string, query url.Values) ([]collection.Record, error) {
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	records, err := c.List(ctx, query)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []collection.Record{}
	}
	return records, nil
}

func (s *Service) GetRecord(ctx context.Context, name, id string) (collection.Record, error) {
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, id)
}

func (s *Service) CreateRecord(ctx context.Context, name string, record collection.Record) (collection.Record, error) {
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	return c.Create(ctx, record)
}

func (s *Service) UpdateRecord(ctx context.Context, name, id string, patch collection.Record) (collection.Record, error) {
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	return c.Update(ctx, id, patch)
}

func (s *Service) DeleteRecord(ctx context.Context, name, id string) error {
	c, err := s.collection(name)
	if err != nil {
		return err
	}
	return c.Delete(ctx, id)
}

func (s *Service) QueueItems(ctx context.Context) []syncqueue.Item {
	return s.opts.Data.Queue().Items(ctx)
}

func (s *Service) Replay(ctx context.Context) (syncqueue.Result, error) {
	if !s.Online() {
		return syncqueue.Result{}, errOffline
	}
	return s.opts.Data.Queue().ReplayAll(ctx)
}

func (s *Service) Online() bool {
	return s.opts.Connectivity == nil || s.opts.Connectivity.Online()
}

// SetOnline pins the connectivity state until ClearOnline.
func (s *Service) SetOnline(online bool) {
	if s.opts.Connectivity != nil {
		s.opts.Connectivity.Override(online)
	}
}

// ClearOnline releases a pinned state and checks the remote right away.
func (s *Service) ClearOnline(ctx context.Context) bool {
	if s.opts.Connectivity == nil {
		return true
	}
	s.opts.Connectivity.ClearOverride()
	return s.opts.Connectivity.Check(ctx)
}

// OnlinePinned reports whether the state was set by hand.
func (s *Service) OnlinePinned() bool {
	return s.opts.Connectivity != nil && s.opts.Connectivity.Overridden()
}

// CheckConnectivity probes the remote now.
func (s *Service) CheckConnectivity(ctx context.Context) bool {
	if s.opts.Connectivity == nil {
		return true
	}
	return s.opts.Connectivity.Check(ctx)
}

func (s *Service) RecentUpdates() ([]realtime.Update, error) {
	if s.opts.Feed == nil {
		return nil, errFeedDisabled
	}
	return s.opts.Feed.Recent(), nil
}

func (s *Service) PublishUpdate(ctx context.Context, u realtime.Update) (realtime.Update, error) {
	if s.opts.Feed == nil {
		return realtime.Update{}, errFeedDisabled
	}
	if !u.Type.Valid() {
		return realtime.Update{}, domainError(http.StatusBadRequest, "INVALID_TYPE", "Unknown update type", map[string]any{"type": u.Type})
	}
	return s.opts.Feed.Publish(ctx, u)
}

// Subscribe registers fn for live updates. The returned func unregisters it.
func (s *Service) Subscribe(fn func(realtime.Update)) (func(), error) {
	if s.opts.Feed == nil {
		return nil, errFeedDisabled
	}
	return s.opts.Feed.OnMessage(fn), nil
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if s.opts.Search == nil {
		return search.Response{}, errSearchDisabled
	}
	if q.Collection != "" {
		if _, err := s.collection(q.Collection); err != nil {
			return search.Response{}, err
		}
	}
	return s.opts.Search.Search(ctx, q), nil
}

func (s *Service) Snapshot(ctx context.Context) (backup.Manifest, error) {
	if s.opts.Snapshots == nil {
		return backup.Manifest{}, errSnapshotsDisabled
	}
	return s.opts.Snapshots.Snapshot(ctx)
}

func (s *Service) ListSnapshots(ctx context.Context) ([]string, error) {
	if s.opts.Snapshots == nil {
		return nil, errSnapshotsDisabled
	}
	return s.opts.Snapshots.List(ctx)
}

func (s *Service) Restore(ctx context.Context, name string) (backup.Manifest, error) {
	if s.opts.Snapshots == nil {
		return backup.Manifest{}, errSnapshotsDisabled
	}
	manifest, err := s.opts.Snapshots.Restore(ctx, name)
	if err != nil {
		return backup.Manifest{}, err
	}
	s.log.Infow("app: snapshot restored", "name", manifest.Name, "keys", manifest.Keys)
	return manifest, nil
}
