// Package storage provides keyed JSON storage over a durable, a per-session
// and an in-memory backend. A backend that cannot be written is replaced by
// memory for the rest of the process lifetime, and callers never see the
// backend's errors.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"ideaflow/syncd/internal/logging"
	"ideaflow/syncd/internal/util"
)

// Scope selects which kind of backend a Store sits on.
type Scope string

const (
	ScopeLocal   Scope = "local"
	ScopeSession Scope = "session"
	ScopeMemory  Scope = "memory"
)

const probeKey = "__storage_probe__"

// Backend is a raw key/value store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Change describes a write or removal made through a durable Store.
type Change struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Removed bool            `json:"removed,omitempty"`
	Origin  string          `json:"origin"`
}

// Notifier carries change notifications between processes sharing a durable
// backend.
type Notifier interface {
	Publish(ctx context.Context, change Change) error
	Subscribe(ctx context.Context, fn func(Change)) error
}

// Updater is implemented by backends that can read, modify and write one
// key atomically with respect to every process sharing the backend. fn may
// run more than once; a nil result leaves the key unchanged.
type Updater interface {
	Update(ctx context.Context, key string, fn func(current []byte, ok bool) ([]byte, error)) error
}

type Options struct {
	// Notifier is only used by ScopeLocal stores.
	Notifier Notifier
	Logger   *zap.SugaredLogger
}

type Store struct {
	scope    Scope
	notifier Notifier
	origin   string
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	backend  Backend
	fallback bool

	// updateMu serialises Update on backends that are not Updaters.
	updateMu sync.Mutex

	watchMu  sync.Mutex
	watchers map[string]map[int]func(Change)
	nextID   int
}

// Open probes backend by writing then deleting a sentinel key. If the probe
// fails, or backend is nil, the store uses memory instead.
func Open(ctx context.Context, scope Scope, backend Backend, opts Options) *Store {
	s := &Store{
		scope:    scope,
		origin:   util.NewID("st"),
		logger:   logging.OrNop(opts.Logger),
		watchers: make(map[string]map[int]func(Change)),
	}
	if scope == ScopeLocal {
		s.notifier = opts.Notifier
	}

	if backend == nil || scope == ScopeMemory {
		s.backend = NewMemory()
		s.fallback = scope != ScopeMemory
		return s
	}
	if err := probe(ctx, backend); err != nil {
		s.logger.Warnf("storage: %s backend unavailable, using memory: %v", scope, err)
		s.backend = NewMemory()
		s.fallback = true
		return s
	}
	s.backend = backend
	return s
}

func probe(ctx context.Context, backend Backend) error {
	if err := backend.Set(ctx, probeKey, []byte(`"probe"`)); err != nil {
		return fmt.Errorf("probe write: %w", err)
	}
	if err := backend.Delete(ctx, probeKey); err != nil {
		return fmt.Errorf("probe delete: %w", err)
	}
	return nil
}

func (s *Store) Scope() Scope {
	return s.scope
}

// Fallback reports whether the store is running on memory in place of its
// requested backend.
func (s *Store) Fallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

func (s *Store) current() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

func (s *Store) fallBack(failed Backend, cause error) Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == failed && !s.fallback {
		s.logger.Warnf("storage: %s backend write failed, switching to memory: %v", s.scope, cause)
		s.backend = NewMemory()
		s.fallback = true
	}
	return s.backend
}

// Read decodes the value stored under key into dst. It reports false when
// the key is absent, unreadable or not valid JSON for dst.
func (s *Store) Read(ctx context.Context, key string, dst any) bool {
	raw, ok := s.ReadRaw(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warnf("storage: decode %s: %v", key, err)
		return false
	}
	return true
}

// ReadRaw returns the stored JSON document for key.
func (s *Store) ReadRaw(ctx context.Context, key string) (json.RawMessage, bool) {
	value, ok, err := s.current().Get(ctx, key)
	if err != nil {
		s.logger.Warnf("storage: read %s: %v", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if !json.Valid(value) {
		s.logger.Warnf("storage: discarding corrupt value under %s", key)
		return nil, false
	}
	return json.RawMessage(value), true
}

// Write stores value as JSON under key. Only encoding errors are returned.
func (s *Store) Write(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.WriteRaw(ctx, key, raw)
	return nil
}

// WriteRaw stores an already encoded JSON document.
func (s *Store) WriteRaw(ctx context.Context, key string, raw json.RawMessage) {
	backend := s.current()
	if err := backend.Set(ctx, key, raw); err != nil {
		backend = s.fallBack(backend, err)
		_ = backend.Set(ctx, key, raw)
	}
	s.notify(ctx, Change{Key: key, Value: raw})
}

// updateError marks errors returned by the caller's function, as opposed to
// backend failures.
type updateError struct{ err error }

func (e *updateError) Error() string { return e.err.Error() }
func (e *updateError) Unwrap() error { return e.err }

// Update atomically replaces the JSON document under key with fn's result.
// fn sees ok=false when the key is absent or corrupt, and may run more than
// once. A nil result leaves the key unchanged. Backend failures switch the
// store to memory like Write does; only fn's errors are returned.
func (s *Store) Update(ctx context.Context, key string, fn func(current json.RawMessage, ok bool) (json.RawMessage, error)) error {
	var written json.RawMessage
	apply := func(current []byte, ok bool) ([]byte, error) {
		if ok && !json.Valid(current) {
			s.logger.Warnf("storage: discarding corrupt value under %s", key)
			current, ok = nil, false
		}
		next, err := fn(json.RawMessage(current), ok)
		if err != nil {
			return nil, &updateError{err: err}
		}
		written = next
		return next, nil
	}

	backend := s.current()
	err := s.update(ctx, backend, key, apply)
	var fnErr *updateError
	if errors.As(err, &fnErr) {
		return fnErr.err
	}
	if err != nil {
		backend = s.fallBack(backend, err)
		written = nil
		if err := s.update(ctx, backend, key, apply); err != nil {
			if errors.As(err, &fnErr) {
				return fnErr.err
			}
			return err
		}
	}
	if written != nil {
		s.notify(ctx, Change{Key: key, Value: written})
	}
	return nil
}

func (s *Store) update(ctx context.Context, backend Backend, key string, fn func([]byte, bool) ([]byte, error)) error {
	if u, ok := backend.(Updater); ok {
		return u.Update(ctx, key, fn)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	current, ok, err := backend.Get(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(current, ok)
	if err != nil || next == nil {
		return err
	}
	return backend.Set(ctx, key, next)
}

func (s *Store) Remove(ctx context.Context, key string) {
	if err := s.current().Delete(ctx, key); err != nil {
		s.logger.Warnf("storage: remove %s: %v", key, err)
		return
	}
	s.notify(ctx, Change{Key: key, Removed: true})
}

// Keys lists stored keys starting with prefix.
func (s *Store) Keys(ctx context.Context, prefix string) []string {
	keys, err := s.current().Keys(ctx, prefix)
	if err != nil {
		s.logger.Warnf("storage: list keys %s*: %v", prefix, err)
		return nil
	}
	out := keys[:0]
	for _, key := range keys {
		if key != probeKey {
			out = append(out, key)
		}
	}
	return out
}

func (s *Store) notify(ctx context.Context, change Change) {
	if s.notifier == nil || s.Fallback() {
		return
	}
	change.Origin = s.origin
	if err := s.notifier.Publish(ctx, change); err != nil {
		s.logger.Debugf("storage: publish change %s: %v", change.Key, err)
	}
}

// Watch registers fn for changes to key made by other processes. The
// returned func unregisters it.
func (s *Store) Watch(key string, fn func(Change)) func() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextID
	s.nextID++
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int]func(Change))
	}
	s.watchers[key][id] = fn
	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers[key], id)
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
	}
}

// Listen delivers remote change notifications to watchers until ctx is done.
func (s *Store) Listen(ctx context.Context) error {
	if s.notifier == nil {
		<-ctx.Done()
		return nil
	}
	return s.notifier.Subscribe(ctx, s.dispatch)
}

func (s *Store) dispatch(change Change) {
	if change.Origin == s.origin {
		return
	}
	s.watchMu.Lock()
	fns := make([]func(Change), 0, len(s.watchers[change.Key]))
	for _, fn := range s.watchers[change.Key] {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

// UpdateJSON decodes the value under key (def when absent or corrupt) and
// stores fn's result when fn reports a change. fn may run more than once and
// must not keep state between runs.
func UpdateJSON[T any](ctx context.Context, s *Store, key string, def T, fn func(T) (T, bool)) error {
	return s.Update(ctx, key, func(raw json.RawMessage, ok bool) (json.RawMessage, error) {
		value := def
		if ok {
			var decoded T
			if err := json.Unmarshal(raw, &decoded); err != nil {
				s.logger.Warnf("storage: decode %s: %v", key, err)
			} else {
				value = decoded
			}
		}
		next, changed := fn(value)
		if !changed {
			return nil, nil
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		return encoded, nil
	})
}

// ReadOr returns the value under key, or def when it is absent or corrupt.
func ReadOr[T any](ctx context.Context, s *Store, key string, def T) T {
	var value T
	if !s.Read(ctx, key, &value) {
		return def
	}
	return value
}
