// Package connectivity tracks whether the remote endpoint is reachable.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ideaflow/syncd/internal/logging"
)

// ProbeFunc checks the remote endpoint; nil means reachable.
type ProbeFunc func(ctx context.Context) error

type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
	log      *zap.SugaredLogger

	online atomic.Bool
	// override pins the state until ClearOverride; Check leaves it alone.
	override atomic.Pointer[bool]

	mu        sync.Mutex
	listeners map[int]func(online bool)
	nextID    int

	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor starts in the online state so the first request goes to the
// network; a failing probe flips it.
func NewMonitor(probe ProbeFunc, interval time.Duration, logger *zap.SugaredLogger) *Monitor {
	m := &Monitor{
		probe:     probe,
		interval:  interval,
		timeout:   5 * time.Second,
		log:       logging.OrNop(logger),
		listeners: make(map[int]func(bool)),
		done:      make(chan struct{}),
	}
	m.online.Store(true)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// SetOnline records the connectivity state and notifies listeners when it
// changes.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	if online {
		m.log.Infof("connectivity: remote reachable again")
	} else {
		m.log.Warnf("connectivity: remote unreachable, switching to offline mode")
	}

	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// Override pins the state to online until ClearOverride. Checks made in
// the meantime return the pinned state without contacting the remote.
func (m *Monitor) Override(online bool) {
	m.override.Store(&online)
	m.log.Infof("connectivity: state pinned to online=%t", online)
	m.SetOnline(online)
}

// ClearOverride hands the state back to the checks. The current state is
// kept until the next Check.
func (m *Monitor) ClearOverride() {
	if m.override.Swap(nil) != nil {
		m.log.Infof("connectivity: state released to checks")
	}
}

// Overridden reports whether the state is pinned.
func (m *Monitor) Overridden() bool {
	return m.override.Load() != nil
}

// OnChange registers fn for state transitions. The returned func
// unregisters it.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Check runs the probe once and records the outcome. While the state is
// pinned by Override it returns the pinned state instead.
func (m *Monitor) Check(ctx context.Context) bool {
	if pinned := m.override.Load(); pinned != nil {
		return *pinned
	}
	if m.probe == nil {
		return m.Online()
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.probe(ctx)
	if err != nil {
		m.log.Debugf("connectivity: probe failed: %v", err)
	}
	if m.override.Load() != nil {
		// pinned while the check was in flight
		return m.Online()
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes on the configured interval until ctx is done or Close is
// called.
func (m *Monitor) Run(ctx context.Context) error {
	if m.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Close stops the probe loop.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.done) })
}
