package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorStartsOnline(t *testing.T) {
	m := NewMonitor(nil, 0, nil)
	assert.True(t, m.Online())
}

func TestSetOnlineNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(nil, 0, nil)

	var (
		mu   sync.Mutex
		seen []bool
	)
	cancel := m.OnChange(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, online)
	})

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)
	cancel()
	m.SetOnline(false)

	assert.Equal(t, []bool{false, true}, seen)
	assert.False(t, m.Online())
}

func TestCheckUsesProbe(t *testing.T) {
	var healthy atomic.Bool
	m := NewMonitor(func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	}, 0, nil)

	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.Online())

	healthy.Store(true)
	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.Online())
}

func TestRunReportsRestoredConnectivity(t *testing.T) {
	var healthy atomic.Bool
	m := NewMonitor(func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}, 5*time.Millisecond, nil)

	restored := make(chan struct{}, 1)
	m.OnChange(func(online bool) {
		if online {
			select {
			case restored <- struct{}{}:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool { return !m.Online() }, time.Second, time.Millisecond)
	healthy.Store(true)

	select {
	case <-restored:
	case <-time.After(time.Second):
		t.Fatal("restored connectivity not reported")
	}
	m.Close()
	m.Close()
}

func TestOverrideSurvivesChecks(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor(func(context.Context) error {
		calls.Add(1)
		return errors.New("connection refused")
	}, 0, nil)

	m.Override(true)
	assert.True(t, m.Overridden())
	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.Online())
	assert.Zero(t, calls.Load())

	m.ClearOverride()
	assert.False(t, m.Overridden())
	assert.True(t, m.Online(), "state kept until the next check")
	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.Online())
}

func TestOverrideHoldsAgainstRunLoop(t *testing.T) {
	m := NewMonitor(func(context.Context) error { return nil }, 2*time.Millisecond, nil)
	m.Override(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	defer m.Close()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, m.Online())

	m.ClearOverride()
	require.Eventually(t, m.Online, time.Second, time.Millisecond)
}
