package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

func testConfig() config.ConnectivityConfig {
	return config.ConnectivityConfig{ProbeInterval: 10 * time.Millisecond, ProbeTimeout: 50 * time.Millisecond}
}

func newTestMonitor(prober Prober) *Monitor {
	return NewMonitor(prober, testConfig(), utils.NewNopLogger())
}

func receive(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("no value received")
		return false
	}
}

func assertNoValue(t *testing.T, ch <-chan bool) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMonitor_SubscribeReceivesCurrentState(t *testing.T) {
	m := newTestMonitor(ProberFunc(func(context.Context) error { return nil }))

	ch, cancel := m.Subscribe()
	defer cancel()
	assert.False(t, receive(t, ch))

	m.Set(true)
	late, cancelLate := m.Subscribe()
	defer cancelLate()
	assert.True(t, receive(t, late))
	assert.True(t, receive(t, ch))
}

func TestMonitor_OnlyTransitionsBroadcast(t *testing.T) {
	m := newTestMonitor(ProberFunc(func(context.Context) error { return nil }))
	ch, cancel := m.Subscribe()
	defer cancel()
	receive(t, ch)

	m.Set(false)
	assertNoValue(t, ch)

	m.Set(true)
	m.Set(true)
	assert.True(t, receive(t, ch))
	assertNoValue(t, ch)
}

func TestMonitor_SlowSubscriberSeesLatest(t *testing.T) {
	m := newTestMonitor(ProberFunc(func(context.Context) error { return nil }))
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(true)
	m.Set(false)
	m.Set(true)

	assert.True(t, receive(t, ch))
	assertNoValue(t, ch)
}

func TestMonitor_ReconnectsCountsConflatedTransitions(t *testing.T) {
	m := newTestMonitor(ProberFunc(func(context.Context) error { return nil }))
	ch, cancel := m.Subscribe()
	defer cancel()
	receive(t, ch)

	m.Set(true)
	m.Set(false)
	m.Set(true)
	m.Set(true)

	assert.True(t, receive(t, ch))
	assert.Equal(t, uint64(2), m.Reconnects())
}

func TestMonitor_CancelClosesChannel(t *testing.T) {
	m := newTestMonitor(ProberFunc(func(context.Context) error { return nil }))
	ch, cancel := m.Subscribe()
	receive(t, ch)

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	m.Set(true)
}

func TestMonitor_CheckUsesProber(t *testing.T) {
	var healthy atomic.Bool
	m := newTestMonitor(ProberFunc(func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	}))

	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.Current())

	healthy.Store(true)
	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.Current())
	assert.False(t, m.LastChange().IsZero())
}

func TestMonitor_CheckTimesOut(t *testing.T) {
	m := newTestMonitor(ProberFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	m.Set(true)

	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.Current())
}

func TestMonitor_RunDetectsTransitions(t *testing.T) {
	var healthy atomic.Bool
	m := newTestMonitor(ProberFunc(func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}))

	ch, cancel := m.Subscribe()
	defer cancel()
	assert.False(t, receive(t, ch))

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	healthy.Store(true)
	assert.True(t, receive(t, ch))

	healthy.Store(false)
	assert.False(t, receive(t, ch))

	stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
