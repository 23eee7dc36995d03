package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/airfi/airfi-mpesa-gateway/internal/clock"
	"github.com/airfi/airfi-mpesa-gateway/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingFirewall struct {
	mu      sync.Mutex
	granted map[string]int
	revoked map[string]int
}

func newRecordingFirewall() *recordingFirewall {
	return &recordingFirewall{granted: map[string]int{}, revoked: map[string]int{}}
}

func (f *recordingFirewall) Grant(_ context.Context, ip, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted[ip]++
	return nil
}

func (f *recordingFirewall) Revoke(_ context.Context, ip, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[ip]++
	return nil
}

func setup(t *testing.T) (*session.Manager, *session.MemoryStore, *recordingFirewall, *clock.Mock) {
	t.Helper()
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	store := session.NewMemoryStore()
	fw := newRecordingFirewall()
	clk := clock.NewMock(start)
	m := session.NewManager(store, fw, nil, nil, nil)
	m.SetClock(clk)

	ctx := context.Background()
	for _, s := range []*session.Session{
		{ID: "hour", Amount: 10, IPAddress: "10.0.0.1", Status: session.StatusActive, CreatedAt: start},
		{ID: "day", Amount: 50, IPAddress: "10.0.0.2", Status: session.StatusActive, CreatedAt: start},
		{ID: "pending", Amount: 10, IPAddress: "10.0.0.3", Status: session.StatusPending, CreatedAt: start},
	} {
		require.NoError(t, store.Create(ctx, s))
	}
	return m, store, fw, clk
}

func TestMonitor_ScanExpiresElapsedSessions(t *testing.T) {
	ctx := context.Background()
	m, store, fw, clk := setup(t)
	mon := New(m, Config{}, nil)

	result, err := mon.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Expired)
	assert.Equal(t, 2, result.Active)

	clk.Advance(time.Hour + time.Second)
	result, err = mon.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Active)

	hour, err := store.Get(ctx, "hour")
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, hour.Status)
	assert.Equal(t, 1, fw.revoked["10.0.0.1"])

	day, err := store.Get(ctx, "day")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, day.Status)

	pending, err := store.Get(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, pending.Status)
	assert.Zero(t, fw.revoked["10.0.0.3"])
}

func TestMonitor_ExactBoundaryIsNotExpired(t *testing.T) {
	ctx := context.Background()
	m, _, _, clk := setup(t)
	mon := New(m, Config{}, nil)

	clk.Advance(time.Hour)
	result, err := mon.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Expired)
}

func TestMonitor_Reassert(t *testing.T) {
	ctx := context.Background()
	m, _, fw, clk := setup(t)
	mon := New(m, Config{Reassert: true}, nil)

	clk.Advance(2 * time.Hour)
	result, err := mon.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Reasserted)
	assert.Equal(t, 1, fw.granted["10.0.0.2"])
	assert.Zero(t, fw.granted["10.0.0.1"])
}

// countingSessions counts scans of an underlying manager.
type countingSessions struct {
	Sessions
	mu    sync.Mutex
	scans int
}

func (c *countingSessions) ListSessions(ctx context.Context, status session.Status) ([]*session.Session, error) {
	c.mu.Lock()
	c.scans++
	c.mu.Unlock()
	return c.Sessions.ListSessions(ctx, status)
}

func (c *countingSessions) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scans
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m, store, _, clk := setup(t)
	clk.Advance(2 * time.Hour)
	counter := &countingSessions{Sessions: m}
	const tick = 10 * time.Millisecond
	mon := New(counter, Config{Interval: time.Hour, Tick: tick}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	require.Eventually(t, func() bool {
		s, err := store.Get(context.Background(), "hour")
		return err == nil && s.Status == session.StatusExpired
	}, time.Second, time.Millisecond)

	// The monitor is now inside its hour-long pause.
	cancel()
	cancelled := time.Now()
	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Less(t, time.Since(cancelled), 5*tick)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop during its pause")
	}
	assert.Equal(t, 1, counter.count())
}

// blockingSessions holds the first Expire until released.
type blockingSessions struct {
	started   chan struct{}
	release   chan struct{}
	expireCtx context.Context
	expired   int
}

func (b *blockingSessions) Now() time.Time { return time.Now() }

func (b *blockingSessions) ListSessions(context.Context, session.Status) ([]*session.Session, error) {
	return []*session.Session{
		{ID: "a", Amount: 10, Status: session.StatusActive, CreatedAt: time.Now().Add(-2 * time.Hour)},
		{ID: "b", Amount: 10, Status: session.StatusActive, CreatedAt: time.Now().Add(-2 * time.Hour)},
	}, nil
}

func (b *blockingSessions) Expire(ctx context.Context, _ *session.Session) error {
	if b.expired == 0 {
		close(b.started)
		<-b.release
	}
	b.expireCtx = ctx
	b.expired++
	return nil
}

func (b *blockingSessions) Reassert(context.Context, *session.Session) error { return nil }

func TestMonitor_ScanInProgressCompletes(t *testing.T) {
	b := &blockingSessions{started: make(chan struct{}), release: make(chan struct{})}
	mon := New(b, Config{Interval: time.Hour, Tick: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	<-b.started
	cancel()
	close(b.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Equal(t, 2, b.expired)
	assert.NoError(t, b.expireCtx.Err())
}
