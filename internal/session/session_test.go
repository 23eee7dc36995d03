package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierDuration(t *testing.T) {
	tests := []struct {
		amount   int64
		expected time.Duration
	}{
		{250, 7 * 24 * time.Hour},
		{1000, 7 * 24 * time.Hour},
		{249, time.Hour},
		{50, 24 * time.Hour},
		{49, time.Hour},
		{10, time.Hour},
		{9, 5 * time.Minute},
		{5, 5 * time.Minute},
		{0, 5 * time.Minute},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, TierDuration(tc.amount), "amount=%d", tc.amount)
	}
}

func TestCanTransition(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusPending, StatusActive}: true,
		{StatusPending, StatusFailed}: true,
		{StatusActive, StatusRevoked}: true,
		{StatusActive, StatusExpired}: true,
	}
	all := []Status{StatusPending, StatusActive, StatusFailed, StatusRevoked, StatusExpired}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"0712345678":     "254712345678",
		"0712 345 678":   "254712345678",
		"+254712345678":  "254712345678",
		"254712345678":   "254712345678",
		"  0712345678  ": "254712345678",
		"":               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePhone(in), "input %q", in)
	}
}

func TestLookupPlan(t *testing.T) {
	assert.Equal(t, int64(50), LookupPlan("24hours").Price)
	assert.Equal(t, int64(250), LookupPlan("1week").Price)
	assert.Equal(t, int64(10), LookupPlan("unknown").Price)
	assert.Equal(t, int64(10), LookupPlan("").Price)
}

func TestSession_Expiry(t *testing.T) {
	created := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := &Session{Amount: 10, Status: StatusActive, CreatedAt: created}

	assert.Equal(t, created.Add(time.Hour), s.ExpiresAt())
	assert.False(t, s.Expired(created.Add(time.Hour)))
	assert.True(t, s.Expired(created.Add(61*time.Minute)))
	assert.Equal(t, "30m 0s", s.RemainingTimeFormatted(created.Add(30*time.Minute)))
	assert.Equal(t, "0s", s.RemainingTimeFormatted(created.Add(2*time.Hour)))
}

func TestSession_FirewallMAC(t *testing.T) {
	assert.Equal(t, UnknownMAC, (&Session{}).FirewallMAC())
	assert.False(t, (&Session{MACAddress: UnknownMAC}).HasMAC())

	s := &Session{MACAddress: "aa:bb:cc:dd:ee:ff"}
	assert.True(t, s.HasMAC())
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", s.FirewallMAC())
}

func TestMemoryStore_TransitionIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, &Session{ID: "s1", Status: StatusPending}))

	require.NoError(t, store.Transition(ctx, "s1", StatusPending, StatusFailed, ""))

	// FAILED can never be resurrected.
	err := store.Transition(ctx, "s1", StatusPending, StatusActive, "R1")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	err = store.Transition(ctx, "s1", StatusFailed, StatusActive, "R1")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Empty(t, got.Receipt)

	assert.ErrorIs(t, store.Transition(ctx, "missing", StatusPending, StatusActive, ""), ErrNotFound)
}

func TestMemoryStore_CorrelationID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, &Session{ID: "s1", Status: StatusPending}))
	require.NoError(t, store.Create(ctx, &Session{ID: "s2", Status: StatusPending}))

	require.NoError(t, store.SetCorrelationID(ctx, "s1", "ws_CO_1"))
	assert.ErrorIs(t, store.SetCorrelationID(ctx, "s2", "ws_CO_1"), ErrDuplicateCorrelationID)
	assert.ErrorIs(t, store.SetCorrelationID(ctx, "gone", "ws_CO_2"), ErrNotFound)
	assert.ErrorIs(t, store.SetCorrelationID(ctx, "s2", ""), ErrEmptyCorrelationID)

	got, err := store.GetByCorrelationID(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	_, err = store.GetByCorrelationID(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_LatestAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, &Session{ID: "old", Subscriber: "254700000001", Status: StatusExpired, CreatedAt: base}))
	require.NoError(t, store.Create(ctx, &Session{ID: "new", Subscriber: "254700000001", Status: StatusActive, CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, store.Create(ctx, &Session{ID: "other", Subscriber: "254700000002", Status: StatusActive, CreatedAt: base.Add(2 * time.Hour)}))

	latest, err := store.LatestBySubscriber(ctx, "254700000001")
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ID)

	active, err := store.ListByStatus(ctx, StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "other", active[0].ID)

	all, err := store.ListByStatus(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
