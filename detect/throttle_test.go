package detect

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vigil/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var throttleEpoch = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func TestMemoryThrottle_ThrottleWindow(t *testing.T) {
	store := NewMemoryThrottleStore(0)
	ctx := context.Background()
	limits := ThrottleLimits{Throttle: 5 * time.Minute, MaxPerHour: 100}

	d, err := store.Acquire(ctx, "p1", throttleEpoch, limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = store.Acquire(ctx, "p1", throttleEpoch.Add(2*time.Minute), limits)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonThrottle, d.Reason)

	// Suppressed attempts do not extend the window.
	d, err = store.Acquire(ctx, "p1", throttleEpoch.Add(5*time.Minute), limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = store.Acquire(ctx, "p2", throttleEpoch.Add(2*time.Minute), limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "policies are independent")
}

func TestMemoryThrottle_LongestThrottleHolds(t *testing.T) {
	store := NewMemoryThrottleStore(0)
	ctx := context.Background()
	p := core.Policy{ThrottleMinutes: 200000000, MaxAlertsPerHour: 100}
	limits := ThrottleLimits{Throttle: p.Throttle(), MaxPerHour: p.MaxAlertsPerHour}

	d, err := store.Acquire(ctx, "p1", throttleEpoch, limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = store.Acquire(ctx, "p1", throttleEpoch.Add(time.Minute), limits)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonThrottle, d.Reason)
}

func TestMemoryThrottle_ReleaseFreesTheSlot(t *testing.T) {
	store := NewMemoryThrottleStore(0)
	ctx := context.Background()
	limits := ThrottleLimits{Throttle: 5 * time.Minute, MaxPerHour: 1}

	d, err := store.Acquire(ctx, "p1", throttleEpoch, limits)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, store.Release(ctx, "p1", d))

	d, err = store.Acquire(ctx, "p1", throttleEpoch.Add(time.Minute), limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "released admission no longer counts")

	refused, err := store.Acquire(ctx, "p1", throttleEpoch.Add(2*time.Minute), limits)
	require.NoError(t, err)
	require.False(t, refused.Allowed)
	require.NoError(t, store.Release(ctx, "p1", refused))

	d, err = store.Acquire(ctx, "p1", throttleEpoch.Add(3*time.Minute), limits)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "releasing a refusal frees nothing")
}

func TestMemoryThrottle_RateLimit(t *testing.T) {
	store := NewMemoryThrottleStore(0)
	ctx := context.Background()
	limits := ThrottleLimits{MaxPerHour: 2}

	for i, tc := range []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},
		{30 * time.Minute, true},
		{59 * time.Minute, false},
		{60 * time.Minute, true},
		{61 * time.Minute, false},
		{90 * time.Minute, true},
	} {
		d, err := store.Acquire(ctx, "p", throttleEpoch.Add(tc.offset), limits)
		require.NoError(t, err)
		assert.Equal(t, tc.want, d.Allowed, "step %d", i)
		if !tc.want {
			assert.Equal(t, ReasonRateLimit, d.Reason)
		}
	}
}

func TestMemoryThrottle_OutOfOrder(t *testing.T) {
	store := NewMemoryThrottleStore(0)
	ctx := context.Background()
	limits := ThrottleLimits{Throttle: 10 * time.Minute, MaxPerHour: 10}

	d, _ := store.Acquire(ctx, "p", throttleEpoch.Add(30*time.Minute), limits)
	require.True(t, d.Allowed)

	d, _ = store.Acquire(ctx, "p", throttleEpoch.Add(25*time.Minute), limits)
	assert.False(t, d.Allowed, "a late event inside the window of a later alert is throttled")

	d, _ = store.Acquire(ctx, "p", throttleEpoch.Add(15*time.Minute), limits)
	assert.True(t, d.Allowed)
}

func TestMemoryThrottle_LatenessClamp(t *testing.T) {
	store := NewMemoryThrottleStore(time.Hour)
	ctx := context.Background()
	limits := ThrottleLimits{MaxPerHour: 100}

	_, err := store.Acquire(ctx, "p", throttleEpoch.Add(10*time.Hour), limits)
	require.NoError(t, err)
	d, err := store.Acquire(ctx, "p", throttleEpoch, limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, throttleEpoch.Add(9*time.Hour), d.At)
}

// checkInvariants asserts the throttle and hourly-rate bounds over a set of
// admission times.
func checkInvariants(t *testing.T, admitted []time.Time, limits ThrottleLimits) {
	t.Helper()
	sorted := append([]time.Time(nil), admitted...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	for i := 1; i < len(sorted); i++ {
		if limits.Throttle > 0 {
			gap := sorted[i].Sub(sorted[i-1])
			assert.GreaterOrEqual(t, gap, limits.Throttle, "alerts %v and %v too close", sorted[i-1], sorted[i])
		}
	}
	for i := range sorted {
		count := 0
		for j := i; j < len(sorted) && sorted[j].Before(sorted[i].Add(RateWindow)); j++ {
			count++
		}
		assert.LessOrEqual(t, count, limits.MaxPerHour, "window starting %v", sorted[i])
	}
}

func TestMemoryThrottle_InvariantsRandomStreams(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for run := 0; run < 50; run++ {
		limits := ThrottleLimits{
			Throttle:   time.Duration(rng.Intn(10)) * time.Minute,
			MaxPerHour: 1 + rng.Intn(6),
		}
		store := NewMemoryThrottleStore(0)
		var admitted []time.Time
		for i := 0; i < 300; i++ {
			// Mostly increasing with jitter so some events arrive out of order.
			at := throttleEpoch.Add(time.Duration(i)*45*time.Second + time.Duration(rng.Intn(1200)-600)*time.Second)
			d, err := store.Acquire(ctx, "p", at, limits)
			require.NoError(t, err)
			if d.Allowed {
				admitted = append(admitted, d.At)
			}
		}
		require.NotEmpty(t, admitted)
		checkInvariants(t, admitted, limits)
	}
}

func TestMemoryThrottle_ConcurrentCallersAdmitOne(t *testing.T) {
	store := NewMemoryThrottleStore(0)
	limits := ThrottleLimits{Throttle: 5 * time.Minute, MaxPerHour: 100}

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := store.Acquire(context.Background(), "p", throttleEpoch.Add(time.Duration(i)*time.Second), limits)
			if err == nil && d.Allowed {
				atomic.AddInt32(&admitted, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted)
}

func TestMemoryThrottle_Forget(t *testing.T) {
	store := NewMemoryThrottleStore(0)
	ctx := context.Background()
	limits := ThrottleLimits{Throttle: time.Hour, MaxPerHour: 1}

	d, _ := store.Acquire(ctx, "p", throttleEpoch, limits)
	require.True(t, d.Allowed)
	require.NoError(t, store.Forget(ctx, "p"))
	d, _ = store.Acquire(ctx, "p", throttleEpoch, limits)
	assert.True(t, d.Allowed)
}
