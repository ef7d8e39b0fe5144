package detect

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SuppressionReason explains why the throttle gate refused a policy match.
type SuppressionReason string

const (
	// ReasonThrottle means another alert of the policy lies within
	// throttle_minutes of this one.
	ReasonThrottle SuppressionReason = "throttle"
	// ReasonRateLimit means admitting this alert would put more than
	// max_alerts_per_hour alerts into some 60-minute window.
	ReasonRateLimit SuppressionReason = "rate_limit"
)

// RateWindow is the span over which max_alerts_per_hour is enforced.
const RateWindow = time.Hour

// DefaultMaxLateness is how far behind the newest admitted alert an event
// may be and still be gated at its own timestamp.
const DefaultMaxLateness = 24 * time.Hour

// ThrottleLimits are the per-policy gate parameters.
type ThrottleLimits struct {
	Throttle   time.Duration
	MaxPerHour int
}

// Decision is the outcome of one gate check. At is the instant recorded
// for an admitted alert; it equals the requested time unless the event was
// later than the store's lateness allowance, in which case it is clamped.
type Decision struct {
	Allowed bool
	Reason  SuppressionReason
	At      time.Time
	// Token identifies the recorded admission in stores that need more
	// than At to find it again.
	Token string
}

// ThrottleStore holds per-policy throttle state. Acquire is an atomic
// check-and-record: two concurrent callers for one policy can never both
// be admitted inside the same throttle window.
type ThrottleStore interface {
	Acquire(ctx context.Context, policyID string, at time.Time, limits ThrottleLimits) (Decision, error)
	// Release removes an admission recorded by Acquire, for a match whose
	// alert could not be stored.
	Release(ctx context.Context, policyID string, d Decision) error
	// Forget drops the state of a deleted policy.
	Forget(ctx context.Context, policyID string) error
	Close() error
}

// gate applies the throttle and rate checks to sorted admission times.
// Both checks look on both sides of at, so the invariants hold even when
// events arrive out of order.
func gate(times []time.Time, at time.Time, limits ThrottleLimits) (SuppressionReason, bool) {
	if limits.Throttle > 0 {
		i := sort.Search(len(times), func(i int) bool { return !times[i].Before(at.Add(-limits.Throttle + 1)) })
		if i < len(times) && times[i].Before(at.Add(limits.Throttle)) {
			return ReasonThrottle, false
		}
	}
	if limits.MaxPerHour > 0 && maxWindowCount(times, at) > limits.MaxPerHour {
		return ReasonRateLimit, false
	}
	return "", true
}

// maxWindowCount returns the largest number of admissions (at included)
// inside any half-open RateWindow-long interval that contains at. Such an
// interval can always be slid right until it starts at an admission, so
// only those starts need checking.
func maxWindowCount(times []time.Time, at time.Time) int {
	lo := sort.Search(len(times), func(i int) bool { return times[i].After(at.Add(-RateWindow)) })
	hi := sort.Search(len(times), func(i int) bool { return !times[i].Before(at.Add(RateWindow)) })
	window := make([]time.Time, 0, hi-lo+1)
	window = append(window, times[lo:hi]...)
	pos := sort.Search(len(window), func(i int) bool { return window[i].After(at) })
	window = append(window, time.Time{})
	copy(window[pos+1:], window[pos:])
	window[pos] = at

	best := 0
	j := 0
	for i := 0; i <= pos; i++ {
		if j < i {
			j = i
		}
		end := window[i].Add(RateWindow)
		for j < len(window) && window[j].Before(end) {
			j++
		}
		if n := j - i; n > best {
			best = n
		}
	}
	return best
}

type policyThrottle struct {
	mu    sync.Mutex
	times []time.Time // sorted admission times
}

// MemoryThrottleStore keeps throttle state in process, one mutex per
// policy. It suits a single evaluator instance.
type MemoryThrottleStore struct {
	mu          sync.Mutex
	policies    map[string]*policyThrottle
	maxLateness time.Duration
}

// NewMemoryThrottleStore creates an in-process store. maxLateness <= 0
// selects DefaultMaxLateness.
func NewMemoryThrottleStore(maxLateness time.Duration) *MemoryThrottleStore {
	if maxLateness <= 0 {
		maxLateness = DefaultMaxLateness
	}
	return &MemoryThrottleStore{
		policies:    make(map[string]*policyThrottle),
		maxLateness: maxLateness,
	}
}

func (s *MemoryThrottleStore) state(policyID string) *policyThrottle {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.policies[policyID]
	if !ok {
		st = &policyThrottle{}
		s.policies[policyID] = st
	}
	return st
}

// Acquire implements ThrottleStore.
func (s *MemoryThrottleStore) Acquire(_ context.Context, policyID string, at time.Time, limits ThrottleLimits) (Decision, error) {
	st := s.state(policyID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if n := len(st.times); n > 0 {
		if floor := st.times[n-1].Add(-s.maxLateness); at.Before(floor) {
			at = floor
		}
	}
	if reason, ok := gate(st.times, at, limits); !ok {
		return Decision{Reason: reason, At: at}, nil
	}

	i := sort.Search(len(st.times), func(i int) bool { return st.times[i].After(at) })
	st.times = append(st.times, time.Time{})
	copy(st.times[i+1:], st.times[i:])
	st.times[i] = at

	// Entries this far behind the newest can no longer affect a decision.
	retention := limits.Throttle
	if retention < RateWindow {
		retention = RateWindow
	}
	horizon := st.times[len(st.times)-1].Add(-s.maxLateness - retention)
	drop := sort.Search(len(st.times), func(i int) bool { return !st.times[i].Before(horizon) })
	if drop > 0 {
		st.times = append(st.times[:0], st.times[drop:]...)
	}
	return Decision{Allowed: true, At: at}, nil
}

// Release implements ThrottleStore.
func (s *MemoryThrottleStore) Release(_ context.Context, policyID string, d Decision) error {
	if !d.Allowed {
		return nil
	}
	st := s.state(policyID)
	st.mu.Lock()
	defer st.mu.Unlock()
	i := sort.Search(len(st.times), func(i int) bool { return !st.times[i].Before(d.At) })
	if i < len(st.times) && st.times[i].Equal(d.At) {
		st.times = append(st.times[:i], st.times[i+1:]...)
	}
	return nil
}

// Forget implements ThrottleStore.
func (s *MemoryThrottleStore) Forget(_ context.Context, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, policyID)
	return nil
}

// Close implements ThrottleStore.
func (s *MemoryThrottleStore) Close() error {
	return nil
}
