package apn

import (
	"time"

	"github.com/markus-lassfolk/celldata/pkg"
)

// RetryScene tells the delay policy why a retry is being scheduled
type RetryScene int

const (
	SceneConnectFailed RetryScene = iota
	SceneLostConnection
	SceneRatChanged
)

func (s RetryScene) String() string {
	switch s {
	case SceneLostConnection:
		return "lost_connection"
	case SceneRatChanged:
		return "rat_changed"
	default:
		return "connect_failed"
	}
}

// Retry defaults
const (
	DefaultMaxTryCount = 5
	DefaultRetryBase   = 2 * time.Second
	DefaultRetryMax    = 2 * time.Minute
)

// DelayFunc computes the delay before retry number attempt (starting at 1).
// Returning false means no further retries should be scheduled.
type DelayFunc func(attempt int, cause pkg.PdpCause, suggested time.Duration, scene RetryScene) (time.Duration, bool)

// ExponentialDelay returns a DelayFunc doubling base on every attempt up to maxDelay.
// A positive operator suggested time wins; a negative one or a terminal cause stops.
func ExponentialDelay(base, maxDelay time.Duration) DelayFunc {
	return func(attempt int, cause pkg.PdpCause, suggested time.Duration, scene RetryScene) (time.Duration, bool) {
		if pkg.IsTerminalCause(cause) || suggested < 0 {
			return 0, false
		}
		if suggested > 0 {
			return suggested, true
		}
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt && d < maxDelay; i++ {
			d *= 2
		}
		if d > maxDelay {
			d = maxDelay
		}
		return d, true
	}
}

// DefaultDelay is the policy used when none is configured
var DefaultDelay = ExponentialDelay(DefaultRetryBase, DefaultRetryMax)

// RetryPolicy walks the matched candidate list of a holder. Each candidate
// is handed out up to maxCount times in a row before moving to the next one;
// bad candidates are skipped.
type RetryPolicy struct {
	candidates []*Item
	index      int
	tryCount   int
	maxCount   int
	attempt    int
	delay      DelayFunc
}

// NewRetryPolicy creates a policy using DefaultDelay
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{index: -1, maxCount: DefaultMaxTryCount, delay: DefaultDelay}
}

// SetDelayFunc replaces the delay policy. A nil f restores DefaultDelay.
func (r *RetryPolicy) SetDelayFunc(f DelayFunc) {
	if f == nil {
		f = DefaultDelay
	}
	r.delay = f
}

// SetMaxCount sets how many times in a row one candidate may be used
func (r *RetryPolicy) SetMaxCount(n int) {
	if n > 0 {
		r.maxCount = n
	}
}

// SetMatchedApns replaces the candidate list. The walk restarts when the
// list differs from the current one.
func (r *RetryPolicy) SetMatchedApns(items []*Item) {
	if SameItems(r.candidates, items) {
		return
	}
	r.candidates = append([]*Item(nil), items...)
	r.index = -1
	r.tryCount = 0
}

// MatchedApns returns the candidate list
func (r *RetryPolicy) MatchedApns() []*Item {
	return r.candidates
}

// ClearMatchedApns empties the candidate list
func (r *RetryPolicy) ClearMatchedApns() {
	r.candidates = nil
	r.index = -1
	r.tryCount = 0
}

// GetNextRetryApnItem returns the candidate to use for the next attempt or
// nil when every candidate is bad.
func (r *RetryPolicy) GetNextRetryApnItem() *Item {
	n := len(r.candidates)
	if n == 0 {
		return nil
	}
	if r.index >= 0 && r.index < n && r.tryCount < r.maxCount && !r.candidates[r.index].IsBadApn() {
		r.tryCount++
		return r.candidates[r.index]
	}
	for step := 1; step <= n; step++ {
		idx := (r.index + step) % n
		if idx < 0 {
			idx += n
		}
		if r.candidates[idx].IsBadApn() {
			continue
		}
		r.index = idx
		r.tryCount = 1
		return r.candidates[idx]
	}
	return nil
}

// GetNextRetryDelay advances the attempt counter and asks the delay policy
func (r *RetryPolicy) GetNextRetryDelay(cause pkg.PdpCause, suggested time.Duration, scene RetryScene) (time.Duration, bool) {
	r.attempt++
	return r.delay(r.attempt, cause, suggested, scene)
}

// InitialRetryCount resets the back-off after a successful connection
func (r *RetryPolicy) InitialRetryCount() {
	r.attempt = 0
	r.tryCount = 0
}

// Attempts returns the number of delays handed out since the last reset
func (r *RetryPolicy) Attempts() int {
	return r.attempt
}

// SameItems reports whether two candidate lists hold the same items in order
func SameItems(a, b []*Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
