// throttle.go implements per-target adaptive pacing for background refresh
// calls. The ESXi endpoint is the feedback source: explicit timeout values
// in its error messages teach the throttle how many requests the host
// sustains per window, and overload errors without a hint fall back to
// doubling. Successes decay the delay back toward delayMin.
package refresh

import (
	"log"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	// requestWindow is how long request timestamps are retained.
	requestWindow = 60 * time.Second

	// recentRateWindow is the lookback for rate-based backoff when an
	// error carries no timeout hint.
	recentRateWindow = 10 * time.Second

	// maxHistorySize bounds the timeout-feedback ring.
	maxHistorySize = 10

	// safetyMargin keeps the learned request rate 20% under the measured
	// sustainable rate.
	safetyMargin = 0.8
)

// timeoutHintRe extracts an explicit timeout value from an ESXi error
// message, e.g. "HTTPSConnectionPool: connect timeout=30".
var timeoutHintRe = regexp.MustCompile(`(?i)timeout[=\s]+(\d+(?:\.\d+)?)`)

// parseTimeoutHint returns the timeout encoded in an error message, in
// seconds, if present.
func parseTimeoutHint(msg string) (float64, bool) {
	m := timeoutHintRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// timeoutSample is one observation of how many requests were in flight
// within a reported timeout window.
type timeoutSample struct {
	timeoutSec float64
	requests   int
	elapsedSec float64
}

// Throttle holds the adaptive delay state for a single target. All methods
// are safe for concurrent use.
type Throttle struct {
	min time.Duration
	max time.Duration

	mu                sync.Mutex
	delay             time.Duration
	consecutiveErrors int
	timestamps        []time.Time
	history           []timeoutSample

	nowFunc func() time.Time
}

func newThrottle(min, max time.Duration) *Throttle {
	return &Throttle{
		min:     min,
		max:     max,
		delay:   min,
		nowFunc: time.Now,
	}
}

// Delay returns the current inter-batch delay.
func (t *Throttle) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

// ConsecutiveErrors returns the current error streak length.
func (t *Throttle) ConsecutiveErrors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveErrors
}

// Track records a request timestamp in the sliding window.
func (t *Throttle) Track() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	t.pruneLocked(now)
	t.timestamps = append(t.timestamps, now)
}

// pruneLocked drops timestamps older than requestWindow.
func (t *Throttle) pruneLocked(now time.Time) {
	cutoff := now.Add(-requestWindow)
	kept := t.timestamps[:0]
	for _, ts := range t.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.timestamps = kept
}

// AdjustOnError raises the delay in response to an overload error. When the
// message carries an explicit timeout the delay is derived from measured
// request history; otherwise the delay doubles.
func (t *Throttle) AdjustOnError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveErrors++

	if timeoutSec, ok := parseTimeoutHint(msg); ok {
		t.delay = t.optimalDelayLocked(timeoutSec)
		return
	}

	// No hint: fall back to doubling. The recent request rate distinguishes
	// genuine overload from a host that is simply unhealthy.
	now := t.nowFunc()
	recent := 0
	for _, ts := range t.timestamps {
		if ts.After(now.Add(-recentRateWindow)) {
			recent++
		}
	}
	prev := t.delay
	t.delay = t.clamp(t.delay * 2)
	if recent >= 2 {
		log.Printf("throttle: %d requests in last %s, backing off %s -> %s", recent, recentRateWindow, prev, t.delay)
	} else {
		log.Printf("throttle: overload without timeout hint, backing off %s -> %s", prev, t.delay)
	}
}

// optimalDelayLocked derives a delay from the reported timeout and the
// request history: sustainable throughput is estimated as 80% of the
// average requests observed per timeout window, after discarding outlier
// samples beyond 3x the median timeout.
func (t *Throttle) optimalDelayLocked(timeoutSec float64) time.Duration {
	now := t.nowFunc()
	if len(t.timestamps) < 2 {
		return t.clamp(secToDuration(timeoutSec))
	}

	windowStart := now.Add(-secToDuration(timeoutSec))
	var recent []time.Time
	for _, ts := range t.timestamps {
		if ts.After(windowStart) {
			recent = append(recent, ts)
		}
	}
	if len(recent) == 0 {
		return t.clamp(secToDuration(timeoutSec))
	}

	t.history = append(t.history, timeoutSample{
		timeoutSec: timeoutSec,
		requests:   len(recent),
		elapsedSec: now.Sub(recent[0]).Seconds(),
	})
	if len(t.history) > maxHistorySize {
		t.history = t.history[1:]
	}

	if len(t.history) >= 3 {
		timeouts := make([]float64, len(t.history))
		for i, h := range t.history {
			timeouts[i] = h.timeoutSec
		}
		sort.Float64s(timeouts)
		median := timeouts[len(timeouts)/2]

		kept := t.history[:0]
		for _, h := range t.history {
			if h.timeoutSec <= median*3 {
				kept = append(kept, h)
			}
		}
		t.history = kept
	}

	if len(t.history) == 0 {
		return t.clamp(secToDuration(timeoutSec))
	}

	var sumReq float64
	for _, h := range t.history {
		sumReq += float64(h.requests)
	}
	avgReq := sumReq / float64(len(t.history))

	safeReq := int(avgReq * safetyMargin)
	if safeReq < 1 {
		safeReq = 1
	}
	return t.clamp(secToDuration(timeoutSec / float64(safeReq)))
}

// AdjustOnSuccess resets the error streak and decays the delay: slowly (5%)
// when enough timeout history exists to trust the learned optimum, faster
// (10%) when still probing.
func (t *Throttle) AdjustOnSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveErrors = 0

	factor := 0.90
	if len(t.history) >= 3 {
		factor = 0.95
	}
	t.delay = t.clamp(time.Duration(float64(t.delay) * factor))
}

// clamp bounds d to [min, max].
func (t *Throttle) clamp(d time.Duration) time.Duration {
	if d < t.min {
		return t.min
	}
	if d > t.max {
		return t.max
	}
	return d
}

func secToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
