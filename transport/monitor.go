package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// RequestMonitor tracks reply-time history for one subject and feeds the
// φ-accrual timeout detector.
//
// Rather than sampling every reply, the monitor records the maximum reply
// time seen per window: after windowUpdateSampleSize replies and more than
// windowUpdateInterval since the last roll, the current maximum is pushed
// into a windowSize-element ring and the counters reset. φ compares an
// in-flight request's elapsed time against the mean of those maxima.
type RequestMonitor struct {
	clock clock.Clock

	max        atomic.Int64 // max reply time (ns) in the current window
	replyCount atomic.Int32
	lastUpdate atomic.Int64 // unix ns of the last window roll

	mu      sync.Mutex
	samples []float64 // window maxima in ms, oldest first, ≤ windowSize
}

// NewRequestMonitor creates a monitor reading time from clk.
func NewRequestMonitor(clk clock.Clock) *RequestMonitor {
	m := &RequestMonitor{clock: clk}
	m.lastUpdate.Store(clk.Now().UnixNano())
	return m
}

// AddReplyTime records one observed reply time, rolling the sample window
// when enough replies and enough wall time have accumulated.
func (m *RequestMonitor) AddReplyTime(replyTime time.Duration) {
	ns := int64(replyTime)
	for {
		cur := m.max.Load()
		if ns <= cur || m.max.CompareAndSwap(cur, ns) {
			break
		}
	}
	count := m.replyCount.Add(1)

	if count >= windowUpdateSampleSize && m.sinceLastUpdate() > windowUpdateInterval {
		m.mu.Lock()
		if m.replyCount.Load() >= windowUpdateSampleSize && m.sinceLastUpdate() > windowUpdateInterval {
			lastMax := m.max.Load()
			if lastMax > 0 {
				if len(m.samples) == windowSize {
					m.samples = append(m.samples[1:len(m.samples):len(m.samples)], durationMillis(time.Duration(lastMax)))
				} else {
					m.samples = append(m.samples, durationMillis(time.Duration(lastMax)))
				}
				m.lastUpdate.Store(m.clock.Now().UnixNano())
				m.replyCount.Store(0)
				m.max.Store(0)
			}
		}
		m.mu.Unlock()
	}
}

// IsTimedOut reports whether a request alive for elapsed should be declared
// timed out. The window must be full before the detector is consulted at
// all; see the minSamples note in transport.go for why the φ branch is
// currently unreachable.
func (m *RequestMonitor) IsTimedOut(elapsed time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples) == windowSize && m.phiLocked(elapsed) >= phiFailureThreshold
}

func (m *RequestMonitor) phiLocked(elapsed time.Duration) float64 {
	if len(m.samples) < minSamples {
		return 0.0
	}
	return computePhi(m.samples, elapsed)
}

// computePhi returns the suspicion value for elapsed against the sample
// mean; an empty or zero-mean window yields 100.
func computePhi(samples []float64, elapsed time.Duration) float64 {
	if len(samples) == 0 {
		return 100
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))
	if mean == 0 {
		return 100
	}
	return phiFactor * durationMillis(elapsed) / mean
}

func (m *RequestMonitor) sinceLastUpdate() time.Duration {
	return m.clock.Now().Sub(time.Unix(0, m.lastUpdate.Load()))
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
