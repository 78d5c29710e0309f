package transport

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

// fillWindow rolls the monitor's sample window n times with windows whose
// maximum reply time is max.
func fillWindow(mock *clock.Mock, m *RequestMonitor, n int, max time.Duration) {
	for i := 0; i < n; i++ {
		mock.Add(windowUpdateInterval + time.Second)
		for j := 0; j < windowUpdateSampleSize; j++ {
			m.AddReplyTime(max)
		}
	}
}

func TestMonitorWindowRoll(t *testing.T) {
	mock := clock.NewMock()
	m := NewRequestMonitor(mock)

	// Replies alone do not roll the window; wall time must pass too.
	for i := 0; i < windowUpdateSampleSize*2; i++ {
		m.AddReplyTime(100 * time.Millisecond)
	}
	assert.Empty(t, m.samples)

	// Time plus the reply quota rolls the current maximum into the window.
	mock.Add(windowUpdateInterval + time.Second)
	m.AddReplyTime(250 * time.Millisecond)
	assert.Equal(t, []float64{250}, m.samples)

	// Time alone is not enough without the reply quota.
	mock.Add(windowUpdateInterval + time.Second)
	m.AddReplyTime(300 * time.Millisecond)
	assert.Equal(t, []float64{250}, m.samples)
}

func TestMonitorWindowKeepsLastTenMaxima(t *testing.T) {
	mock := clock.NewMock()
	m := NewRequestMonitor(mock)

	for i := 1; i <= windowSize+2; i++ {
		fillWindow(mock, m, 1, time.Duration(i)*time.Millisecond)
	}

	assert.Len(t, m.samples, windowSize)
	assert.Equal(t, float64(3), m.samples[0]) // two oldest rolled out
	assert.Equal(t, float64(windowSize+2), m.samples[windowSize-1])
}

func TestMonitorNotTimedOutBeforeWindowFull(t *testing.T) {
	mock := clock.NewMock()
	m := NewRequestMonitor(mock)

	fillWindow(mock, m, windowSize-1, 10*time.Millisecond)
	assert.False(t, m.IsTimedOut(time.Hour))
}

// The φ computation requires minSamples (25) observations but the window
// holds at most 10, so the detector can never trip even with a full window;
// adaptive requests time out only via the MaxTimeout cap. This pins that
// behavior.
func TestMonitorPhiWindowNeverTrips(t *testing.T) {
	mock := clock.NewMock()
	m := NewRequestMonitor(mock)

	fillWindow(mock, m, windowSize, 10*time.Millisecond)
	assert.Len(t, m.samples, windowSize)
	assert.False(t, m.IsTimedOut(time.Hour))
}

func TestComputePhi(t *testing.T) {
	samples := make([]float64, windowSize)
	for i := range samples {
		samples[i] = 100 // ms
	}

	// 12·ln10·mean ≈ 27.6·mean is the tipping point.
	assert.GreaterOrEqual(t, computePhi(samples, 3*time.Second), float64(phiFailureThreshold))
	assert.Less(t, computePhi(samples, 50*time.Millisecond), float64(1))

	assert.Equal(t, float64(100), computePhi(nil, time.Second))
	assert.Equal(t, float64(100), computePhi([]float64{0, 0}, time.Second))
}
