// Package timewindow implements the bounded-time sliding sample buffer
// shared by the smartmeter, inverter and hub models.
package timewindow

import (
	"sync"
	"time"
)

// Sample is a single (timestamp, value) observation.
type Sample struct {
	At    time.Time
	Value float64
}

// Window is an ordered sequence of Samples bounded to a fixed duration.
// Every Add evicts samples older than the window width from the head.
type Window struct {
	mu      sync.Mutex
	samples []Sample
	width   time.Duration
}

// New returns a Window that retains samples no older than width.
func New(width time.Duration) *Window {
	return &Window{width: width}
}

// Add appends v with the current time and evicts stale samples.
func (w *Window) Add(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.samples = append(w.samples, Sample{At: now, Value: v})
	w.evictLocked(now)
}

func (w *Window) evictLocked(now time.Time) {
	i := 0
	for i < len(w.samples) && now.Sub(w.samples[i].At) > w.width {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// Len returns the number of retained samples.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

// Avg is the arithmetic mean, 0 if empty.
func (w *Window) Avg() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.samples)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.samples {
		sum += s.Value
	}
	return sum / float64(n)
}

// WAvg is the linearly weighted moving average: weight i+1 for the i-th
// oldest sample, so more recent samples count more.
func (w *Window) WAvg() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.samples)
	if n == 0 {
		return 0
	}
	var sum float64
	for i, s := range w.samples {
		sum += s.Value * float64(i+1)
	}
	denom := float64(n*(n+1)) / 2
	return sum / denom
}

// QWAvg is the quadratically weighted moving average: weight (i+1)^2.
func (w *Window) QWAvg() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.samples)
	if n == 0 {
		return 0
	}
	var sum float64
	for i, s := range w.samples {
		weight := float64(i+1) * float64(i+1)
		sum += s.Value * weight
	}
	denom := float64(n*(n+1)*(2*n+1)) / 6
	return sum / denom
}

// Last returns the most recent sample value, 0 if empty.
func (w *Window) Last() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return 0
	}
	return w.samples[len(w.samples)-1].Value
}

// Previous returns the second-most-recent sample value, 0 if unavailable.
func (w *Window) Previous() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < 2 {
		return 0
	}
	return w.samples[len(w.samples)-2].Value
}

// Clear discards all but the most recent sample.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return
	}
	w.samples = w.samples[len(w.samples)-1:]
}

// Populate replaces history with one sample per second going back
// duration, all equal to value. Used to bootstrap fast-response
// behavior after a detected rapid change so the moving average tracks
// the new level immediately instead of over the next window width.
func (w *Window) Populate(duration time.Duration, value float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	seconds := int(duration / time.Second)
	samples := make([]Sample, 0, seconds+1)
	for s := seconds; s >= 0; s-- {
		samples = append(samples, Sample{At: now.Add(-time.Duration(s) * time.Second), Value: value})
	}
	w.samples = samples
	w.evictLocked(now)
}

// minPredictSamples is the minimum number of points required to fit a
// regression line; below this Predict falls back to Last.
const minPredictSamples = 5

// Predict fits a simple linear regression of value over sample index
// across the last available samples and returns the value at the next
// index. With fewer than minPredictSamples points it returns Last().
func (w *Window) Predict() float64 {
	w.mu.Lock()
	samples := append([]Sample(nil), w.samples...)
	w.mu.Unlock()

	n := len(samples)
	if n < minPredictSamples {
		if n == 0 {
			return 0
		}
		return samples[n-1].Value
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, s := range samples {
		x := float64(i)
		sumX += x
		sumY += s.Value
		sumXY += x * s.Value
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return samples[n-1].Value
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn
	nextX := float64(n)
	return slope*nextX + intercept
}
