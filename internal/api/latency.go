package api

import (
	"slices"
	"sync"
	"time"
)

// latencyWindow keeps request latencies of the last window so /stats can
// report recent figures next to the lifetime average.
type latencyWindow struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	samples []latencySample
}

type latencySample struct {
	at      time.Time
	latency time.Duration
}

func newLatencyWindow(window time.Duration) *latencyWindow {
	return &latencyWindow{
		window:  window,
		now:     time.Now,
		samples: make([]latencySample, 0, 128),
	}
}

func (w *latencyWindow) record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, latencySample{at: w.now(), latency: d})
	w.expire()
}

// expire drops samples older than the window. Samples are appended in time
// order, so they are always trimmed from the front.
func (w *latencyWindow) expire() {
	cutoff := w.now().Add(-w.window)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = slices.Delete(w.samples, 0, i)
	}
}

// summary returns count, mean, p95 and max over the window, in milliseconds.
func (w *latencyWindow) summary() map[string]any {
	w.mu.Lock()
	w.expire()
	ms := make([]int64, len(w.samples))
	for i, s := range w.samples {
		ms[i] = s.latency.Milliseconds()
	}
	w.mu.Unlock()

	out := map[string]any{
		"windowSec": int(w.window.Seconds()),
		"count":     len(ms),
		"avgMs":     int64(0),
		"p95Ms":     int64(0),
		"maxMs":     int64(0),
	}
	if len(ms) == 0 {
		return out
	}
	slices.Sort(ms)
	var total int64
	for _, v := range ms {
		total += v
	}
	out["avgMs"] = total / int64(len(ms))
	out["p95Ms"] = ms[(len(ms)*95+99)/100-1]
	out["maxMs"] = ms[len(ms)-1]
	return out
}
