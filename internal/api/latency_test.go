package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	w := newLatencyWindow(time.Minute)
	w.now = func() time.Time { return now }

	empty := w.summary()
	assert.Equal(t, 0, empty["count"])
	assert.Equal(t, int64(0), empty["p95Ms"])

	for i := 1; i <= 20; i++ {
		w.record(time.Duration(i) * time.Millisecond)
	}
	s := w.summary()
	assert.Equal(t, 20, s["count"])
	assert.Equal(t, int64(10), s["avgMs"])
	assert.Equal(t, int64(19), s["p95Ms"])
	assert.Equal(t, int64(20), s["maxMs"])

	now = now.Add(30 * time.Second)
	w.record(100 * time.Millisecond)
	assert.Equal(t, 21, w.summary()["count"])

	now = now.Add(45 * time.Second)
	s = w.summary()
	assert.Equal(t, 1, s["count"], "only the later sample is inside the window")
	assert.Equal(t, int64(100), s["maxMs"])
}
