package gateway

import (
	"sync"
	"time"
)

// answerWindow tracks how long the pipeline took to answer, over a sliding
// window. Only samples inside the window count toward the average.
type answerWindow struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	samples []answerSample
	failed  int64
}

type answerSample struct {
	at      time.Time
	elapsed time.Duration
}

func newAnswerWindow(window time.Duration) *answerWindow {
	return &answerWindow{
		window:  window,
		now:     time.Now,
		samples: make([]answerSample, 0, 128),
	}
}

// Record adds one answered request.
func (w *answerWindow) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, answerSample{at: w.now(), elapsed: d})
}

// Fail counts a request that got no answer.
func (w *answerWindow) Fail() {
	w.mu.Lock()
	w.failed++
	w.mu.Unlock()
}

// Snapshot returns the average and maximum answer time in milliseconds and
// the sample count inside the window, plus the lifetime failure count.
func (w *answerWindow) Snapshot() (avgMs, maxMs, count, failed int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	start := 0
	for start < len(w.samples) && w.samples[start].at.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.samples = append(w.samples[:0], w.samples[start:]...)
	}

	if len(w.samples) == 0 {
		return 0, 0, 0, w.failed
	}
	var total int64
	for _, s := range w.samples {
		ms := s.elapsed.Milliseconds()
		total += ms
		if ms > maxMs {
			maxMs = ms
		}
	}
	count = int64(len(w.samples))
	return total / count, maxMs, count, w.failed
}
