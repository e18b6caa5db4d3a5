// Package ratelimiter provides the in-process sliding-window limiter that
// guards calls to the verification vendor, plus a Redis-backed token bucket
// that caps the shared request rate across worker processes.
package ratelimiter

import (
	"sync"
	"time"
)

// SlidingWindow enforces "at most N requests per window W" by remembering
// the timestamp of every request made within the last W and blocking
// Wait() until the oldest one ages out. It is never shared across jobs: the
// orchestrator constructs one per job run (see package orchestrator).
type SlidingWindow struct {
	mu         sync.Mutex
	window     time.Duration
	maxPerWin  int
	buffer     time.Duration
	timestamps []time.Time

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
	// sleep is overridable in tests; defaults to time.Sleep.
	sleep func(time.Duration)
}

// New constructs a SlidingWindow allowing maxPerWindow requests per window,
// with a small buffer added on top of the window when a caller must wait
// for the oldest timestamp to expire (avoids waking up a few milliseconds
// too early and immediately re-blocking).
func New(maxPerWindow int, window time.Duration, buffer time.Duration) *SlidingWindow {
	return &SlidingWindow{
		window:    window,
		maxPerWin: maxPerWindow,
		buffer:    buffer,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// Wait blocks, if necessary, until another request is allowed under the
// sliding window, then records this request's timestamp.
func (s *SlidingWindow) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()

	if len(s.timestamps) >= s.maxPerWin {
		oldest := s.timestamps[0]
		wait := s.window - s.now().Sub(oldest) + s.buffer
		if wait > 0 {
			s.mu.Unlock()
			s.sleep(wait)
			s.mu.Lock()
		}
		s.purgeLocked()
	}

	s.timestamps = append(s.timestamps, s.now())
}

// purgeLocked drops timestamps older than the window. Callers must hold mu.
func (s *SlidingWindow) purgeLocked() {
	now := s.now()
	cutoff := 0
	for cutoff < len(s.timestamps) && now.Sub(s.timestamps[cutoff]) >= s.window {
		cutoff++
	}
	if cutoff > 0 {
		s.timestamps = s.timestamps[cutoff:]
	}
}

// InFlight reports how many timestamps currently fall inside the window,
// for metrics/diagnostics.
func (s *SlidingWindow) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	return len(s.timestamps)
}
