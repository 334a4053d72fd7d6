package callqueue

import (
	"sync"
	"time"

	"github.com/dennisdiepolder/livecall/internal/types"
)

// SLTracker tracks the share of calls answered within the threshold.
// Counts are per process and reset on restart.
type SLTracker struct {
	mu            sync.Mutex
	threshold     time.Duration
	answeredInSL  int
	totalAnswered int
}

// NewSLTracker creates a tracker. A non-positive threshold defaults to 20s.
func NewSLTracker(threshold time.Duration) *SLTracker {
	if threshold <= 0 {
		threshold = 20 * time.Second
	}
	return &SLTracker{threshold: threshold}
}

// RecordAnswer records a call being assigned after waiting wait
func (s *SLTracker) RecordAnswer(wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalAnswered++
	if wait <= s.threshold {
		s.answeredInSL++
	}
}

// CurrentSL returns the current service level percentage
func (s *SLTracker) CurrentSL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSL()
}

func (s *SLTracker) currentSL() float64 {
	if s.totalAnswered == 0 {
		return 100.0 // No calls answered yet, SL is 100%
	}
	return float64(s.answeredInSL) / float64(s.totalAnswered) * 100.0
}

// Snapshot returns a ServiceLevel snapshot
func (s *SLTracker) Snapshot() types.ServiceLevel {
	s.mu.Lock()
	defer s.mu.Unlock()

	return types.ServiceLevel{
		ThresholdSecs: int(s.threshold / time.Second),
		AnsweredInSL:  s.answeredInSL,
		TotalAnswered: s.totalAnswered,
		CurrentSL:     s.currentSL(),
	}
}
