package pipeline

import (
	"time"
)

const fpsWindow = 30

// Stats counts what the frame loop has seen. Updated and read from the loop goroutine only.
type Stats struct {
	Frames          int
	Faces           int
	Recognized      int
	Skipped         int
	Enrollments     int
	DroppedPresses  int
	SentinelDigests int
	Errors          int

	now   func() time.Time
	ticks []time.Time
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{now: time.Now}
}

// Observe folds one processed frame into the counters.
func (s *Stats) Observe(f Frame, err error) {
	s.Frames++
	if err != nil {
		s.Errors++
	}
	if f.Face {
		s.Faces++
	}
	if f.Skipped != "" {
		s.Skipped++
	}
	if f.Recognized() {
		s.Recognized++
	}
	if f.Enrolled >= 0 {
		s.Enrollments++
	}
	if f.DroppedPress {
		s.DroppedPresses++
	}
	if f.DigestErr != nil {
		s.SentinelDigests++
	}

	s.ticks = append(s.ticks, s.now())
	if len(s.ticks) > fpsWindow {
		s.ticks = s.ticks[len(s.ticks)-fpsWindow:]
	}
}

// FPS is the frame rate over the last few frames, 0 until two frames were seen.
func (s *Stats) FPS() float64 {
	if len(s.ticks) < 2 {
		return 0
	}
	span := s.ticks[len(s.ticks)-1].Sub(s.ticks[0])
	if span <= 0 {
		return 0
	}
	return float64(len(s.ticks)-1) / span.Seconds()
}
