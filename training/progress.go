package training

import (
	"fmt"
	"time"
)

// StepTimer measures seconds per batch over a logging interval and projects
// the time left in an epoch.
type StepTimer struct {
	total    int
	interval int
	start    time.Time
	mark     time.Time
	now      func() time.Time
}

// NewStepTimer creates a timer for an epoch of total batches, logged every
// interval batches.
func NewStepTimer(total, interval int) *StepTimer {
	return newStepTimer(total, interval, time.Now)
}

func newStepTimer(total, interval int, now func() time.Time) *StepTimer {
	t := now()
	return &StepTimer{
		total:    total,
		interval: max(interval, 1),
		start:    t,
		mark:     t,
		now:      now,
	}
}

// Lap returns the time since the previous lap divided by the interval, in
// seconds, and starts a new lap. The first lap of an epoch covers a single
// batch but is still divided by the full interval.
func (s *StepTimer) Lap() float64 {
	t := s.now()
	d := t.Sub(s.mark).Seconds() / float64(s.interval)
	s.mark = t
	return d
}

// ETA extrapolates the remaining epoch time after done batches.
func (s *StepTimer) ETA(done int) time.Duration {
	if done <= 0 || done >= s.total {
		return 0
	}
	elapsed := s.now().Sub(s.start)
	return time.Duration(float64(elapsed) / float64(done) * float64(s.total-done))
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.4fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
