package training

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestStepTimer(t *testing.T) {
	clock := &fakeClock{t: time.Unix(100, 0)}
	timer := newStepTimer(100, 10, clock.now)

	clock.t = clock.t.Add(20 * time.Second)
	if got := timer.Lap(); got != 2 {
		t.Errorf("Expected 2s/batch, got %g", got)
	}
	clock.t = clock.t.Add(5 * time.Second)
	if got := timer.Lap(); got != 0.5 {
		t.Errorf("Expected 0.5s/batch, got %g", got)
	}

	// 25s for 25 batches leaves 75 batches
	if got := timer.ETA(25); got != 75*time.Second {
		t.Errorf("Expected 75s left, got %v", got)
	}
	if got := timer.ETA(100); got != 0 {
		t.Errorf("Expected no time left after the last batch, got %v", got)
	}
}

func TestFormatting(t *testing.T) {
	if got := formatDuration(125 * time.Second); got != "02:05" {
		t.Errorf("formatDuration: got %s", got)
	}
	tests := []struct {
		count int
		want  string
	}{
		{999, "999"},
		{1500, "1.5K"},
		{2_500_000, "2.5000M"},
	}
	for _, tt := range tests {
		if got := formatParameterCount(tt.count); got != tt.want {
			t.Errorf("formatParameterCount(%d) = %s, want %s", tt.count, got, tt.want)
		}
	}
}
