package blockbook

import (
	"testing"
	"time"
)

func TestStepOffBackoffFirstReconnect(t *testing.T) {
	var b stepOffBackoff
	got := b.Next(time.Unix(0, 0))
	if got != stepOffInitialDelay {
		t.Errorf("first delay = %v, want %v", got, stepOffInitialDelay)
	}
}

func TestStepOffBackoffDoublesWithinGrace(t *testing.T) {
	var b stepOffBackoff
	t0 := time.Unix(0, 0)
	b.Next(t0)
	// Reconnect again well within currentDelay(1s)+grace(3s).
	got := b.Next(t0.Add(2 * time.Second))
	if got != 2*time.Second {
		t.Errorf("second delay = %v, want %v", got, 2*time.Second)
	}
	got = b.Next(t0.Add(4 * time.Second))
	if got != 4*time.Second {
		t.Errorf("third delay = %v, want %v", got, 4*time.Second)
	}
}

func TestStepOffBackoffCapsAt60s(t *testing.T) {
	var b stepOffBackoff
	now := time.Unix(0, 0)
	delay := b.Next(now)
	for i := 0; i < 10; i++ {
		now = now.Add(delay)
		delay = b.Next(now)
	}
	if delay != stepOffMaxDelay {
		t.Errorf("delay = %v, want capped at %v", delay, stepOffMaxDelay)
	}
}

func TestStepOffBackoffResetsAfterQuietPeriod(t *testing.T) {
	var b stepOffBackoff
	t0 := time.Unix(0, 0)
	b.Next(t0)
	b.Next(t0.Add(2 * time.Second))

	// Long gap outside currentDelay+grace resets to 1s.
	got := b.Next(t0.Add(1 * time.Hour))
	if got != stepOffInitialDelay {
		t.Errorf("delay after quiet period = %v, want reset to %v", got, stepOffInitialDelay)
	}
}
