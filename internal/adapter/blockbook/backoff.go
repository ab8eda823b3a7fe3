package blockbook

import "time"

const (
	stepOffInitialDelay = 1 * time.Second
	stepOffMaxDelay     = 60 * time.Second
	stepOffGrace        = 3 * time.Second
)

// stepOffBackoff implements the block connection's reconnect delay rule: if
// a reconnect happens within currentDelay+3s of the previous one, the delay
// doubles (capped at 60s); otherwise it resets to 1s. Zero value is ready
// to use.
type stepOffBackoff struct {
	currentDelay   time.Duration
	lastReconnect  time.Time
	hasReconnected bool
}

// Next reports the delay to wait before the next reconnect attempt,
// evaluated as of now, and records this reconnect as "the previous one" for
// the following call.
func (b *stepOffBackoff) Next(now time.Time) time.Duration {
	if !b.hasReconnected {
		b.hasReconnected = true
		b.currentDelay = stepOffInitialDelay
		b.lastReconnect = now
		return b.currentDelay
	}

	if now.Sub(b.lastReconnect) <= b.currentDelay+stepOffGrace {
		b.currentDelay *= 2
		if b.currentDelay > stepOffMaxDelay {
			b.currentDelay = stepOffMaxDelay
		}
	} else {
		b.currentDelay = stepOffInitialDelay
	}
	b.lastReconnect = now
	return b.currentDelay
}
