// Package park implements the per-waiter blocking primitive used by the
// mu package: a single-token parking spot with optional deadlines.
//
// A Point carries at most one wake token. Post deposits a token (or wakes
// the parked goroutine); Wait consumes one, parking until it arrives or a
// deadline passes. Extra Posts collapse into the single token, and a
// leftover token only causes one spurious early return from a later Wait,
// which callers absorb by re-checking their wait condition.
package park

import "time"

// Point is one waiter's parking spot.
type Point struct {
	wake chan struct{}
}

// Init prepares the Point for use. It is idempotent.
func (p *Point) Init() {
	if p.wake == nil {
		p.wake = make(chan struct{}, 1)
	}
}

// Drain discards a stale token left by a Post that was never consumed.
func (p *Point) Drain() {
	select {
	case <-p.wake:
	default:
	}
}

// Post wakes the goroutine parked on p, or leaves a token so the next
// Wait returns immediately.
func (p *Point) Post() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Wait parks until a token arrives or the deadline passes. A zero
// deadline means wait forever. It reports false on timeout.
func (p *Point) Wait(deadline time.Time) bool {
	if deadline.IsZero() {
		<-p.wake
		return true
	}
	d := time.Until(deadline)
	if d <= 0 {
		select {
		case <-p.wake:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.wake:
		return true
	case <-t.C:
		return false
	}
}
