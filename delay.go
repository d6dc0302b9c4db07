package mu

import (
	"runtime"
	"time"
	_ "unsafe" // for linkname

	"github.com/llxisdsh/mu/internal/opt"
)

type delayMode int

const (
	// gentle is for waiters: someone else holds the resource and will
	// eventually hand it over.
	gentle delayMode = iota
	// aggressive is for a thread that must acquire the queue spin bit
	// before anyone else can make progress at all.
	aggressive
)

// Spin and backoff tuning. On a single CPU spinning is skipped
// entirely.
var globals = struct {
	multicore           bool
	spinloopIterations  int
	gentleSpinLimit     int
	aggressiveSpinLimit int
	delaySleep          time.Duration
	_                   [opt.CacheLineSize_]byte
}{
	multicore:           runtime.NumCPU() > 1,
	spinloopIterations:  1500,
	gentleSpinLimit:     8,
	aggressiveSpinLimit: 160,
	delaySleep:          10 * time.Microsecond,
}

// delay performs iteration c of a spin/yield/sleep backoff and returns
// the iteration count to use next time.
func delay(c int, mode delayMode) int {
	limit := 0
	if globals.multicore {
		limit = globals.gentleSpinLimit
		if mode == aggressive {
			limit = globals.aggressiveSpinLimit
		}
	}
	switch {
	case c < limit:
		runtime_doSpin()
		return c + 1
	case c == limit:
		runtime.Gosched()
		return c + 1
	default:
		time.Sleep(globals.delaySleep)
		return 0
	}
}

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
func runtime_doSpin()

// nolint:all
//
//go:linkname nanotime runtime.nanotime
func nanotime() int64
