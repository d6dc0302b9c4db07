package mu

import (
	"sync/atomic"
	"time"

	"github.com/llxisdsh/mu/internal/park"
)

// Waiter states. A waiter stays wQueued from enqueue until whoever
// dequeues it (an unlocker, a signaller, or its own timeout removal)
// marks it wAvailable.
const (
	wAvailable = 1 // not on any queue; owner may run
	wQueued    = 2 // on a mutex or condvar queue
)

// A waiter is one goroutine's entry in a mutex or condition variable
// queue. Records live in a process-wide arena and are addressed by
// 1-based handles so a handle fits in the state word above the flag
// byte; handle 0 is the nil link.
//
// next is atomic because the owning goroutine polls it from block while
// an unlocker rewrites it without any ordering between them. The
// remaining queue fields are written only under the queue spin bit or by
// the record's owner while the record is off every queue.
type waiter struct {
	idx   uint32        // position in the arena; fixed at allocation
	state atomic.Uint32 // wAvailable or wQueued
	next  atomic.Uint32 // circular queue link (handle), 0 when detached
	skip  uint32        // optional shortcut past same-condition run (handle)

	wake           bool // chosen to be woken by dequeueAllWakeable
	maySkip        bool // false while serving as an unlocker's scan terminator
	condWaiter     bool // queued via a Condition or CondVar
	maybeUnlocking bool // head only: an unlocker is scanning without the spin bit

	priority int    // queue insertion priority; all entry points use 0
	readers  uint64 // head only: reader count in muOne units, plus low flags
	waitp    *waitParams
	sem      park.Point

	freeNext uint32 // free-list link, separate from queue links
}

func (w *waiter) handle() uint32 { return w.idx + 1 }

// waitParams carries the arguments of one blocking call. It lives on the
// caller's stack for the duration of the call; the waiter record points
// at it only while queued.
type waitParams struct {
	how      *acquireMode
	cond     *Condition // predicate to wait for, nil for none
	deadline time.Time  // zero means wait forever
	cvMu     *Mutex     // mutex to re-acquire after a CondVar wait

	w      *waiter
	cvWord *atomic.Uint64 // when set, unlockSlow queues w here instead of waking

	contentionStart int64 // nanotime at first enqueue
}

const (
	arenaChunkSize = 256
	arenaMaxChunks = 1024
)

// waiterArena allocates waiter records. Records are never freed back to
// the runtime; released records go on a Treiber free list whose head
// carries a generation tag against ABA. Chunked growth keeps records at
// stable addresses so handles stay valid forever.
type waiterArena struct {
	free   atomic.Uint64 // generation<<32 | handle of free-list head
	grown  atomic.Uint32 // count of slots ever handed out
	chunks [arenaMaxChunks]atomic.Pointer[[arenaChunkSize]waiter]
}

var arena waiterArena

func (a *waiterArena) slot(handle uint32) *waiter {
	i := handle - 1
	return &a.chunks[i/arenaChunkSize].Load()[i%arenaChunkSize]
}

func fromHandle(h uint32) *waiter {
	if h == 0 {
		return nil
	}
	return arena.slot(h)
}

// acquire returns a reset waiter record for the duration of one blocking
// call.
func (a *waiterArena) acquire() *waiter {
	for {
		old := a.free.Load()
		h := uint32(old)
		if h == 0 {
			break
		}
		w := a.slot(h)
		next := w.freeNext
		if a.free.CompareAndSwap(old, (old>>32+1)<<32|uint64(next)) {
			w.reset()
			return w
		}
	}
	i := a.grown.Add(1) - 1
	if i >= arenaChunkSize*arenaMaxChunks {
		fatalf("mu: waiter arena exhausted: %d concurrent waiters", i)
	}
	ci := i / arenaChunkSize
	for a.chunks[ci].Load() == nil {
		a.chunks[ci].CompareAndSwap(nil, new([arenaChunkSize]waiter))
	}
	w := &a.chunks[ci].Load()[i%arenaChunkSize]
	w.idx = i
	w.reset()
	return w
}

// release returns a record to the free list. The caller must have
// verified the record is off every queue.
func (a *waiterArena) release(w *waiter) {
	if w.state.Load() == wQueued {
		fatalf("mu: releasing a queued waiter record")
	}
	for {
		old := a.free.Load()
		w.freeNext = uint32(old)
		if a.free.CompareAndSwap(old, (old>>32+1)<<32|uint64(w.handle())) {
			return
		}
	}
}

func (w *waiter) reset() {
	w.state.Store(wAvailable)
	w.next.Store(0)
	w.skip = 0
	w.wake = false
	w.maySkip = true
	w.condWaiter = false
	w.maybeUnlocking = false
	w.priority = 0
	w.readers = 0
	w.waitp = nil
	w.sem.Init()
	w.sem.Drain()
}
