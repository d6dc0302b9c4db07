package mu

// Layout of the Mutex state word. The low byte holds flags. The bits
// above it hold either the reader count, in units of muOne, or the
// handle of the waiter-queue head; the head interpretation applies
// exactly while muWait is set, and once a waiter is queued the
// authoritative reader count lives in the head waiter's record instead.
//
// muWrWait implies muWait. muReader and muWriter are never set together.
const (
	muReader = uint64(0x0001) // a reader holds the lock
	muDesig  = uint64(0x0002) // a former waiter has been woken and not yet settled
	muWait   = uint64(0x0004) // waiters are queued
	muWriter = uint64(0x0008) // the writer holds the lock
	muEvent  = uint64(0x0010) // events are being recorded for this mutex
	muWrWait = uint64(0x0020) // a runnable writer is waiting for readers to drain
	muSpin   = uint64(0x0040) // spinlock bit guarding the waiter queue

	muLow  = uint64(0x00ff)
	muHigh = ^muLow

	muOne = uint64(0x0100) // a count of one reader
)

// Flags passed to enqueue and the lock slow paths.
const (
	muHasBlocked = 0x01 // this thread has already blocked; must be 0x01
	muIsCond     = 0x02 // conditional waiter (Condition or CondVar)
)

// acquireMode bundles the masks that distinguish an exclusive acquire
// from a shared one, so one slow path serves both.
type acquireMode struct {
	// The lock can be acquired directly by or-ing fastOr and adding
	// fastAdd, provided every bit in fastNeedZero is zero.
	fastNeedZero uint64
	fastOr       uint64
	fastAdd      uint64

	// fastNeedZero minus the event bit, for slow paths that post events
	// themselves.
	slowNeedZero uint64

	// A reader can join an already reader-held lock whose count lives in
	// the head waiter when every bit in slowIncNeedZero is zero; for
	// writers this is never possible. muWrWait may be masked out of it
	// for a reader that has already blocked once.
	slowIncNeedZero uint64
}

var sharedMode = &acquireMode{
	fastNeedZero:    muWriter | muWait | muEvent,
	fastOr:          muReader,
	fastAdd:         muOne,
	slowNeedZero:    muWriter | muWait,
	slowIncNeedZero: muSpin | muWriter | muWrWait,
}

var exclusiveMode = &acquireMode{
	fastNeedZero:    muWriter | muReader | muEvent,
	fastOr:          muWriter,
	fastAdd:         0,
	slowNeedZero:    muWriter | muReader,
	slowIncNeedZero: ^uint64(0),
}

// zapDesigWaker[flags&muHasBlocked] clears the designated-waker flag
// when the thread settling into the lock has blocked before: it may
// itself be the designated waker and must give the role up.
var zapDesigWaker = [2]uint64{^uint64(0), ^muDesig}

// ignoreWaitingWriters[flags&muHasBlocked] lets a reader that has
// already blocked once acquire even while a writer waits, so the
// writer-preference rule cannot starve it a second time.
var ignoreWaitingWriters = [2]uint64{^uint64(0), ^muWrWait}

// checkStateWord aborts on state no valid operation sequence produces.
// Such a word means the Mutex was copied, freed while in use, or
// overwritten by stray writes.
func checkStateWord(v uint64, label string) {
	if v&(muWriter|muReader) == muWriter|muReader {
		fatalf("%s: mutex corrupt: reader and writer both held: %#x", label, v)
	}
	if v&(muWait|muWrWait) == muWrWait {
		fatalf("%s: mutex corrupt: waiting writer with no waiters: %#x", label, v)
	}
}

// exactlyOneReader reports whether a reader-held word counts exactly one
// reader. Valid only while v represents a reader-held lock with the
// count in the word.
func exactlyOneReader(v uint64) bool {
	return v&(muHigh^muOne) == 0
}
