package mu

import (
	"sync/atomic"
	"time"
)

// Low bits of the CondVar state word; the bits above cvLow hold the
// handle of the waiter-list head, encoded as in the Mutex word.
const (
	cvSpin  = uint64(0x0001) // spinlock bit guarding the waiter list
	cvEvent = uint64(0x0002) // events are being recorded
	cvLow   = cvSpin | cvEvent
)

// A CondVar is a condition variable for use with Mutex. The zero
// CondVar is ready for use; a CondVar must not be copied after first
// use.
//
// Unlike a bare wakeup primitive, Signal hands the waiter straight to
// the mutex's waiter queue when the mutex is held, so a signalled
// goroutine never wakes only to block on the lock.
type CondVar struct {
	_  noCopy
	cv atomic.Uint64
}

// Wait atomically releases m, blocks the caller until the CondVar is
// signalled, then re-acquires m in the mode it was held in. Because
// wakeups can race with other state changes, callers must re-check
// their predicate in a loop around Wait.
func (cv *CondVar) Wait(m *Mutex) {
	cv.waitCommon(m, time.Time{})
}

// WaitWithTimeout is Wait with a bound; it reports whether the timeout
// expired before a signal arrived. m is re-acquired either way.
func (cv *CondVar) WaitWithTimeout(m *Mutex, timeout time.Duration) bool {
	return cv.waitCommon(m, time.Now().Add(timeout))
}

// WaitWithDeadline is WaitWithTimeout with an absolute deadline.
func (cv *CondVar) WaitWithDeadline(m *Mutex, deadline time.Time) bool {
	return cv.waitCommon(m, deadline)
}

// Signal wakes one waiter, if any.
func (cv *CondVar) Signal() {
	c := 0
	for v := cv.cv.Load(); v != 0; v = cv.cv.Load() {
		if v&cvSpin == 0 && cv.cv.CompareAndSwap(v, v|cvSpin) {
			h := headOf(v)
			var w *waiter
			if h != nil { // remove the oldest waiter
				w = fromHandle(h.next.Load())
				if w == h {
					h = nil
				} else {
					h.next.Store(w.next.Load())
				}
			}
			nv := v & cvEvent
			if h != nil {
				nv |= headWord(h)
			}
			cv.cv.Store(nv) // release spinlock
			if w != nil {
				condVarWakeup(w)
				traceCondVar("Signal wakeup", cv)
			}
			if v&cvEvent != 0 {
				postSynchEvent(cv, &cv.cv, evSignal)
			}
			return
		}
		c = delay(c, gentle)
	}
}

// SignalAll wakes every waiter.
func (cv *CondVar) SignalAll() {
	c := 0
	for v := cv.cv.Load(); v != 0; v = cv.cv.Load() {
		// Take the whole list in one CAS; with the spin bit observed
		// clear, nothing else can be mutating it.
		if v&cvSpin == 0 && cv.cv.CompareAndSwap(v, v&cvEvent) {
			if h := headOf(v); h != nil {
				n := fromHandle(h.next.Load())
				for {
					w := n
					n = fromHandle(n.next.Load())
					condVarWakeup(w)
					if w == h {
						break
					}
				}
				traceCondVar("SignalAll wakeup", cv)
			}
			if v&cvEvent != 0 {
				postSynchEvent(cv, &cv.cv, evSignalAll)
			}
			return
		}
		c = delay(c, gentle)
	}
}

// EnableDebugLog causes the CondVar to log its operations under name.
func (cv *CondVar) EnableDebugLog(name string) {
	e := ensureSynchEvent(&cv.cv, name, cvEvent, cvSpin)
	e.log = true
}

func (cv *CondVar) waitCommon(m *Mutex, deadline time.Time) bool {
	timedOut := false
	how := sharedMode
	if m.mu.Load()&muWriter != 0 {
		how = exclusiveMode
	}
	v := cv.cv.Load()
	traceCondVar("Wait", cv)
	if v&cvEvent != 0 {
		postSynchEvent(cv, &cv.cv, evWait)
	}

	s := arena.acquire()
	waitp := &waitParams{
		how:             how,
		deadline:        deadline,
		cvMu:            m,
		w:               s,
		cvWord:          &cv.cv,
		contentionStart: nanotime(),
	}
	// unlockSlow calls condVarEnqueue just before the mutex is released,
	// queueing this goroutine on the CondVar. Queueing any earlier could
	// re-enter mutex code (event logging) with us already on a queue.
	m.unlockSlow(waitp)

	c := 0
	for s.state.Load() == wQueued {
		if !s.sem.Wait(waitp.deadline) {
			// Timed out; remove ourselves. If a signaller got there
			// first we may already be on the mutex queue, in which case
			// remove fails and the loop waits for the transfer to
			// complete.
			cv.remove(s)
			timedOut = true
			c = delay(c, gentle)
		}
	}

	if s.waitp == nil {
		fatalf("not waiting when should be")
	}
	s.waitp = nil

	traceCondVar("Unwait", cv)
	if v&cvEvent != 0 {
		postSynchEvent(cv, &cv.cv, evWaitReturning)
	}

	m.trans(how) // re-acquire the mutex
	arena.release(s)
	return timedOut
}

// remove takes s off the waiter list if it is still there.
func (cv *CondVar) remove(s *waiter) {
	c := 0
	for {
		v := cv.cv.Load()
		if v&cvSpin == 0 && cv.cv.CompareAndSwap(v, v|cvSpin) {
			h := headOf(v)
			if h != nil {
				w := h
				for fromHandle(w.next.Load()) != s &&
					fromHandle(w.next.Load()) != h {
					w = fromHandle(w.next.Load())
				}
				if fromHandle(w.next.Load()) == s {
					w.next.Store(s.next.Load())
					if h == s {
						if w == s {
							h = nil
						} else {
							h = w
						}
					}
					s.next.Store(0)
					s.state.Store(wAvailable)
				}
			}
			nv := v & cvEvent
			if h != nil {
				nv |= headWord(h)
			}
			cv.cv.Store(nv) // release spinlock
			return
		}
		c = delay(c, gentle)
	}
}

// condVarEnqueue queues waitp.w on the condition variable named by
// waitp.cvWord. It runs inside the mutex's unlock slow path.
func condVarEnqueue(waitp *waitParams) {
	// Clear cvWord first: when this waiter is woken it may be handed to
	// fer, whose enqueue must go to the mutex queue, not back here.
	cvWord := waitp.cvWord
	waitp.cvWord = nil

	v := cvWord.Load()
	c := 0
	for v&cvSpin != 0 || !cvWord.CompareAndSwap(v, v|cvSpin) {
		c = delay(c, gentle)
		v = cvWord.Load()
	}
	s := waitp.w
	if s.waitp != nil {
		fatalf("waiting when shouldn't be")
	}
	s.waitp = waitp
	h := headOf(v)
	if h == nil {
		s.next.Store(s.handle())
	} else {
		s.next.Store(h.next.Load())
		h.next.Store(s.handle())
	}
	s.state.Store(wQueued)
	// Release the spinlock; s is the new head.
	cvWord.Store(v&cvEvent | headWord(s))
}

// condVarWakeup releases one dequeued waiter. Untimed waiters are
// transferred directly onto their mutex's queue; timed waiters must be
// woken here, since a transferred waiter could not time out.
func condVarWakeup(w *waiter) {
	if !w.waitp.deadline.IsZero() || w.waitp.cvMu == nil {
		wakeup(w)
	} else {
		w.waitp.cvMu.fer(w)
	}
}
