package mu

import (
	"sync/atomic"
	"time"
)

// A Mutex is a reader/writer mutual-exclusion lock. The zero Mutex is
// unlocked and ready for use; a Mutex must not be copied after first
// use.
//
// Beyond Lock/Unlock and ReaderLock/ReaderUnlock it supports
// conditional critical sections: LockWhen blocks until a predicate over
// the protected state holds, Await releases and re-acquires around the
// same wait, and every blocking call has WithTimeout/WithDeadline
// variants. Writers are preferred: once a writer is waiting, new
// readers queue behind it.
//
// The entire lock is one atomic word. The uncontended paths are a
// single CAS; contended calls spin briefly, then queue a waiter record
// and park.
type Mutex struct {
	_  noCopy
	mu atomic.Uint64
}

// headOf extracts the waiter-queue head from a state word. Meaningful
// only while muWait is set.
func headOf(v uint64) *waiter { return fromHandle(uint32(v >> 8)) }

// headWord encodes w as the head field of a state word.
func headWord(w *waiter) uint64 { return uint64(w.handle()) << 8 }

// Lock blocks until the lock is free and then acquires it exclusively.
func (m *Mutex) Lock() {
	v := m.mu.Load()
	if v&(muWriter|muReader|muEvent) != 0 ||
		!m.mu.CompareAndSwap(v, v|muWriter) {
		if !m.tryAcquireWithSpinning() {
			m.deadlockCheck()
			m.lockSlow(exclusiveMode, nil, 0)
		}
	}
	m.lockEnter()
}

// ReaderLock blocks until the lock is free of writers and of waiting
// writers, then acquires it shared.
func (m *Mutex) ReaderLock() {
	v := m.mu.Load()
	if v&(muWriter|muWait|muEvent) != 0 ||
		!m.mu.CompareAndSwap(v, (muReader|v)+muOne) {
		m.deadlockCheck()
		m.lockSlow(sharedMode, nil, 0)
	}
	m.lockEnter()
}

// TryLock acquires the lock exclusively if it is free, without
// blocking, and reports whether it succeeded.
func (m *Mutex) TryLock() bool {
	v := m.mu.Load()
	if v&(muWriter|muReader|muEvent) == 0 &&
		m.mu.CompareAndSwap(v, v|muWriter) {
		m.lockEnter()
		return true
	}
	if v&muEvent != 0 {
		v = m.mu.Load()
		if v&exclusiveMode.slowNeedZero == 0 &&
			m.mu.CompareAndSwap(v, v|muWriter) {
			m.lockEnter()
			postSynchEvent(m, &m.mu, evTryLockSuccess)
			return true
		}
		postSynchEvent(m, &m.mu, evTryLockFailed)
	}
	return false
}

// ReaderTryLock acquires the lock shared if there is no writer and no
// waiting writer, without blocking, and reports whether it succeeded.
func (m *Mutex) ReaderTryLock() bool {
	v := m.mu.Load()
	// The loops retry only while the reader count changes under the CAS;
	// they are bounded so a steady stream of readers cannot spin us here
	// forever.
	for loops := 5; v&(muWriter|muWait|muEvent) == 0 && loops != 0; loops-- {
		if m.mu.CompareAndSwap(v, (muReader|v)+muOne) {
			m.lockEnter()
			return true
		}
		v = m.mu.Load()
	}
	if v&muEvent != 0 {
		for loops := 5; v&sharedMode.slowNeedZero == 0 && loops != 0; loops-- {
			if m.mu.CompareAndSwap(v, (muReader|v)+muOne) {
				m.lockEnter()
				postSynchEvent(m, &m.mu, evReaderTryLockSuccess)
				return true
			}
			v = m.mu.Load()
		}
		if v&muEvent != 0 {
			postSynchEvent(m, &m.mu, evReaderTryLockFailed)
		}
	}
	return false
}

// Unlock releases the lock, which must be held exclusively by the
// caller. It is fatal to call Unlock on an unheld or reader-held Mutex.
func (m *Mutex) Unlock() {
	m.lockLeave()
	v := m.mu.Load()
	if v&(muWriter|muReader) != muWriter {
		fatalf("Unlock of a Mutex not held exclusively: %#x", v)
	}
	// Fast release: a plain writer with either no waiters or a
	// designated waker already out there.
	if v&(muEvent|muWriter) == muWriter && v&(muWait|muDesig) != muWait &&
		m.mu.CompareAndSwap(v, v&^(muWrWait|muWriter)) {
		return
	}
	m.unlockSlow(nil)
}

// ReaderUnlock releases a shared hold on the lock. It is fatal to call
// ReaderUnlock on an unheld or writer-held Mutex.
func (m *Mutex) ReaderUnlock() {
	m.lockLeave()
	v := m.mu.Load()
	if v&(muWriter|muReader) != muReader {
		fatalf("ReaderUnlock of a Mutex not held shared: %#x", v)
	}
	if v&(muReader|muWait|muEvent) == muReader {
		clear := muOne
		if exactlyOneReader(v) {
			clear = muReader | muOne
		}
		if m.mu.CompareAndSwap(v, v-clear) {
			return
		}
	}
	m.unlockSlow(nil)
}

// LockWhen acquires the lock exclusively when cond holds.
func (m *Mutex) LockWhen(cond *Condition) {
	m.deadlockCheck()
	m.lockSlow(exclusiveMode, cond, 0)
	m.lockEnter()
}

// LockWhenWithTimeout acquires the lock exclusively when cond holds or
// the timeout expires, whichever comes first, and reports whether cond
// held on return. Either way the lock is held and must be released.
func (m *Mutex) LockWhenWithTimeout(cond *Condition, timeout time.Duration) bool {
	return m.LockWhenWithDeadline(cond, time.Now().Add(timeout))
}

// LockWhenWithDeadline is LockWhenWithTimeout with an absolute deadline.
func (m *Mutex) LockWhenWithDeadline(cond *Condition, deadline time.Time) bool {
	m.deadlockCheck()
	res := m.lockSlowWithDeadline(exclusiveMode, cond, deadline, 0)
	m.lockEnter()
	return res
}

// ReaderLockWhen acquires the lock shared when cond holds.
func (m *Mutex) ReaderLockWhen(cond *Condition) {
	m.deadlockCheck()
	m.lockSlow(sharedMode, cond, 0)
	m.lockEnter()
}

// ReaderLockWhenWithTimeout is the shared form of LockWhenWithTimeout.
func (m *Mutex) ReaderLockWhenWithTimeout(cond *Condition, timeout time.Duration) bool {
	return m.ReaderLockWhenWithDeadline(cond, time.Now().Add(timeout))
}

// ReaderLockWhenWithDeadline is the shared form of LockWhenWithDeadline.
func (m *Mutex) ReaderLockWhenWithDeadline(cond *Condition, deadline time.Time) bool {
	m.deadlockCheck()
	res := m.lockSlowWithDeadline(sharedMode, cond, deadline, 0)
	m.lockEnter()
	return res
}

// Await releases the lock, blocks until cond holds, then re-acquires
// the lock in the same mode it was held in. cond must depend only on
// state protected by this Mutex.
func (m *Mutex) Await(cond *Condition) {
	if cond.Eval() {
		m.AssertReaderHeld()
		return
	}
	if !m.awaitCommon(cond, time.Time{}) {
		fatalf("condition untrue on return from Await")
	}
}

// AwaitWithTimeout is Await with a bound on the wait; it reports
// whether cond held on return. The lock is re-acquired either way.
func (m *Mutex) AwaitWithTimeout(cond *Condition, timeout time.Duration) bool {
	return m.AwaitWithDeadline(cond, time.Now().Add(timeout))
}

// AwaitWithDeadline is AwaitWithTimeout with an absolute deadline.
func (m *Mutex) AwaitWithDeadline(cond *Condition, deadline time.Time) bool {
	if cond.Eval() {
		m.AssertReaderHeld()
		return true
	}
	res := m.awaitCommon(cond, deadline)
	if !res && deadline.IsZero() {
		fatalf("condition untrue on return from Await")
	}
	return res
}

// AssertHeld aborts unless some goroutine holds the lock exclusively.
func (m *Mutex) AssertHeld() {
	if m.mu.Load()&muWriter == 0 {
		fatalf("thread should hold write lock on Mutex %p%s", m, eventName(&m.mu))
	}
}

// AssertReaderHeld aborts unless the lock is held, shared or exclusive.
func (m *Mutex) AssertReaderHeld() {
	if m.mu.Load()&(muReader|muWriter) == 0 {
		fatalf("thread should hold at least a read lock on Mutex %p%s",
			m, eventName(&m.mu))
	}
}

// tryAcquireWithSpinning tries to grab an uncontended writer lock while
// spinning. Only useful on multicore machines; readers never spin here
// since they queue behind writers anyway.
func (m *Mutex) tryAcquireWithSpinning() bool {
	if !globals.multicore {
		return false
	}
	for c := globals.spinloopIterations; c > 0; c-- {
		v := m.mu.Load()
		if v&(muReader|muEvent) != 0 {
			return false
		}
		if v&muWriter == 0 && m.mu.CompareAndSwap(v, v|muWriter) {
			return true
		}
	}
	return false
}

func (m *Mutex) lockSlow(how *acquireMode, cond *Condition, flags int) {
	if !m.lockSlowWithDeadline(how, cond, time.Time{}, flags) {
		fatalf("condition untrue on return from lockSlow")
	}
}

// lockSlowWithDeadline acquires the lock in mode how, waiting until
// cond holds or the deadline passes, and reports whether cond held on
// return. A zero deadline means wait forever.
func (m *Mutex) lockSlowWithDeadline(how *acquireMode, cond *Condition,
	deadline time.Time, flags int) bool {
	v := m.mu.Load()
	unlock := false
	if v&how.fastNeedZero == 0 &&
		m.mu.CompareAndSwap(v,
			(how.fastOr|(v&zapDesigWaker[flags&muHasBlocked]))+how.fastAdd) {
		if cond.Eval() {
			return true
		}
		unlock = true // got the lock but the condition is false
	}
	s := arena.acquire()
	defer arena.release(s)
	waitp := &waitParams{
		how:             how,
		cond:            cond,
		deadline:        deadline,
		w:               s,
		contentionStart: nanotime(),
	}
	if !guaranteedEqual(cond, nil) {
		flags |= muIsCond
	}
	if unlock {
		m.unlockSlow(waitp)
		m.block(s)
		flags |= muHasBlocked
	}
	m.lockSlowLoop(waitp, flags)
	return waitp.cond != nil || // condition known true from lockSlowLoop
		cond.Eval()
}

// awaitCommon releases the lock, waits for cond or the deadline, and
// re-acquires in the original mode. Reports whether cond held.
func (m *Mutex) awaitCommon(cond *Condition, deadline time.Time) bool {
	m.AssertReaderHeld()
	how := sharedMode
	if m.mu.Load()&muWriter != 0 {
		how = exclusiveMode
	}
	s := arena.acquire()
	defer arena.release(s)
	waitp := &waitParams{
		how:             how,
		cond:            cond,
		deadline:        deadline,
		w:               s,
		contentionStart: nanotime(),
	}
	m.unlockSlow(waitp) // queues us on the waiter list as it releases
	m.block(s)
	m.lockSlowLoop(waitp, muHasBlocked|muIsCond)
	return waitp.cond != nil || cond.Eval()
}

// lockSlowLoop is the body of every contended acquire: repeatedly try
// to take the lock, or queue a waiter and park, until the lock is held
// (with the condition true, or with the deadline expired).
func (m *Mutex) lockSlowLoop(waitp *waitParams, flags int) {
	c := 0
	v := m.mu.Load()
	if v&muEvent != 0 {
		ev := evLock
		if waitp.how == sharedMode {
			ev = evReaderLock
		}
		postSynchEvent(m, &m.mu, ev)
	}
	s := waitp.w
	if s.waitp != nil {
		fatalf("detected illegal recursion into mutex code")
	}
	for {
		v = m.mu.Load()
		checkStateWord(v, "Lock")
		if v&waitp.how.slowNeedZero == 0 {
			if m.mu.CompareAndSwap(v,
				(waitp.how.fastOr|(v&zapDesigWaker[flags&muHasBlocked]))+
					waitp.how.fastAdd) {
				if waitp.cond.Eval() {
					break // timed out or condition true
				}
				m.unlockSlow(waitp) // got the lock but the condition is false
				m.block(s)
				flags |= muHasBlocked
				c = 0
			}
		} else {
			dowait := false
			if v&(muSpin|muWait) == 0 {
				// Try to become the one and only waiter.
				newH := enqueue(nil, waitp, v, flags)
				nv := v&zapDesigWaker[flags&muHasBlocked]&muLow | muWait
				if newH == nil {
					fatalf("enqueue to empty waiter list failed")
				}
				if waitp.how == exclusiveMode && v&muReader != 0 {
					nv |= muWrWait
				}
				if m.mu.CompareAndSwap(v, headWord(newH)|nv) {
					dowait = true
				} else { // roll the enqueue back
					s.waitp = nil
					s.state.Store(wAvailable)
				}
			} else if v&waitp.how.slowIncNeedZero&
				ignoreWaitingWriters[flags&muHasBlocked] == 0 {
				// A reader joining while the count lives in the head waiter.
				if m.mu.CompareAndSwap(v,
					v&zapDesigWaker[flags&muHasBlocked]|muSpin|muReader) {
					h := headOf(v)
					h.readers += muOne
					for { // release spinlock
						v = m.mu.Load()
						if m.mu.CompareAndSwap(v, v&^muSpin|muReader) {
							break
						}
					}
					if waitp.cond.Eval() {
						break
					}
					m.unlockSlow(waitp)
					m.block(s)
					flags |= muHasBlocked
					c = 0
				}
			} else if v&muSpin == 0 && m.mu.CompareAndSwap(v,
				v&zapDesigWaker[flags&muHasBlocked]|muSpin|muWait) {
				h := headOf(v)
				newH := enqueue(h, waitp, v, flags)
				wrWait := uint64(0)
				if newH == nil {
					fatalf("enqueue to waiter list failed")
				}
				if waitp.how == exclusiveMode && v&muReader != 0 {
					wrWait = muWrWait // priority to the waiting writer
				}
				for { // release spinlock
					v = m.mu.Load()
					if m.mu.CompareAndSwap(v,
						v&muLow&^muSpin|muWait|wrWait|headWord(newH)) {
						break
					}
				}
				dowait = true
			}
			if dowait {
				m.block(s) // wait until dequeued or timed out
				flags |= muHasBlocked
				c = 0
			}
		}
		c = delay(c, gentle)
	}
	if s.waitp != nil {
		fatalf("detected illegal recursion into mutex code")
	}
	if v&muEvent != 0 {
		ev := evLockReturning
		if waitp.how == sharedMode {
			ev = evReaderLockReturning
		}
		postSynchEvent(m, &m.mu, ev)
	}
}

// unlockSlow releases the lock, waking waiters as needed. If waitp is
// non-nil the caller holds the lock but cannot run (its condition is
// false, or it is starting a CondVar wait) and must be queued as the
// lock is released.
func (m *Mutex) unlockSlow(waitp *waitParams) {
	v := m.mu.Load()
	m.AssertReaderHeld()
	checkStateWord(v, "Unlock")
	if v&muEvent != 0 {
		ev := evUnlock
		if v&muWriter == 0 {
			ev = evReaderUnlock
		}
		postSynchEvent(m, &m.mu, ev)
	}
	c := 0
	var (
		w          *waiter    // the waiter under consideration to wake
		pw         *waiter    // w's predecessor
		oldH       *waiter    // head of the list searched previously
		knownFalse *Condition // a condition that is known to be false
		wakeBuf    [8]*waiter
	)
	wakeList := wakeBuf[:0]
	wrWait := uint64(0) // muWrWait if a passed-over writer could starve
	if waitp != nil && waitp.w.waitp != nil {
		fatalf("detected illegal recursion into mutex code")
	}
	for {
		v = m.mu.Load()
		if v&muWriter != 0 && v&(muWait|muDesig) != muWait && waitp == nil {
			// Fast writer release: no waiters, or a designated waker is
			// already out there.
			if m.mu.CompareAndSwap(v, v&^(muWrWait|muWriter)) {
				return
			}
		} else if v&(muReader|muWait) == muReader && waitp == nil {
			// Fast reader release: no waiters.
			clear := muOne
			if exactlyOneReader(v) {
				clear = muReader | muOne
			}
			if m.mu.CompareAndSwap(v, v-clear) {
				return
			}
		} else if v&muSpin == 0 && m.mu.CompareAndSwap(v, v|muSpin) {
			if v&muWait == 0 { // no one to wake, but we must queue ourselves
				if waitp == nil {
					fatalf("unlockSlow entered with nothing to do")
				}
				doEnqueue := true
				for { // reader count may change until the spinlock drops
					v = m.mu.Load()
					newReaders := v
					if v >= muOne {
						newReaders = v - muOne
					}
					var newH *waiter
					if doEnqueue {
						// A CondVar enqueue must not be retried: the first
						// attempt always succeeds, and a retry would queue
						// us on this mutex via the transfer path instead.
						doEnqueue = waitp.cvWord == nil
						newH = enqueue(nil, waitp, newReaders, muIsCond)
					}
					clear := muWrWait | muWriter
					if v&muWriter == 0 && exactlyOneReader(v) {
						clear = muWrWait | muReader // last reader
					}
					nv := v & muLow &^ clear &^ muSpin
					if newH != nil {
						nv |= muWait | headWord(newH)
					} else {
						// Queued on a CondVar; the reader count goes back
						// into the word.
						nv |= newReaders & muHigh
					}
					if m.mu.CompareAndSwap(v, nv) {
						break
					}
				}
				break
			}

			// There are waiters.
			h := headOf(v)
			if v&muReader != 0 && h.readers&muHigh > muOne {
				// A reader, but not the last one.
				h.readers -= muOne // release our hold
				nv := v            // normally just drop the spinlock
				if waitp != nil {  // but we must queue ourselves
					newH := enqueue(h, waitp, v, muIsCond)
					if newH == nil {
						fatalf("waiters disappeared during enqueue")
					}
					nv = v&muLow | muWait | headWord(newH)
				}
				m.mu.Store(nv) // store is safe: there were waiters
				break
			}

			if oldH != nil && !h.maybeUnlocking {
				fatalf("mutex queue changed beneath unlocker")
			}

			// The lock is becoming free and there is a waiter.
			if oldH != nil && !oldH.maySkip {
				// oldH served as a scan terminator; let it skip again.
				oldH.maySkip = true
				if oldH.skip != 0 {
					fatalf("illegal skip from head")
				}
				if h != oldH && sameCondition(oldH, fromHandle(oldH.next.Load())) {
					oldH.skip = oldH.next.Load()
				}
			}
			hNext := fromHandle(h.next.Load())
			if hNext.waitp.how == exclusiveMode &&
				guaranteedEqual(hNext.waitp.cond, nil) {
				// Easy case: an unconditional writer at the front; no scan.
				pw = h
				w = hNext
				w.wake = true
				// Bias the race between this writer and any already-awake
				// reader toward the writer, or readers can keep taking the
				// lock and starve it.
				wrWait = muWrWait
			} else if w != nil && (w.waitp.how == exclusiveMode || h == oldH) {
				// Found on an earlier pass: a writer, or the scan covered
				// the whole list so every wakeable reader is marked.
				if pw == nil { // w's predecessor must be h
					pw = h
				}
			} else {
				if oldH == h {
					// Searched before and nothing is new: no one to wake.
					nv := v &^ (muReader | muWriter | muWrWait)
					h.readers = 0
					h.maybeUnlocking = false
					if waitp != nil { // queue ourselves and sleep
						newH := enqueue(h, waitp, v, muIsCond)
						nv &= muLow
						if newH != nil {
							nv |= muWait | headWord(newH)
						}
						// newH can be nil if we queued on a CondVar
					}
					m.mu.Store(nv) // release spinlock and lock
					break
				}

				// Set up the scan.
				var wWalk, pwWalk *waiter
				if oldH != nil { // resume where the last pass stopped
					pwWalk = oldH
					wWalk = fromHandle(oldH.next.Load())
				} else {
					// h.next's predecessor may change; don't record it.
					wWalk = fromHandle(h.next.Load())
				}

				h.maySkip = false // h terminates this and future scans
				if h.skip != 0 {
					fatalf("illegal skip from head")
				}
				h.maybeUnlocking = true // scanning without the spin bit;
				// enqueue must stay conservative about priority insertion

				// Conditions must be evaluated outside the spinlock.
				m.mu.Store(v) // release just the spinlock

				oldH = h

				// With the lock still held, the only legal queue change is
				// waiters added between h and wWalk, so walking up to and
				// including h is safe.
				for pwWalk != h {
					wWalk.wake = false
					if wWalk.waitp.cond == nil ||
						(wWalk.waitp.cond != knownFalse &&
							wWalk.waitp.cond.Eval()) {
						if w == nil {
							wWalk.wake = true
							w = wWalk
							pw = pwWalk
							if wWalk.waitp.how == exclusiveMode {
								wrWait = muWrWait
								break // waking a writer; stop here
							}
						} else if wWalk.waitp.how == sharedMode {
							wWalk.wake = true // additional reader
						} else {
							wrWait = muWrWait // writer we pass over
						}
					} else {
						knownFalse = wWalk.waitp.cond
					}
					if wWalk.wake {
						pwWalk = wWalk // don't skip past similar waiters
					} else {
						pwWalk = skipChain(wWalk)
					}
					// When pwWalk == h its next link can race with a
					// concurrent enqueue, and the loop is over anyway.
					if pwWalk != h {
						wWalk = fromHandle(pwWalk.next.Load())
					}
				}
				continue // re-acquire the spinlock to dequeue w
			}

			if fromHandle(pw.next.Load()) != w {
				fatalf("pw not w's predecessor")
			}
			h = dequeueAllWakeable(h, pw, &wakeList)

			nv := v&muEvent | muDesig // assume no waiters left
			if waitp != nil {
				h = enqueue(h, waitp, v, muIsCond)
				// h can be nil if we queued ourselves on a CondVar
			}
			if len(wakeList) == 0 {
				fatalf("unexpected empty wake list")
			}
			if h != nil { // there are waiters left
				h.readers = 0
				h.maybeUnlocking = false
				nv |= wrWait | muWait | headWord(h)
			}
			m.mu.Store(nv) // release spinlock and lock
			break
		}
		c = delay(c, aggressive) // no one can proceed until we do
	}

	if len(wakeList) != 0 {
		enqueuedAt := wakeList[0].waitp.contentionStart
		condWaiter := wakeList[0].condWaiter
		for _, ww := range wakeList {
			wakeup(ww)
		}
		if !condWaiter {
			// Contention is sampled only when the first waiter was after
			// the lock itself, not a condition.
			waited := nanotime() - enqueuedAt
			traceMutex("slow release", m, waited)
			profileContention(waited)
		}
	}
}

// block parks the calling goroutine until its waiter record has been
// dequeued and marked available. On a deadline expiry it removes itself
// via the tryRemove race and converts the wait into an untimed,
// unconditional one.
func (m *Mutex) block(s *waiter) {
	for s.state.Load() == wQueued {
		if !s.sem.Wait(s.waitp.deadline) {
			// Timed out. We may not manage the removal ourselves: the
			// holder can be reading the queue centre without the spin
			// bit, so retry until someone detaches us.
			m.tryRemove(s)
			c := 0
			for s.next.Load() != 0 {
				c = delay(c, gentle)
				m.tryRemove(s)
			}
			s.waitp.deadline = time.Time{} // deadline satisfied
			s.waitp.cond = nil             // condition no longer relevant
		}
	}
	if s.waitp == nil {
		fatalf("detected illegal recursion into mutex code")
	}
	s.waitp = nil
}

// wakeup hands w back to its owner and wakes it.
func wakeup(w *waiter) {
	w.next.Store(0)
	w.state.Store(wAvailable)
	w.sem.Post()
}

// tryRemove removes s from the waiter queue if it can acquire both the
// spin bit and the (free) lock itself; otherwise it does nothing.
func (m *Mutex) tryRemove(s *waiter) {
	v := m.mu.Load()
	if v&(muWait|muSpin|muWriter|muReader) != muWait ||
		!m.mu.CompareAndSwap(v, v|muSpin|muWriter) {
		return
	}
	h := headOf(v)
	if h != nil {
		pw := h
		w := fromHandle(pw.next.Load())
		if w != s {
			for {
				if !sameCondition(s, w) {
					// s cannot be anywhere in w's skip run: every waiter
					// there shares w's condition.
					pw = skipChain(w)
				} else {
					fixSkip(w, s)
					pw = w
				}
				w = fromHandle(pw.next.Load())
				if w == s || pw == h {
					break
				}
			}
		}
		if w == s {
			h = dequeueWaiter(h, pw)
			s.next.Store(0)
			s.state.Store(wAvailable)
		}
	}
	for { // release the spin bit and the lock
		v = m.mu.Load()
		nv := v & (muDesig | muEvent)
		if h != nil {
			nv |= muWait | headWord(h)
			h.readers = 0 // we hold the writer lock
			h.maybeUnlocking = false
		}
		if m.mu.CompareAndSwap(v, nv) {
			return
		}
	}
}

// fer transfers a CondVar waiter w directly onto this mutex's queue, or
// wakes it immediately when the lock is free for its mode. The waiter
// never becomes runnable in between.
func (m *Mutex) fer(w *waiter) {
	c := 0
	if w.waitp.cond != nil {
		fatalf("mutex transfer of a Condition waiter")
	}
	if !w.waitp.deadline.IsZero() {
		fatalf("mutex transfer of a timed waiter")
	}
	if w.waitp.cvWord != nil {
		fatalf("mutex transfer with pending CondVar enqueue")
	}
	conflicting := muWriter
	if w.waitp.how == exclusiveMode {
		conflicting |= muReader
	}
	for {
		v := m.mu.Load()
		if v&conflicting == 0 {
			// The lock appears free: mark w runnable and let it race for
			// the acquisition itself.
			wakeup(w)
			return
		}
		if v&(muSpin|muWait) == 0 {
			newH := enqueue(nil, w.waitp, v, muIsCond)
			if newH == nil {
				fatalf("enqueue to empty waiter list failed")
			}
			if m.mu.CompareAndSwap(v, headWord(newH)|v&muLow|muWait) {
				return
			}
		} else if v&muSpin == 0 &&
			m.mu.CompareAndSwap(v, v|muSpin|muWait) {
			h := headOf(v)
			newH := enqueue(h, w.waitp, v, muIsCond)
			if newH == nil {
				fatalf("enqueue to waiter list failed")
			}
			for { // release spinlock
				v = m.mu.Load()
				if m.mu.CompareAndSwap(v,
					v&muLow&^muSpin|muWait|headWord(newH)) {
					break
				}
			}
			return
		}
		c = delay(c, gentle)
	}
}

// trans re-acquires the lock after a CondVar wait, in mode how.
func (m *Mutex) trans(how *acquireMode) {
	m.lockSlow(how, nil, muHasBlocked|muIsCond)
}
