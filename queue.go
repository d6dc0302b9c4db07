package mu

// The waiter queue is a circular singly-linked list: head points to the
// most recently queued waiter, head.next is the oldest. Waiters also
// carry an optional skip link to the last waiter of a run with the same
// condition, letting scans step over a whole run at once.
//
// Invariants, for every waiter x on a queue:
//	x.skip == 0 || guaranteedEqual(x.waitp.cond, skipTarget(x).waitp.cond)
//	x == head || x.skip == 0 || fromHandle(x.next.Load()).skip == 0
//	head.skip == 0 while head.maySkip is false (scan terminator)

// sameCondition reports whether two waiters could be woken by the same
// state change: equal acquire mode and provably equal condition.
func sameCondition(x, y *waiter) bool {
	return x.waitp.how == y.waitp.how &&
		guaranteedEqual(x.waitp.cond, y.waitp.cond)
}

// skipChain returns x, or the waiter its skip chain ends at, collapsing
// the chain so later scans take one hop.
func skipChain(x *waiter) *waiter {
	if x.skip == 0 {
		return x
	}
	w := fromHandle(x.skip)
	for w.skip != 0 {
		w = fromHandle(w.skip)
	}
	x.skip = w.handle()
	return w
}

// fixSkip repairs ancestor's skip link before toBeRemoved leaves the
// queue. Only the immediate skip target can be the removed waiter;
// longer chains were collapsed when they were followed.
func fixSkip(ancestor, toBeRemoved *waiter) {
	if ancestor.skip != toBeRemoved.handle() {
		return
	}
	switch {
	case toBeRemoved.skip != 0:
		ancestor.skip = toBeRemoved.skip
	case ancestor.next.Load() != toBeRemoved.handle():
		ancestor.skip = ancestor.next.Load()
	default:
		ancestor.skip = 0
	}
}

// enqueue adds waitp.w to the queue whose head is head (possibly nil)
// and returns the new head. mu is the pre-queueing state word; its
// reader count moves into the head waiter's record. If waitp carries a
// cvWord the waiter is queued on that condition variable instead and
// head is returned unchanged.
//
// New waiters normally become the head (the queue is FIFO from
// head.next). A waiter with a higher priority than the head is inserted
// in priority-FIFO order instead, unless an unlocker is scanning the
// queue without the spin bit, in which case only an unconditional
// writer may be placed at the front, the one position such a scan
// re-checks.
func enqueue(head *waiter, waitp *waitParams, mu uint64, flags int) *waiter {
	if waitp.cvWord != nil {
		condVarEnqueue(waitp)
		return head
	}

	s := waitp.w
	if s.waitp != nil && s.waitp != waitp {
		fatalf("mu: detected illegal recursion into mutex code")
	}
	s.waitp = waitp
	s.skip = 0
	s.wake = false
	s.maySkip = true
	s.condWaiter = flags&muIsCond != 0

	if head == nil {
		s.next.Store(s.handle())
		s.readers = mu
		s.maybeUnlocking = false
		head = s
	} else {
		var enqueueAfter *waiter
		if s.priority > head.priority {
			if !head.maybeUnlocking {
				// No unlocker is scanning; walk skip chains to the
				// insertion point, descending into a chain only when it
				// shares s's condition.
				advanceTo := head
				for {
					enqueueAfter = advanceTo
					cur := fromHandle(enqueueAfter.next.Load())
					advanceTo = skipChain(cur)
					if advanceTo != cur && s.priority > advanceTo.priority &&
						sameCondition(s, cur) {
						advanceTo = cur
					}
					if s.priority <= advanceTo.priority {
						break
					}
				}
			} else if waitp.how == exclusiveMode &&
				guaranteedEqual(waitp.cond, nil) {
				// A scanning unlocker re-checks the queue front for an
				// unconditional writer, so this one insertion is safe.
				enqueueAfter = head
			}
		}
		if enqueueAfter != nil {
			if enqueueAfter.skip != 0 && !sameCondition(enqueueAfter, s) {
				fatalf("mu: enqueue at an illegal insertion point")
			}
			s.next.Store(enqueueAfter.next.Load())
			enqueueAfter.next.Store(s.handle())
			if enqueueAfter != head && enqueueAfter.maySkip &&
				sameCondition(enqueueAfter, s) {
				enqueueAfter.skip = s.handle()
			}
			if sameCondition(s, fromHandle(s.next.Load())) {
				s.skip = s.next.Load()
			}
		} else {
			s.next.Store(head.next.Load())
			head.next.Store(s.handle())
			s.readers = head.readers
			s.maybeUnlocking = head.maybeUnlocking
			if head.maySkip && sameCondition(head, s) {
				head.skip = s.handle()
			}
			head = s
		}
	}
	s.state.Store(wQueued)
	return head
}

// dequeueWaiter removes pw's successor from the queue and returns the
// new head. The removed waiter keeps its stale next link until whoever
// removed it hands it back to its owner.
func dequeueWaiter(head, pw *waiter) *waiter {
	w := fromHandle(pw.next.Load())
	pw.next.Store(w.next.Load())
	if head == w {
		if pw == w {
			return nil // queue is now empty
		}
		return pw
	}
	if pw != head && sameCondition(pw, fromHandle(pw.next.Load())) {
		if nskip := fromHandle(pw.next.Load()).skip; nskip != 0 {
			pw.skip = nskip
		} else {
			pw.skip = pw.next.Load()
		}
	}
	return head
}

// dequeueAllWakeable removes every waiter marked wake from the segment
// after pw through head, appending them to wakeList in queue order, and
// returns the new head. The caller marked at most one exclusive waiter,
// so removal stops there.
func dequeueAllWakeable(head, pw *waiter, wakeList *[]*waiter) *waiter {
	origH := head
	w := fromHandle(pw.next.Load())
	skipped := false
	for {
		if w.wake {
			// pw.skip must be clear: a set skip would mean pw shares w's
			// condition and was itself marked wake.
			if pw.skip != 0 {
				fatalf("mu: dequeueing below a skip link")
			}
			head = dequeueWaiter(head, pw)
			*wakeList = append(*wakeList, w)
			if w.waitp.how == exclusiveMode {
				break // wake at most one writer
			}
		} else {
			pw = skipChain(w)
			skipped = true
		}
		w = fromHandle(pw.next.Load())
		// Stop once the original head has been considered: it was either
		// removed (head changed) or skipped over, which from the head
		// advances by one and leaves pw == head.
		if origH != head || (pw == head && skipped) {
			break
		}
	}
	return head
}
