package mu

import "testing"

// newTestWaiter builds a queued-looking waiter outside any Mutex, for
// white-box queue manipulation.
func newTestWaiter(how *acquireMode, cond *Condition) *waiter {
	w := arena.acquire()
	w.waitp = &waitParams{how: how, cond: cond, w: w}
	return w
}

func releaseTestWaiters(ws ...*waiter) {
	for _, w := range ws {
		w.next.Store(0)
		w.state.Store(wAvailable)
		w.waitp = nil
		arena.release(w)
	}
}

func queueOrder(head *waiter) []*waiter {
	if head == nil {
		return nil
	}
	var out []*waiter
	w := fromHandle(head.next.Load())
	for {
		out = append(out, w)
		if w == head {
			return out
		}
		w = fromHandle(w.next.Load())
	}
}

func TestEnqueueFIFO(t *testing.T) {
	w1 := newTestWaiter(exclusiveMode, nil)
	w2 := newTestWaiter(exclusiveMode, nil)
	w3 := newTestWaiter(exclusiveMode, nil)
	defer releaseTestWaiters(w1, w2, w3)

	head := enqueue(nil, w1.waitp, 0, 0)
	if head != w1 || fromHandle(head.next.Load()) != w1 {
		t.Fatal("single-element queue not circular on itself")
	}
	head = enqueue(head, w2.waitp, 0, 0)
	head = enqueue(head, w3.waitp, 0, 0)

	got := queueOrder(head)
	want := []*waiter{w1, w2, w3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue position %d = %v, want %v", i, got[i].idx, want[i].idx)
		}
	}

	head = dequeueWaiter(head, head) // removes head.next, the oldest
	if got := queueOrder(head); got[0] != w2 {
		t.Fatal("dequeue did not remove the oldest waiter")
	}
	head = dequeueWaiter(head, head)
	head = dequeueWaiter(head, head)
	if head != nil {
		t.Fatal("queue not empty after removing every waiter")
	}
}

func TestSkipChainCollapse(t *testing.T) {
	cond := NewCondition(func() bool { return false })
	w1 := newTestWaiter(exclusiveMode, cond)
	w2 := newTestWaiter(exclusiveMode, cond)
	w3 := newTestWaiter(exclusiveMode, cond)
	defer releaseTestWaiters(w1, w2, w3)

	head := enqueue(nil, w1.waitp, 0, muIsCond)
	head = enqueue(head, w2.waitp, 0, muIsCond)
	head = enqueue(head, w3.waitp, 0, muIsCond)

	if w1.skip != w2.handle() || w2.skip != w3.handle() {
		t.Fatalf("skip links not formed along the same-condition run")
	}
	if end := skipChain(w1); end != w3 {
		t.Fatalf("skipChain ended at %d, want %d", end.idx, w3.idx)
	}
	// The chain is collapsed as a side effect.
	if w1.skip != w3.handle() {
		t.Fatal("skipChain did not collapse the chain")
	}
	releaseQueue(head)
}

func TestSkipBreaksAcrossConditions(t *testing.T) {
	condA := NewCondition(func() bool { return false })
	condB := NewCondition(func() bool { return false })
	w1 := newTestWaiter(exclusiveMode, condA)
	w2 := newTestWaiter(exclusiveMode, condA)
	w3 := newTestWaiter(exclusiveMode, condB)
	defer releaseTestWaiters(w1, w2, w3)

	head := enqueue(nil, w1.waitp, 0, muIsCond)
	head = enqueue(head, w2.waitp, 0, muIsCond)
	head = enqueue(head, w3.waitp, 0, muIsCond)

	if w1.skip != w2.handle() {
		t.Fatal("skip link missing within the same-condition run")
	}
	if w2.skip != 0 {
		t.Fatal("skip link crosses a condition boundary")
	}
	releaseQueue(head)
}

func TestFixSkipOnRemoval(t *testing.T) {
	cond := NewCondition(func() bool { return false })
	w1 := newTestWaiter(exclusiveMode, cond)
	w2 := newTestWaiter(exclusiveMode, cond)
	w3 := newTestWaiter(exclusiveMode, cond)
	defer releaseTestWaiters(w1, w2, w3)

	head := enqueue(nil, w1.waitp, 0, muIsCond)
	head = enqueue(head, w2.waitp, 0, muIsCond)
	head = enqueue(head, w3.waitp, 0, muIsCond)

	// Remove w2 out of order, as a timeout would.
	fixSkip(w1, w2)
	head = dequeueWaiter(head, w1)
	w2.next.Store(0)
	w2.state.Store(wAvailable)

	if w1.skip != w3.handle() {
		t.Fatalf("w1.skip = %d after removal, want %d", w1.skip, w3.handle())
	}
	got := queueOrder(head)
	if len(got) != 2 || got[0] != w1 || got[1] != w3 {
		t.Fatal("queue order wrong after out-of-order removal")
	}
	releaseQueue(head)
}

func TestDequeueAllWakeableStopsAtWriter(t *testing.T) {
	r1 := newTestWaiter(sharedMode, nil)
	r2 := newTestWaiter(sharedMode, nil)
	wr := newTestWaiter(exclusiveMode, nil)
	r3 := newTestWaiter(sharedMode, nil)
	defer releaseTestWaiters(r1, r2, wr, r3)

	head := enqueue(nil, r1.waitp, 0, 0)
	head = enqueue(head, r2.waitp, 0, 0)
	head = enqueue(head, wr.waitp, 0, 0)
	head = enqueue(head, r3.waitp, 0, 0)

	r1.wake = true
	r2.wake = true
	wr.wake = true
	r3.wake = true // must survive: the writer stops the batch

	var wake []*waiter
	head = dequeueAllWakeable(head, head, &wake)

	if len(wake) != 3 || wake[0] != r1 || wake[1] != r2 || wake[2] != wr {
		t.Fatalf("wake batch has %d waiters, want r1, r2, writer", len(wake))
	}
	got := queueOrder(head)
	if len(got) != 1 || got[0] != r3 {
		t.Fatal("waiter after the woken writer should remain queued")
	}
	releaseQueue(head)
}

// releaseQueue detaches every waiter remaining on a test queue so the
// deferred release does not see queued records.
func releaseQueue(head *waiter) {
	for _, w := range queueOrder(head) {
		w.next.Store(0)
		w.state.Store(wAvailable)
	}
}
