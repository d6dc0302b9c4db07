package mu

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/llxisdsh/pb"
)

// OnDeadlockCycle selects what the detector does when acquiring a Mutex
// would close a cycle in the acquired-before graph.
type OnDeadlockCycle int32

const (
	// OnDeadlockIgnore disables detection entirely. The default.
	OnDeadlockIgnore OnDeadlockCycle = iota
	// OnDeadlockReport logs the cycle and continues.
	OnDeadlockReport
	// OnDeadlockAbort logs the cycle and aborts the process.
	OnDeadlockAbort
)

var deadlockMode atomic.Int32

// SetDeadlockDetectionMode sets the process-wide detection mode.
// Detection is off by default; while it is on, every acquire and
// release does held-lock bookkeeping for the calling goroutine, and
// every contended acquire updates the lock graph. Locks acquired before
// detection was enabled are simply not tracked.
func SetDeadlockDetectionMode(mode OnDeadlockCycle) {
	deadlockMode.Store(int32(mode))
}

const (
	maxHeldLocks       = 40
	maxDeadlockPathLen = 10
)

// locksHeld records the locks one goroutine currently holds. Only that
// goroutine reads or writes its record, so no locking is needed beyond
// the registry's.
type locksHeld struct {
	n        int
	overflow bool // lost some entries; bookkeeping is best-effort now
	locks    [maxHeldLocks]struct {
		mu    *Mutex
		count int32
	}
}

// heldRegistry maps goroutine id to its held-locks record. Entries are
// removed when the count drops to zero, so goroutine churn does not
// leak records.
var heldRegistry pb.MapOf[int64, *locksHeld]

func currentHeld(create bool) *locksHeld {
	id := goid()
	if !create {
		h, _ := heldRegistry.Load(id)
		return h
	}
	h, _ := heldRegistry.ProcessEntry(id,
		func(l *pb.EntryOf[int64, *locksHeld]) (*pb.EntryOf[int64, *locksHeld], *locksHeld, bool) {
			if l != nil {
				return l, l.Value, true
			}
			nh := &locksHeld{}
			return &pb.EntryOf[int64, *locksHeld]{Value: nh}, nh, false
		})
	return h
}

// lockEnter records that the calling goroutine now holds m. Called at
// the end of every successful acquire.
func (m *Mutex) lockEnter() {
	if OnDeadlockCycle(deadlockMode.Load()) == OnDeadlockIgnore {
		return
	}
	held := currentHeld(true)
	for i := 0; i < held.n; i++ {
		if held.locks[i].mu == m {
			held.locks[i].count++
			return
		}
	}
	if held.n == maxHeldLocks {
		held.overflow = true
		return
	}
	held.locks[held.n].mu = m
	held.locks[held.n].count = 1
	held.n++
}

// lockLeave records a release of m. A lock with no record is tolerated:
// it was acquired before detection was enabled, or the record
// overflowed.
func (m *Mutex) lockLeave() {
	if OnDeadlockCycle(deadlockMode.Load()) == OnDeadlockIgnore {
		return
	}
	id := goid()
	held, _ := heldRegistry.Load(id)
	if held == nil {
		return
	}
	for i := 0; i < held.n; i++ {
		if held.locks[i].mu == m {
			if held.locks[i].count > 1 {
				held.locks[i].count--
				return
			}
			held.n--
			held.locks[i] = held.locks[held.n]
			held.locks[held.n].mu = nil
			if held.n == 0 && !held.overflow {
				heldRegistry.Delete(id)
			}
			return
		}
	}
}

// deadlockCheck runs before every contended acquire of m, never on a
// fast path. It inserts an acquired-before edge from each lock the
// goroutine holds to m and reports or aborts if an edge would close a
// cycle, before any actual deadlock can wedge the process.
func (m *Mutex) deadlockCheck() {
	mode := OnDeadlockCycle(deadlockMode.Load())
	if mode == OnDeadlockIgnore {
		return
	}
	held := currentHeld(false)
	if held == nil || held.n == 0 {
		return
	}
	g := &deadlockGraph
	g.lock()
	defer g.unlock()
	mn := g.node(m)
	mn.stack = captureStack(3)
	for i := 0; i < held.n; i++ {
		other := held.locks[i].mu
		if other == m {
			continue // re-acquisition is diagnosed by the state checks
		}
		if g.insertEdge(g.node(other), mn) {
			continue
		}
		logf("potential deadlock: acquiring %p%s while holding%s",
			m, eventName(&m.mu), heldString(held))
		logf("acquiring here:%s", currentStackString(true))
		for _, pn := range g.findPath(mn, g.node(other), maxDeadlockPathLen) {
			logf("cycle through mutex %p%s, last acquired here:%s",
				pn.mu, eventName(&pn.mu.mu), stackString(pn.stack, true))
		}
		if mode == OnDeadlockAbort {
			g.unlock()
			fatalf("dying due to potential deadlock")
		}
		break // one report per acquisition is enough
	}
}

// AssertNotHeld aborts if the calling goroutine holds the lock.
// Requires deadlock detection to be enabled; with detection off the
// call is a no-op, since nothing tracks ownership.
func (m *Mutex) AssertNotHeld() {
	if m.mu.Load()&(muWriter|muReader) == 0 {
		return
	}
	if OnDeadlockCycle(deadlockMode.Load()) == OnDeadlockIgnore {
		return
	}
	held := currentHeld(false)
	if held == nil {
		return
	}
	for i := 0; i < held.n; i++ {
		if held.locks[i].mu == m {
			fatalf("thread should not hold Mutex %p%s", m, eventName(&m.mu))
		}
	}
}

func (m *Mutex) forgetDeadlockInfo() {
	if OnDeadlockCycle(deadlockMode.Load()) == OnDeadlockIgnore {
		return
	}
	g := &deadlockGraph
	g.lock()
	g.removeNode(m)
	g.unlock()
}

func heldString(held *locksHeld) string {
	var b strings.Builder
	for i := 0; i < held.n; i++ {
		hm := held.locks[i].mu
		fmt.Fprintf(&b, " %p%s", hm, eventName(&hm.mu))
	}
	if held.overflow {
		b.WriteString(" ...")
	}
	return b.String()
}
