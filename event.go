package mu

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/llxisdsh/pb"

	"github.com/llxisdsh/mu/internal/opt"
)

// Events posted on mutexes and condition variables with recording
// enabled.
const (
	evTryLockSuccess = iota
	evTryLockFailed
	evReaderTryLockSuccess
	evReaderTryLockFailed
	evLock
	evLockReturning
	evReaderLock
	evReaderLockReturning
	evUnlock
	evReaderUnlock

	evWait
	evWaitReturning
	evSignal
	evSignalAll
)

const (
	evpLockHeld = 0x1 // posted with the lock held
)

var eventProperties = [...]struct {
	flags int
	msg   string
}{
	evTryLockSuccess:       {evpLockHeld, "TryLock succeeded "},
	evTryLockFailed:        {0, "TryLock failed "},
	evReaderTryLockSuccess: {evpLockHeld, "ReaderTryLock succeeded "},
	evReaderTryLockFailed:  {0, "ReaderTryLock failed "},
	evLock:                 {0, "Lock blocking "},
	evLockReturning:        {evpLockHeld, "Lock returning "},
	evReaderLock:           {0, "ReaderLock blocking "},
	evReaderLockReturning:  {evpLockHeld, "ReaderLock returning "},
	evUnlock:               {evpLockHeld, "Unlock "},
	evReaderUnlock:         {evpLockHeld, "ReaderUnlock "},
	evWait:                 {0, "Wait on "},
	evWaitReturning:        {0, "Wait unblocked "},
	evSignal:               {0, "Signal on "},
	evSignalAll:            {0, "SignalAll on "},
}

// synchEvent is the debug state of one Mutex or CondVar with event
// recording enabled: its name, whether operations are logged, and an
// optional invariant to check whenever the lock is held.
type synchEvent struct {
	name      string
	log       bool
	invariant func()
}

// synchEvents maps a state word's address to its event record. Objects
// without the event bit set never consult it.
var synchEvents pb.MapOf[*atomic.Uint64, *synchEvent]

// ensureSynchEvent returns the event record for word, creating it if
// needed, and sets bits (the event flag) in the word once the record
// exists. lockBit is the word's spinlock bit, which must be clear while
// flags change.
func ensureSynchEvent(word *atomic.Uint64, name string, bits, lockBit uint64) *synchEvent {
	e, _ := synchEvents.ProcessEntry(word,
		func(l *pb.EntryOf[*atomic.Uint64, *synchEvent]) (*pb.EntryOf[*atomic.Uint64, *synchEvent], *synchEvent, bool) {
			if l != nil {
				return l, l.Value, true
			}
			ne := &synchEvent{name: name}
			return &pb.EntryOf[*atomic.Uint64, *synchEvent]{Value: ne}, ne, false
		})
	setWordBits(word, bits, lockBit)
	return e
}

func forgetSynchEvent(word *atomic.Uint64, bits, lockBit uint64) {
	synchEvents.Delete(word)
	clearWordBits(word, bits, lockBit)
}

// eventName returns " name" for a word with a named event record, or "".
func eventName(word *atomic.Uint64) string {
	e, _ := synchEvents.Load(word)
	if e == nil || e.name == "" {
		return ""
	}
	return " " + e.name
}

// postSynchEvent logs event ev on obj (a *Mutex or *CondVar whose state
// word is word) and runs the object's invariant when the event is
// posted with the lock held.
func postSynchEvent(obj any, word *atomic.Uint64, ev int) {
	e, _ := synchEvents.Load(word)
	p := eventProperties[ev]
	if e == nil || e.log {
		var pcs [40]uintptr
		n := runtime.Callers(3, pcs[:])
		name := ""
		if e != nil {
			name = e.name
		}
		logf("%s%p %s %s", p.msg, obj, name, stackString(pcs[:n], false))
	}
	if p.flags&evpLockHeld != 0 && e != nil && e.invariant != nil {
		e.invariant()
	}
}

// EnableDebugLog causes the Mutex to log its operations under name. The
// event flag routes all of the object's fast paths through the
// recording slow paths from here on.
func (m *Mutex) EnableDebugLog(name string) {
	e := ensureSynchEvent(&m.mu, name, muEvent, muSpin)
	e.log = true
}

// checkInvariants gates EnableInvariantDebugging process-wide. It
// defaults to on under the race detector, which is where invariant
// violations are hunted anyway.
var checkInvariants atomic.Bool

func init() {
	checkInvariants.Store(opt.Race_)
}

// EnableMutexInvariantDebugging enables or disables invariant checking
// for mutexes that register an invariant afterwards.
func EnableMutexInvariantDebugging(enabled bool) {
	checkInvariants.Store(enabled)
}

// EnableInvariantDebugging registers invariant, a function to call
// whenever an operation observes the lock held, if invariant checking
// is enabled process-wide.
func (m *Mutex) EnableInvariantDebugging(invariant func()) {
	if invariant != nil && checkInvariants.Load() {
		e := ensureSynchEvent(&m.mu, "", muEvent, muSpin)
		e.invariant = invariant
	}
}

// Forget discards the Mutex's event registration and deadlock-graph
// node. Call it before the memory of a debugged or detection-tracked
// Mutex is reused for something else.
func (m *Mutex) Forget() {
	if m.mu.Load()&muEvent != 0 {
		forgetSynchEvent(&m.mu, muEvent, muSpin)
	}
	m.forgetDeadlockInfo()
}

// Diagnostic hooks. Each defaults to nil; registering replaces the
// previous hook. Hook functions must not call into this package.
var (
	profilerHook      atomic.Pointer[func(waitNanos int64)]
	mutexTracerHook   atomic.Pointer[func(msg string, m *Mutex, waitNanos int64)]
	condVarTracerHook atomic.Pointer[func(msg string, cv *CondVar)]
	symbolizerHook    atomic.Pointer[func(pc uintptr) (string, bool)]
)

// RegisterMutexProfiler installs fn to be called with the first
// waiter's wait time after each contended lock release. A nil fn
// removes the hook.
func RegisterMutexProfiler(fn func(waitNanos int64)) {
	if fn == nil {
		profilerHook.Store(nil)
		return
	}
	profilerHook.Store(&fn)
}

// RegisterMutexTracer installs fn to be called on traced mutex events.
// A nil fn removes the hook.
func RegisterMutexTracer(fn func(msg string, m *Mutex, waitNanos int64)) {
	if fn == nil {
		mutexTracerHook.Store(nil)
		return
	}
	mutexTracerHook.Store(&fn)
}

// RegisterCondVarTracer installs fn to be called on traced CondVar
// events. A nil fn removes the hook.
func RegisterCondVarTracer(fn func(msg string, cv *CondVar)) {
	if fn == nil {
		condVarTracerHook.Store(nil)
		return
	}
	condVarTracerHook.Store(&fn)
}

// RegisterSymbolizer installs fn to resolve program counters in
// deadlock reports. Without one, runtime.FuncForPC is used. A nil fn
// restores the default.
func RegisterSymbolizer(fn func(pc uintptr) (name string, ok bool)) {
	if fn == nil {
		symbolizerHook.Store(nil)
		return
	}
	symbolizerHook.Store(&fn)
}

func traceMutex(msg string, m *Mutex, waitNanos int64) {
	if fn := mutexTracerHook.Load(); fn != nil {
		(*fn)(msg, m, waitNanos)
	}
}

func traceCondVar(msg string, cv *CondVar) {
	if fn := condVarTracerHook.Load(); fn != nil {
		(*fn)(msg, cv)
	}
}

func profileContention(waitNanos int64) {
	if fn := profilerHook.Load(); fn != nil {
		(*fn)(waitNanos)
	}
}

func symbolize(pc uintptr) string {
	if fn := symbolizerHook.Load(); fn != nil {
		if s, ok := (*fn)(pc); ok {
			return s
		}
		return ""
	}
	if f := runtime.FuncForPC(pc); f != nil {
		file, line := f.FileLine(pc)
		return fmt.Sprintf("%s %s:%d", f.Name(), file, line)
	}
	return ""
}

// stackString formats a captured stack, one frame per line when
// symbolizing, all on one line otherwise.
func stackString(pcs []uintptr, symbolizePCs bool) string {
	var b strings.Builder
	for _, pc := range pcs {
		if symbolizePCs {
			fmt.Fprintf(&b, "\n\t@ %#x %s", pc, symbolize(pc))
		} else {
			fmt.Fprintf(&b, " %#x", pc)
		}
	}
	return b.String()
}

func currentStackString(symbolizePCs bool) string {
	var pcs [40]uintptr
	n := runtime.Callers(2, pcs[:])
	return stackString(pcs[:n], symbolizePCs)
}

func captureStack(skip int) []uintptr {
	var pcs [40]uintptr
	n := runtime.Callers(skip, pcs[:])
	return append([]uintptr(nil), pcs[:n]...)
}
