package mu

import (
	"strings"
	"testing"
	"time"
)

func TestEnableDebugLog(t *testing.T) {
	out := captureLog(t)

	var m Mutex
	m.EnableDebugLog("logged-mutex")
	defer m.Forget()

	m.Lock()
	m.Unlock()
	m.ReaderLock()
	m.ReaderUnlock()

	log := out()
	for _, want := range []string{
		"Lock returning", "Unlock", "ReaderLock returning", "ReaderUnlock",
		"logged-mutex",
	} {
		if !strings.Contains(log, want) {
			t.Fatalf("debug log missing %q:\n%s", want, log)
		}
	}

	m.Forget()
	if m.mu.Load()&muEvent != 0 {
		t.Fatal("event bit still set after Forget")
	}
	if eventName(&m.mu) != "" {
		t.Fatal("event record still registered after Forget")
	}
}

func TestCondVarDebugLog(t *testing.T) {
	out := captureLog(t)

	var (
		m  Mutex
		cv CondVar
	)
	cv.EnableDebugLog("logged-cv")

	go func() {
		time.Sleep(5 * time.Millisecond)
		cv.Signal() // no waiter; exercises the empty path
		m.Lock()
		m.Unlock()
		cv.SignalAll()
	}()

	m.Lock()
	cv.WaitWithTimeout(&m, 50*time.Millisecond)
	m.Unlock()

	log := out()
	for _, want := range []string{"Wait on", "Wait unblocked", "logged-cv"} {
		if !strings.Contains(log, want) {
			t.Fatalf("condvar debug log missing %q:\n%s", want, log)
		}
	}
}

func TestInvariantDebugging(t *testing.T) {
	captureLog(t) // silence event output

	old := checkInvariants.Load()
	EnableMutexInvariantDebugging(true)
	defer EnableMutexInvariantDebugging(old)

	var m Mutex
	defer m.Forget()
	balance := 0
	calls := 0
	m.EnableInvariantDebugging(func() {
		calls++
		if balance < 0 {
			t.Error("invariant saw a negative balance")
		}
	})

	for i := 0; i < 3; i++ {
		m.Lock()
		balance++
		m.Unlock()
	}
	if calls == 0 {
		t.Fatal("invariant never ran on lock-held events")
	}
}

func TestTryLockEvents(t *testing.T) {
	out := captureLog(t)

	var m Mutex
	m.EnableDebugLog("try-mutex")
	defer m.Forget()

	if !m.TryLock() {
		t.Fatal("TryLock failed on a free mutex")
	}
	if m.TryLock() {
		t.Fatal("TryLock succeeded while held")
	}
	m.Unlock()

	log := out()
	if !strings.Contains(log, "TryLock succeeded") {
		t.Fatalf("missing TryLock success event:\n%s", log)
	}
	if !strings.Contains(log, "TryLock failed") {
		t.Fatalf("missing TryLock failure event:\n%s", log)
	}
}

func TestMutexTracerAndProfiler(t *testing.T) {
	var traced, profiled bool
	tracedMsg := ""
	RegisterMutexTracer(func(msg string, m *Mutex, waitNanos int64) {
		traced = true
		tracedMsg = msg
	})
	RegisterMutexProfiler(func(waitNanos int64) {
		profiled = waitNanos >= 0
	})
	defer RegisterMutexTracer(nil)
	defer RegisterMutexProfiler(nil)

	var m Mutex
	m.Lock()
	released := make(chan struct{})
	go func() {
		m.Lock() // parks; its wakeup is the traced slow release
		m.Unlock()
		close(released)
	}()
	for m.mu.Load()&muWait == 0 {
		time.Sleep(time.Millisecond)
	}
	m.Unlock()
	<-released

	if !traced || tracedMsg != "slow release" {
		t.Fatalf("tracer not called for contended release (msg %q)", tracedMsg)
	}
	if !profiled {
		t.Fatal("profiler not called for contended release")
	}
}

func TestCondVarTracer(t *testing.T) {
	var msgs []string
	RegisterCondVarTracer(func(msg string, cv *CondVar) {
		msgs = append(msgs, msg)
	})
	defer RegisterCondVarTracer(nil)

	var (
		m  Mutex
		cv CondVar
	)
	m.Lock()
	cv.WaitWithTimeout(&m, 5*time.Millisecond)
	m.Unlock()

	joined := strings.Join(msgs, ",")
	if !strings.Contains(joined, "Wait") || !strings.Contains(joined, "Unwait") {
		t.Fatalf("condvar tracer calls = %q", joined)
	}
}

func TestSymbolizerUsedInReports(t *testing.T) {
	out := captureLog(t)
	RegisterSymbolizer(func(pc uintptr) (string, bool) {
		return "SYMBOLIZED-FRAME", true
	})
	defer RegisterSymbolizer(nil)

	SetDeadlockDetectionMode(OnDeadlockReport)
	defer SetDeadlockDetectionMode(OnDeadlockIgnore)

	var ma, mb Mutex
	defer ma.Forget()
	defer mb.Forget()
	ma.Lock()
	mb.LockWhen(nil)
	mb.Unlock()
	ma.Unlock()
	mb.Lock()
	ma.LockWhen(nil)
	ma.Unlock()
	mb.Unlock()

	report := out()
	if !strings.Contains(report, "potential deadlock") {
		t.Fatal("expected a deadlock report")
	}
	if !strings.Contains(report, "SYMBOLIZED-FRAME") {
		t.Fatal("report did not use the registered symbolizer")
	}
}
