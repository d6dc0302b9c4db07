package mu

// A Condition is a boolean predicate over state protected by a Mutex,
// used by LockWhen and Await to decide when a conditional wait may
// return. The nil *Condition is the always-true condition.
//
// Predicates must be fast, must not block or panic, and must depend only
// on state guarded by the associated Mutex: the unlock slow path may
// evaluate a waiter's predicate from another goroutine while it scans
// the queue. A predicate whose result changes without the Mutex held
// yields unspecified wakeup behavior.
type Condition struct {
	eval func() bool
}

// NewCondition returns a Condition that holds when fn returns true.
func NewCondition(fn func() bool) *Condition {
	return &Condition{eval: fn}
}

// BoolCondition returns a Condition that holds when *p is true.
func BoolCondition(p *bool) *Condition {
	return &Condition{eval: func() bool { return *p }}
}

// Eval evaluates the condition. A nil Condition is vacuously true.
func (c *Condition) Eval() bool {
	return c == nil || c.eval == nil || c.eval()
}

// guaranteedEqual reports whether two conditions are known to be the
// same. It groups waiters into skip chains, so a false negative only
// costs queue-scan time, never correctness.
func guaranteedEqual(a, b *Condition) bool {
	if a == nil || a.eval == nil {
		return b == nil || b.eval == nil
	}
	if b == nil || b.eval == nil {
		return false
	}
	return a == b
}
