// Package mu provides a reader/writer mutual-exclusion lock with
// conditional critical sections, plus a condition variable designed to
// work with it.
//
// Mutex extends the usual Lock/Unlock pairs with LockWhen and Await,
// which block until an arbitrary predicate over the protected state
// holds, and with timed variants of every blocking call. CondVar.Signal
// transfers waiters directly onto the mutex queue so a signalled waiter
// never wakes just to block again.
//
// The package also carries optional debugging facilities: per-object
// event logging (EnableDebugLog), invariant checking, and a potential
// deadlock detector driven by a process-wide acquired-before graph
// (SetDeadlockDetectionMode).
//
// All of it is built on a single atomic word per object; the uncontended
// paths are one CAS each.
package mu
