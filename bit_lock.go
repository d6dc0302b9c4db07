package mu

import "sync/atomic"

// Helpers for flag bits embedded in a state word shared with other
// fields. All of them preserve the bits outside their mask.

// setWordBits sets the bits in mask, first waiting for every bit in
// waitUntilClear to be clear. Passing the word's spinlock bit as
// waitUntilClear keeps flag changes from racing a queue operation.
func setWordBits(w *atomic.Uint64, mask, waitUntilClear uint64) {
	for c := 0; ; {
		v := w.Load()
		if v&mask == mask {
			return
		}
		if v&waitUntilClear == 0 && w.CompareAndSwap(v, v|mask) {
			return
		}
		c = delay(c, gentle)
	}
}

// clearWordBits clears the bits in mask, first waiting for every bit in
// waitUntilClear to be clear.
func clearWordBits(w *atomic.Uint64, mask, waitUntilClear uint64) {
	for c := 0; ; {
		v := w.Load()
		if v&mask == 0 {
			return
		}
		if v&waitUntilClear == 0 && w.CompareAndSwap(v, v&^mask) {
			return
		}
		c = delay(c, gentle)
	}
}

// lockWordBit acquires a one-bit spinlock embedded in w.
func lockWordBit(w *atomic.Uint64, bit uint64) {
	for c := 0; ; {
		v := w.Load()
		if v&bit == 0 && w.CompareAndSwap(v, v|bit) {
			return
		}
		c = delay(c, gentle)
	}
}

// unlockWordBit releases the spinlock bit acquired by lockWordBit.
func unlockWordBit(w *atomic.Uint64, bit uint64) {
	for {
		v := w.Load()
		if w.CompareAndSwap(v, v&^bit) {
			return
		}
	}
}
