package mu

import "runtime"

// goid returns the current goroutine's id by parsing the header line of
// runtime.Stack output ("goroutine 123 [running]:"). It is only called
// by the deadlock detector and AssertNotHeld, never on a fast path.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	const prefix = "goroutine "
	if n <= len(prefix) {
		return 0
	}
	var id int64
	for _, c := range buf[len(prefix):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
