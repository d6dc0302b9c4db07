//go:build !race

package opt

// Race_ reports whether the race detector is enabled for this build.
// The mu package turns invariant checking on by default under -race.
const Race_ = false
