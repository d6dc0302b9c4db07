package mu

import (
	"fmt"
	"log"
	"os"
)

// noCopy may be embedded into structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
type noCopy struct{}

// Lock is a no-op used by vet's copylocks checker.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

var stderr = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// logf is the diagnostic sink for event logging and deadlock reports.
// Tests swap it out to capture output.
var logf = func(format string, args ...any) {
	stderr.Printf(format, args...)
}

// exit is stubbed out in tests so fatal paths can be exercised.
var exit = os.Exit

// fatalf reports a condition the package cannot recover from, such as a
// corrupted state word, and terminates the process. Continuing would
// poison every later operation on the lock.
func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logf("fatal: %s", msg)
	exit(2)
	panic(msg)
}
