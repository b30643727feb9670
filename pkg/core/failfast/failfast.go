// Package failfast turns broken runtime invariants into immediate panics.
// The coordinator uses it for states that can only arise from a bug in the
// pool bookkeeping, never for conditions a caller can trigger.
package failfast

import (
	"fmt"
	"runtime/debug"
)

// Err panics if err != nil
// Includes stack trace for debugging
func Err(err error) {
	if err != nil {
		panic(fmt.Errorf("fail-fast: %w\n%s", err, debug.Stack()))
	}
}

// Invariant panics with a formatted message if cond is false.
func Invariant(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Errorf("invariant violated: "+format, args...))
	}
}
