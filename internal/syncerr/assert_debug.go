//go:build debug

package syncerr

// Violation panics in debug builds so data-contract bugs surface immediately.
func Violation(err *MergeInvariantViolation, report func(error)) {
	panic(err)
}

const DebugAssertions = true
