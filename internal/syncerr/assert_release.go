//go:build !debug

package syncerr

// Violation reports the broken reference and lets the caller skip the record.
func Violation(err *MergeInvariantViolation, report func(error)) {
	if report != nil {
		report(err)
	}
}

const DebugAssertions = false
