// Package syncerr holds the error taxonomy shared by adapters, the merge
// engine, the reconciler and the orchestrator.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	ErrTransport      = errors.New("transport error")
	ErrDecode         = errors.New("decode error")
	ErrMergeInvariant = errors.New("merge invariant violation")
	ErrReconciliation = errors.New("reconciliation error")

	ErrInvalidTransition = errors.New("invalid pagination transition")
	ErrLoadInFlight      = errors.New("oldest load already in flight")
	ErrNoAnchor          = errors.New("no local status to paginate from")
	ErrNotFrontier       = errors.New("anchor is not a frontier entry")
	ErrUnknownAccount    = errors.New("no backend adapter for account")
)

// TransportError is a network or HTTP failure talking to a backend.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Retryable reports whether another attempt may succeed.
func (e *TransportError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// DecodeError is a malformed or unexpected payload.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("%s: decode: %v", e.Op, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// MergeInvariantViolation is raised when a referenced entity cannot be resolved
// during a depth-first merge.
type MergeInvariantViolation struct {
	PlatformID string
	Reference  string
	Missing    string
}

func (e *MergeInvariantViolation) Error() string {
	return fmt.Sprintf("merge %s: unresolved %s %q", e.PlatformID, e.Reference, e.Missing)
}

func (e *MergeInvariantViolation) Is(target error) bool { return target == ErrMergeInvariant }

// ReconciliationError wraps a failed lookup chunk. It never aborts a cycle.
type ReconciliationError struct {
	Chunk int
	Err   error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile chunk %d: %v", e.Chunk, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliation }

// Fatal reports whether err must abort a sync cycle before mutation.
func Fatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrDecode)
}
