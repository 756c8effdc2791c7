// Package session holds the per-session bookkeeping used by the store:
// operation results, operation flags, pending operations waiting for I/O,
// the retry queue and the serial numbers that commit points are built from.
//
// An ExecutionContext is owned by one session. Only the ready queue and the
// pending map are touched by I/O completion callbacks; everything else is
// driven by the session's own goroutine.
package session
