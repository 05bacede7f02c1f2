// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error taxonomy shared by the bridge, the async poller, and transports.

package api

import "fmt"

var (
	// ErrNotReady is the native would-block signal. Callers see it only
	// when they asked for DontWait semantics; otherwise the bridge
	// absorbs it and queues the operation.
	ErrNotReady = fmt.Errorf("socket not ready")

	// ErrTimeout resolves an operation whose per-direction deadline
	// expired before the socket became ready. It wraps ErrNotReady, so
	// errors.Is(err, ErrNotReady) holds: a timed-out operation is
	// always retriable.
	ErrTimeout = fmt.Errorf("operation timed out: %w", ErrNotReady)

	// ErrClosed rejects operations on a closed socket or a stopped
	// loop. Pending operations canceled by Close also fail with it.
	ErrClosed = fmt.Errorf("socket closed")

	// ErrCanceled resolves a future whose awaiting party gave up
	// without a more specific reason.
	ErrCanceled = fmt.Errorf("operation canceled")
)
