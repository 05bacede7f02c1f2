// File: socket/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package socket layers an awaitable request/response interface over a
// blocking messaging socket that exposes only an edge-triggered
// readiness descriptor.
//
// Each Socket keeps one FIFO of pending operations per direction and a
// dedicated bridge goroutine that blocks on the readiness descriptor.
// When the descriptor fires, the bridge hands control to the owning
// sched.Loop, where the dispatch engine serves at most one operation
// per direction, then re-checks readiness against the remaining
// interest and runs another pass while work remains. All queue and
// interest mutation happens on the loop goroutine; the bridge goroutine
// only waits and triggers handoffs.
//
// Poller composes readiness from many sockets and raw descriptors into
// a single awaited result with an optional timeout.
package socket
