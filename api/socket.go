// File: api/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Native messaging-socket contract consumed by the async bridge.
// The bridge never talks to a transport directly; it drives any
// implementation of Socket through non-blocking calls gated on the
// readiness mask and the readiness descriptor.

package api

import "time"

// Forever disables a timeout when passed as a poll timeout or linger.
const Forever time.Duration = -1

// EventMask is the per-direction readiness bitmask reported by a Socket.
type EventMask int

const (
	// PollIn is set when at least one inbound message can be received
	// without blocking.
	PollIn EventMask = 1 << iota
	// PollOut is set when at least one outbound message can be sent
	// without blocking.
	PollOut
	// PollErr reports an error condition on a raw descriptor. Sockets
	// never set it; the async poller may report it for watched fds.
	PollErr
)

// Flag modifies a single transfer call.
type Flag int

const (
	// DontWait requests immediate-only semantics: the call returns
	// ErrNotReady instead of blocking or queueing.
	DontWait Flag = 1 << iota
)

// Socket is a blocking-capable messaging socket with an OS-level
// readiness descriptor. The descriptor becoming read-ready means "state
// changed, check Events", not that any particular operation would
// succeed; reading Events acknowledges the signal, and readiness that
// was reported but not acted on produces no further signal. Waiters
// must therefore re-check Events after raising interest.
// Implementations must support DontWait on every transfer call.
//
// The bridge guarantees it never issues two calls on the same Socket
// concurrently.
type Socket interface {
	// Events returns the current readiness bitmask.
	Events() (EventMask, error)

	// RecvTimeout and SendTimeout report the per-direction deadlines
	// applied to queued operations. A negative duration disables the
	// deadline.
	RecvTimeout() time.Duration
	SendTimeout() time.Duration

	// Recv returns the next whole message.
	Recv(flags Flag) ([]byte, error)

	// RecvMultipart returns the next message as its ordered parts.
	RecvMultipart(flags Flag) ([][]byte, error)

	// Send queues one whole message on the transport.
	Send(msg []byte, flags Flag) error

	// SendMultipart queues one message composed of ordered parts.
	SendMultipart(parts [][]byte, flags Flag) error

	// Close releases the socket. A non-negative linger bounds how long
	// unsent messages may be drained; Forever keeps the transport's
	// default.
	Close(linger time.Duration) error

	// Fd returns the readiness descriptor.
	Fd() int
}

// Cancelable is any operation that may be canceled before it completes.
type Cancelable interface {
	// Cancel attempts to abort the operation.
	Cancel()
	// Done is closed on completion or cancellation.
	Done() <-chan struct{}
	// Err returns the completion error, if any.
	Err() error
}
