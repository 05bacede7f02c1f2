//go:build unix

// File: transport/pairsock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-memory connected message-socket pair implementing api.Socket.
// Each half owns a signal socketpair whose read end is the readiness
// descriptor. It behaves like a mailbox: pulsed when the half gains a
// readiness bit it did not have, held readable while closed, and
// acknowledged by the next Events call. The descriptor says "state
// changed, check Events", not "operations would succeed now" — a
// level-triggered rendition would be permanently readable through
// PollOut and spin any wait loop blocked on it.

package transport

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/amsock/amsock/api"
)

// Config holds pair construction parameters.
type Config struct {
	// Depth bounds each direction's in-flight message count. A full
	// direction drops PollOut on the sender until the peer receives.
	Depth int
	// RecvTimeout and SendTimeout seed the per-direction deadlines
	// reported to the bridge. Negative disables.
	RecvTimeout time.Duration
	SendTimeout time.Duration
}

// DefaultConfig returns a small bounded pair with no deadlines.
func DefaultConfig() *Config {
	return &Config{
		Depth:       8,
		RecvTimeout: api.Forever,
		SendTimeout: api.Forever,
	}
}

// message is one whole transfer unit: its ordered parts.
type message [][]byte

// shared is the single allocation both halves point into.
type shared struct {
	mu     sync.Mutex
	queues [2][]message // [0] a→b, [1] b→a
	halves [2]*PairSocket
	depth  int
	closed bool
	change chan struct{} // closed and replaced on every mutation
}

// PairSocket is one half of an in-memory pair.
type PairSocket struct {
	sh  *shared
	out int // index of the queue this half sends into
	in  int // index of the queue this half receives from

	sigR, sigW int
	signaled   bool          // byte currently in the signal pair; guarded by sh.mu
	prevMask   api.EventMask // mask at the last sync; guarded by sh.mu

	// guarded by sh.mu
	recvTimeout time.Duration
	sendTimeout time.Duration
}

var _ api.Socket = (*PairSocket)(nil)

// Pair creates two connected halves. Closing either half closes the
// pair.
func Pair(cfg *Config) (*PairSocket, *PairSocket, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	depth := cfg.Depth
	if depth <= 0 {
		depth = DefaultConfig().Depth
	}
	sh := &shared{depth: depth, change: make(chan struct{})}
	// prevMask starts at PollOut: a fresh pair can send, and that
	// initial state is not a transition worth a wake
	a := &PairSocket{sh: sh, out: 0, in: 1, sigR: -1, sigW: -1, prevMask: api.PollOut, recvTimeout: cfg.RecvTimeout, sendTimeout: cfg.SendTimeout}
	b := &PairSocket{sh: sh, out: 1, in: 0, sigR: -1, sigW: -1, prevMask: api.PollOut, recvTimeout: cfg.RecvTimeout, sendTimeout: cfg.SendTimeout}
	sh.halves = [2]*PairSocket{a, b}
	for _, p := range []*PairSocket{a, b} {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			a.closeSignals()
			b.closeSignals()
			return nil, nil, err
		}
		for _, fd := range fds {
			_ = unix.SetNonblock(fd, true)
		}
		p.sigR, p.sigW = fds[0], fds[1]
	}
	return a, b, nil
}

// Fd returns the readiness descriptor. Pulsed when a readiness bit
// appears, held readable while the pair is closed, quiet again after
// the next Events call.
func (p *PairSocket) Fd() int { return p.sigR }

// Events returns the current readiness bitmask and acknowledges any
// pending pulse on the descriptor. Readiness the caller does not act
// on will not produce another pulse; callers that wait must re-check
// after raising their interest.
func (p *PairSocket) Events() (api.EventMask, error) {
	p.sh.mu.Lock()
	defer p.sh.mu.Unlock()
	mask := p.maskLocked()
	if p.sh.closed {
		p.raiseLocked()
	} else {
		p.clearLocked()
	}
	return mask, nil
}

// RecvTimeout reports the receive deadline applied to queued bridge
// operations.
func (p *PairSocket) RecvTimeout() time.Duration {
	p.sh.mu.Lock()
	defer p.sh.mu.Unlock()
	return p.recvTimeout
}

// SendTimeout reports the send deadline applied to queued bridge
// operations.
func (p *PairSocket) SendTimeout() time.Duration {
	p.sh.mu.Lock()
	defer p.sh.mu.Unlock()
	return p.sendTimeout
}

// SetRecvTimeout configures the receive deadline.
func (p *PairSocket) SetRecvTimeout(d time.Duration) {
	p.sh.mu.Lock()
	p.recvTimeout = d
	p.sh.mu.Unlock()
}

// SetSendTimeout configures the send deadline.
func (p *PairSocket) SetSendTimeout(d time.Duration) {
	p.sh.mu.Lock()
	p.sendTimeout = d
	p.sh.mu.Unlock()
}

// Recv returns the next whole message. Multipart messages yield their
// first part; use RecvMultipart to keep all parts.
func (p *PairSocket) Recv(flags api.Flag) ([]byte, error) {
	parts, err := p.RecvMultipart(flags)
	if err != nil {
		return nil, err
	}
	return parts[0], nil
}

// RecvMultipart returns the next message as its ordered parts. With
// DontWait it fails with api.ErrNotReady instead of waiting; otherwise
// it blocks until a message arrives, the receive deadline expires
// (api.ErrNotReady) or the pair closes.
func (p *PairSocket) RecvMultipart(flags api.Flag) ([][]byte, error) {
	var deadline <-chan time.Time
	p.sh.mu.Lock()
	if p.recvTimeout >= 0 && flags&api.DontWait == 0 {
		t := time.NewTimer(p.recvTimeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		if msg := p.popLocked(); msg != nil {
			p.sh.mu.Unlock()
			return msg, nil
		}
		if p.sh.closed {
			p.sh.mu.Unlock()
			return nil, api.ErrClosed
		}
		if flags&api.DontWait != 0 {
			p.sh.mu.Unlock()
			return nil, api.ErrNotReady
		}
		ch := p.sh.change
		p.sh.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return nil, api.ErrNotReady
		}
		p.sh.mu.Lock()
	}
}

// Send transmits one whole message.
func (p *PairSocket) Send(msg []byte, flags api.Flag) error {
	return p.SendMultipart([][]byte{msg}, flags)
}

// SendMultipart transmits one message composed of ordered parts,
// blocking on a full direction unless DontWait is set.
func (p *PairSocket) SendMultipart(parts [][]byte, flags api.Flag) error {
	owned := make(message, len(parts))
	for i, part := range parts {
		owned[i] = append([]byte(nil), part...)
	}
	var deadline <-chan time.Time
	p.sh.mu.Lock()
	if p.sendTimeout >= 0 && flags&api.DontWait == 0 {
		t := time.NewTimer(p.sendTimeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		if p.sh.closed {
			p.sh.mu.Unlock()
			return api.ErrClosed
		}
		if len(p.sh.queues[p.out]) < p.sh.depth {
			p.sh.queues[p.out] = append(p.sh.queues[p.out], owned)
			p.mutatedLocked()
			p.sh.mu.Unlock()
			return nil
		}
		if flags&api.DontWait != 0 {
			p.sh.mu.Unlock()
			return api.ErrNotReady
		}
		ch := p.sh.change
		p.sh.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return api.ErrNotReady
		}
		p.sh.mu.Lock()
	}
}

// Close shuts the pair down. Undelivered messages are dropped; linger
// is accepted for contract parity and ignored, since nothing buffers
// outside the shared queues.
func (p *PairSocket) Close(time.Duration) error {
	p.sh.mu.Lock()
	if !p.sh.closed {
		p.sh.closed = true
		p.mutatedLocked()
	}
	p.closeSignals()
	p.sh.mu.Unlock()
	return nil
}

func (p *PairSocket) popLocked() message {
	q := p.sh.queues[p.in]
	if len(q) == 0 {
		return nil
	}
	msg := q[0]
	p.sh.queues[p.in] = q[1:]
	p.mutatedLocked()
	return msg
}

func (p *PairSocket) maskLocked() api.EventMask {
	if p.sh.closed {
		// a closed pair reports both directions ready so waiters
		// reissue their calls and observe ErrClosed (or drain
		// leftover inbound messages first)
		return api.PollIn | api.PollOut
	}
	var mask api.EventMask
	if len(p.sh.queues[p.in]) > 0 {
		mask |= api.PollIn
	}
	if len(p.sh.queues[p.out]) < p.sh.depth {
		mask |= api.PollOut
	}
	return mask
}

// mutatedLocked runs after every state change: wakes blocked peers and
// brings both halves' signal descriptors in line with their masks.
func (p *PairSocket) mutatedLocked() {
	close(p.sh.change)
	p.sh.change = make(chan struct{})
	p.syncSignalLocked()
	p.peerLocked().syncSignalLocked()
}

// peerLocked finds the opposite half through the shared queues. Both
// halves are reachable from the shared state, so store them there.
func (p *PairSocket) peerLocked() *PairSocket {
	if p.sh.halves[0] == p {
		return p.sh.halves[1]
	}
	return p.sh.halves[0]
}

// syncSignalLocked updates the signal descriptor after a state change:
// one pulse per newly gained readiness bit, a standing pulse once the
// pair closes.
func (p *PairSocket) syncSignalLocked() {
	mask := p.maskLocked()
	gained := mask &^ p.prevMask
	p.prevMask = mask
	if p.sh.closed || gained != 0 {
		p.raiseLocked()
	}
}

func (p *PairSocket) raiseLocked() {
	if p.signaled || p.sigW < 0 {
		return
	}
	if _, err := unix.Write(p.sigW, []byte{0}); err == nil {
		p.signaled = true
	}
}

func (p *PairSocket) clearLocked() {
	if !p.signaled || p.sigR < 0 {
		return
	}
	var buf [1]byte
	if _, err := unix.Read(p.sigR, buf[:]); err == nil {
		p.signaled = false
	}
}

func (p *PairSocket) closeSignals() {
	if p.sigR >= 0 {
		_ = unix.Close(p.sigR)
		p.sigR = -1
	}
	if p.sigW >= 0 {
		_ = unix.Close(p.sigW)
		p.sigW = -1
	}
}
