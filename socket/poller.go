//go:build unix

// File: socket/poller.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Async poller: composes readiness from bridge sockets, plain native
// sockets and raw descriptors into one awaited result. A shared
// watcher future is completed by whichever source fires first; only
// the first completion counts, and the authoritative ready set always
// comes from a fresh zero-timeout sweep, because the watcher is a wake
// hint, not proof of readiness.

package socket

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/amsock/amsock/api"
	"github.com/amsock/amsock/sched"
)

// Ready is one member of a poll result. Exactly one of Socket, Native
// and Fd identifies the member: Fd is valid only when both Socket and
// Native are nil.
type Ready struct {
	Socket *Socket
	Native api.Socket
	Fd     int
	Events api.EventMask
}

type pollItem struct {
	sock   *Socket
	native api.Socket
	fd     int
	mask   api.EventMask
}

// Poller multiplexes readiness across several members. The
// registration set is rebuilt per Poll call and not persisted beyond
// it; registering is not safe concurrently with Poll.
type Poller struct {
	loop  *sched.Loop
	items []pollItem
}

// NewPoller creates a poller dispatching on loop. Socket members must
// share that loop.
func NewPoller(loop *sched.Loop) *Poller {
	return &Poller{loop: loop}
}

// Register adds a bridge socket with an interest mask.
func (p *Poller) Register(s *Socket, mask api.EventMask) {
	p.items = append(p.items, pollItem{sock: s, mask: mask})
}

// RegisterNative adds a plain native socket. A transient bridge
// wrapper is created around it for the duration of the call and
// released during teardown without closing the socket.
func (p *Poller) RegisterNative(n api.Socket, mask api.EventMask) {
	p.items = append(p.items, pollItem{native: n, mask: mask})
}

// RegisterFd adds a raw descriptor.
func (p *Poller) RegisterFd(fd int, mask api.EventMask) {
	p.items = append(p.items, pollItem{fd: fd, mask: mask})
}

// Poll resolves with the set of ready (member, mask) pairs. Zero
// timeout checks once and resolves immediately; a negative timeout
// (api.Forever) waits indefinitely; a positive timeout bounds the
// wait and resolves with an empty set on expiry.
func (p *Poller) Poll(ctx context.Context, timeout time.Duration) ([]Ready, error) {
	result := sched.NewFuture[[]Ready]()
	if !p.loop.Post(func() { p.pollOnLoop(timeout, result) }) {
		return nil, api.ErrClosed
	}
	return result.Await(ctx, p.loop)
}

// pollOnLoop runs on the loop goroutine so the immediate sweep, the
// registrations and the teardown all obey the single-writer
// discipline.
func (p *Poller) pollOnLoop(timeout time.Duration, result *sched.Future[[]Ready]) {
	ready, err := p.sweep()
	if err != nil {
		result.Fail(err)
		return
	}
	if timeout == 0 || len(ready) > 0 {
		result.Complete(ready)
		return
	}

	watcher := sched.NewFuture[any]()
	var wrapped []*Socket
	var watchedFds []int
	var timer *sched.Timer

	teardown := func() {
		for _, fd := range watchedFds {
			p.loop.Unwatch(fd)
		}
		timer.Cancel()
		for _, w := range wrapped {
			w.release()
		}
	}

	for _, it := range p.items {
		switch {
		case it.sock != nil:
			it.sock.enqueuePoll(it.mask, watcher)
		case it.native != nil:
			w, werr := New(it.native, &Config{Loop: p.loop})
			if werr == nil {
				werr = w.Start()
			}
			if werr != nil {
				teardown()
				watcher.Fail(werr)
				result.Fail(werr)
				return
			}
			wrapped = append(wrapped, w)
			w.enqueuePoll(it.mask, watcher)
		default:
			fd := it.fd
			p.loop.Watch(fd, it.mask, func(int, api.EventMask) {
				watcher.Complete(nil)
			})
			watchedFds = append(watchedFds, fd)
		}
	}
	if timeout > 0 {
		timer = p.loop.CallLater(timeout, func() {
			watcher.Complete(nil)
		})
	}

	// Queue-entry removal callbacks registered by enqueuePoll run
	// before this one, so teardown sees the queues already clean.
	watcher.OnDone(func(w *sched.Future[any]) {
		teardown()
		if result.IsDone() {
			return
		}
		if w.Canceled() {
			result.Cancel()
			return
		}
		if err := w.Err(); err != nil {
			result.Fail(err)
			return
		}
		ready, err := p.sweep()
		if err != nil {
			result.Fail(err)
			return
		}
		result.Complete(ready)
	})

	// Cancellation of the awaiting party propagates inward; the
	// watcher's own teardown then runs exactly once.
	result.OnDone(func(*sched.Future[[]Ready]) {
		if !watcher.IsDone() {
			watcher.Cancel()
		}
	})
}

// sweep performs one zero-timeout readiness check across all members
// and returns the ready set.
func (p *Poller) sweep() ([]Ready, error) {
	var ready []Ready
	var pfds []unix.PollFd
	var fdItems []pollItem
	for _, it := range p.items {
		switch {
		case it.sock != nil:
			events, err := it.sock.native.Events()
			if err != nil {
				return nil, err
			}
			// the Events read consumed any descriptor pulse; readiness
			// the member's own queued operations were waiting on must be
			// re-dispatched here
			if events&it.sock.interest != 0 {
				p.loop.Post(it.sock.handleEvents)
			}
			if m := events & it.mask; m != 0 {
				ready = append(ready, Ready{Socket: it.sock, Fd: -1, Events: m})
			}
		case it.native != nil:
			events, err := it.native.Events()
			if err != nil {
				return nil, err
			}
			if m := events & it.mask; m != 0 {
				ready = append(ready, Ready{Native: it.native, Fd: -1, Events: m})
			}
		default:
			var ev int16
			if it.mask&api.PollIn != 0 {
				ev |= unix.POLLIN
			}
			if it.mask&api.PollOut != 0 {
				ev |= unix.POLLOUT
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(it.fd), Events: ev})
			fdItems = append(fdItems, it)
		}
	}
	if len(pfds) > 0 {
		if _, err := unix.Poll(pfds, 0); err != nil && err != unix.EINTR {
			return nil, err
		}
		for i, pfd := range pfds {
			var m api.EventMask
			if pfd.Revents&unix.POLLIN != 0 {
				m |= api.PollIn
			}
			if pfd.Revents&unix.POLLOUT != 0 {
				m |= api.PollOut
			}
			if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				m |= api.PollErr
			}
			m &= fdItems[i].mask | api.PollErr
			if m != 0 {
				ready = append(ready, Ready{Socket: nil, Native: nil, Fd: fdItems[i].fd, Events: m})
			}
		}
	}
	return ready, nil
}
