//go:build unix

// File: socket/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Async socket facade: lifecycle, pending-operation enqueue paths and
// interest tracking. Dispatch lives in dispatch.go, the blocking-wait
// goroutine in bridge.go, the high-level operations in facade.go.

package socket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/amsock/amsock/api"
	"github.com/amsock/amsock/sched"
)

// Config holds per-socket construction parameters.
type Config struct {
	// Loop is the scheduler the socket dispatches on. Sockets that
	// should be pollable together must share one. Nil gives the socket
	// a private loop that is stopped again on Close.
	Loop *sched.Loop
}

// DefaultConfig returns the default construction parameters.
func DefaultConfig() *Config {
	return &Config{}
}

// Socket wraps a native api.Socket with awaitable operations. Create
// with New, arm with Start, release with Close.
type Socket struct {
	native  api.Socket
	loop    *sched.Loop
	ownLoop bool

	// Owned by the loop goroutine.
	recvQ    *pendingQueue
	sendQ    *pendingQueue
	interest api.EventMask

	// Crosses the bridge boundary.
	closed     atomic.Bool
	started    atomic.Bool
	nativeDead atomic.Bool

	wakeMu sync.Mutex
	wakeR  int
	wakeW  int
}

// New wraps a native socket. The wrapped socket must not be used
// directly while the bridge is running; the bridge owns all calls on
// it.
func New(native api.Socket, cfg *Config) (*Socket, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Socket{
		native: native,
		loop:   cfg.Loop,
		recvQ:  newPendingQueue(),
		sendQ:  newPendingQueue(),
	}
	if s.loop == nil {
		s.loop = sched.NewLoop()
		if err := s.loop.Start(); err != nil {
			return nil, err
		}
		s.ownLoop = true
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		if s.ownLoop {
			s.loop.Stop()
		}
		return nil, err
	}
	for _, fd := range fds {
		_ = unix.SetNonblock(fd, true)
	}
	s.wakeR, s.wakeW = fds[0], fds[1]
	return s, nil
}

// Loop returns the scheduler this socket dispatches on.
func (s *Socket) Loop() *sched.Loop { return s.loop }

// Native returns the wrapped socket.
func (s *Socket) Native() api.Socket { return s.native }

// Start launches the bridge goroutine and returns once it is running.
// Idempotent; fails after Close.
func (s *Socket) Start() error {
	if s.closed.Load() {
		return api.ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	ready := make(chan struct{})
	go s.bridge(ready)
	<-ready
	return nil
}

// Close requests shutdown: the stop flag is raised, the bridge woken,
// every pending operation canceled with api.ErrClosed, interest
// cleared, and the native socket closed with the given linger. It does
// not wait for the bridge goroutine to exit and must not be called
// from a loop callback. Idempotent.
func (s *Socket) Close(linger time.Duration) error {
	if !s.stop() {
		return nil
	}
	err := s.native.Close(linger)
	if s.ownLoop {
		s.loop.Stop()
	}
	return err
}

// stop performs the shared half of Close and release: flag, wake,
// pending-operation cancellation. Reports whether this call won the
// transition to closed.
func (s *Socket) stop() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	if s.started.CompareAndSwap(false, true) {
		// bridge never ran and never will; reclaim the wake channel
		s.closeWake()
	} else {
		s.wakeBridge()
	}
	s.loop.Call(func() {
		s.cancelAll(api.ErrClosed)
		s.interest = 0
	})
	return true
}

// release tears down a transient wrapper from the loop goroutine
// without closing the native socket. Poller-only.
func (s *Socket) release() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.started.CompareAndSwap(false, true) {
		s.closeWake()
	} else {
		s.wakeBridge()
	}
	s.cancelAll(api.ErrClosed)
	s.interest = 0
}

func (s *Socket) cancelAll(reason error) {
	for _, ev := range append(s.recvQ.drain(), s.sendQ.drain()...) {
		ev.timer.Cancel()
		ev.future.Fail(reason)
	}
}

// enqueueRecv runs on the loop goroutine and implements the receive
// half of the pending-event contract: immediate-only short circuit,
// opportunistic completion, then queueing with timeout and removal
// callback.
func (s *Socket) enqueueRecv(kind opKind, flags api.Flag, fut *sched.Future[any]) {
	if s.closed.Load() {
		fut.Fail(api.ErrClosed)
		return
	}
	if flags&api.DontWait != 0 {
		s.resolveRecv(fut, kind, flags)
		return
	}
	if s.recvQ.len() == 0 {
		if events, err := s.native.Events(); err == nil && events&api.PollIn != 0 {
			res, err := s.nativeRecv(kind, flags|api.DontWait)
			if !errors.Is(err, api.ErrNotReady) {
				if err != nil {
					fut.Fail(err)
				} else {
					fut.Complete(res)
				}
				// the Events read consumed the descriptor pulse; any
				// waiting senders need the pass rescheduled
				if s.sendQ.len() > 0 {
					s.scheduleRemaining()
				}
				return
			}
			// readiness raced away between the check and the call;
			// queue like any other request
		}
	}
	ev := &pendingEvent{future: fut, kind: kind, flags: flags}
	if d := s.native.RecvTimeout(); d >= 0 {
		ev.timer = s.addTimeout(fut, d)
	}
	s.recvQ.push(ev)
	fut.OnDone(func(*sched.Future[any]) { s.unqueue(s.recvQ, ev, api.PollIn) })
	s.addInterest(api.PollIn)
}

// enqueueSend is the send-direction counterpart of enqueueRecv, with
// the extra opportunistic rule: when no sends are queued, one
// non-blocking attempt happens up front, and a completed attempt
// schedules a dispatch pass for any waiting receivers because a
// successful send can change the readiness mask.
func (s *Socket) enqueueSend(kind opKind, msg []byte, parts [][]byte, flags api.Flag, fut *sched.Future[any]) {
	if s.closed.Load() {
		fut.Fail(api.ErrClosed)
		return
	}
	if flags&api.DontWait != 0 {
		s.resolveSend(fut, kind, msg, parts, flags)
		return
	}
	if s.sendQ.len() == 0 {
		err := s.nativeSend(kind, msg, parts, flags|api.DontWait)
		if !errors.Is(err, api.ErrNotReady) {
			if err != nil {
				fut.Fail(err)
			} else {
				fut.Complete(nil)
			}
			if s.recvQ.len() > 0 {
				s.scheduleRemaining()
			}
			return
		}
	}
	ev := &pendingEvent{future: fut, kind: kind, flags: flags, msg: msg, parts: parts}
	if d := s.native.SendTimeout(); d >= 0 {
		ev.timer = s.addTimeout(fut, d)
	}
	s.sendQ.push(ev)
	fut.OnDone(func(*sched.Future[any]) { s.unqueue(s.sendQ, ev, api.PollOut) })
	s.addInterest(api.PollOut)
}

// enqueuePoll registers a pure readiness request bound to a shared
// watcher future. No timer and no native transfer; dispatch resolves
// the watcher the first time the direction becomes ready.
func (s *Socket) enqueuePoll(events api.EventMask, watcher *sched.Future[any]) {
	if s.closed.Load() {
		watcher.Fail(api.ErrClosed)
		return
	}
	if events&api.PollIn != 0 {
		ev := &pendingEvent{future: watcher, kind: opPoll}
		s.recvQ.push(ev)
		watcher.OnDone(func(*sched.Future[any]) { s.unqueue(s.recvQ, ev, api.PollIn) })
		s.addInterest(api.PollIn)
	}
	if events&api.PollOut != 0 {
		ev := &pendingEvent{future: watcher, kind: opPoll}
		s.sendQ.push(ev)
		watcher.OnDone(func(*sched.Future[any]) { s.unqueue(s.sendQ, ev, api.PollOut) })
		s.addInterest(api.PollOut)
	}
}

// resolveRecv performs one immediate-only native receive.
func (s *Socket) resolveRecv(fut *sched.Future[any], kind opKind, flags api.Flag) {
	res, err := s.nativeRecv(kind, flags)
	if err != nil {
		fut.Fail(err)
		return
	}
	fut.Complete(res)
}

// resolveSend performs one immediate-only native send.
func (s *Socket) resolveSend(fut *sched.Future[any], kind opKind, msg []byte, parts [][]byte, flags api.Flag) {
	if err := s.nativeSend(kind, msg, parts, flags); err != nil {
		fut.Fail(err)
		return
	}
	fut.Complete(nil)
}

// addTimeout arms the per-request deadline: firing resolves the future
// with the retriable timeout error, which in turn triggers the removal
// callback.
func (s *Socket) addTimeout(fut *sched.Future[any], d time.Duration) *sched.Timer {
	return s.loop.CallLater(d, func() {
		fut.Fail(api.ErrTimeout)
	})
}

// unqueue is the removal callback shared by cancellation, timeout and
// close. It tolerates the entry having been consumed by dispatch.
func (s *Socket) unqueue(q *pendingQueue, ev *pendingEvent, bit api.EventMask) {
	if q.remove(ev) {
		ev.timer.Cancel()
	}
	if q.len() == 0 {
		s.dropInterest(bit)
	}
}

func (s *Socket) addInterest(bit api.EventMask) {
	s.interest |= bit
	s.scheduleRemaining()
}

func (s *Socket) dropInterest(bit api.EventMask) {
	s.interest &^= bit
}

// scheduleRemaining posts a dispatch pass when current native readiness
// still overlaps the interest bits. The readiness descriptor is
// edge-triggered: if the socket was already ready when interest was
// raised, no further wake will arrive, so the pass must be scheduled
// here.
func (s *Socket) scheduleRemaining() {
	if s.interest == 0 {
		return
	}
	events, err := s.native.Events()
	if err != nil || events&s.interest == 0 {
		return
	}
	s.loop.Post(s.handleEvents)
}

// wakeBridge and closeWake serialize on wakeMu so a wake can never hit
// a descriptor the bridge already closed (and the OS reassigned).
func (s *Socket) wakeBridge() {
	s.wakeMu.Lock()
	if s.wakeW >= 0 {
		_, _ = unix.Write(s.wakeW, []byte{0})
	}
	s.wakeMu.Unlock()
}

func (s *Socket) closeWake() {
	s.wakeMu.Lock()
	if s.wakeR >= 0 {
		_ = unix.Close(s.wakeR)
		_ = unix.Close(s.wakeW)
		s.wakeR, s.wakeW = -1, -1
	}
	s.wakeMu.Unlock()
}
