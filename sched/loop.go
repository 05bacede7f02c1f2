//go:build unix

// File: sched/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Run loop: task injection, monotonic timers, raw-descriptor watches.
// The wait primitive is unix.Poll over the wake pipe and every watched
// descriptor, bounded by the nearest timer deadline.

package sched

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/amsock/amsock/api"
)

const (
	loopIdle int32 = iota
	loopRunning
	loopStopped
)

// WatchFunc receives readiness callbacks for a watched descriptor.
// It runs on the loop goroutine.
type WatchFunc func(fd int, events api.EventMask)

type watch struct {
	mask api.EventMask
	fn   WatchFunc
}

// Loop is a single-goroutine scheduler. All callbacks submitted through
// Post, Call, CallLater and Watch execute on one goroutine, so state
// shared between them needs no locking of its own.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	timers  timerHeap
	watches map[int]*watch

	wakeR, wakeW int
	wakePending  atomic.Bool
	state        atomic.Int32
	exited       chan struct{}
}

// NewLoop constructs an idle loop; Start brings it to life.
func NewLoop() *Loop {
	return &Loop{
		watches: make(map[int]*watch),
		exited:  make(chan struct{}),
		wakeR:   -1,
		wakeW:   -1,
	}
}

// Start allocates the wake channel and launches the loop goroutine.
func (l *Loop) Start() error {
	if !l.state.CompareAndSwap(loopIdle, loopRunning) {
		return api.ErrClosed
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		l.state.Store(loopStopped)
		close(l.exited)
		return err
	}
	for _, fd := range fds {
		_ = unix.SetNonblock(fd, true)
	}
	l.wakeR, l.wakeW = fds[0], fds[1]
	go l.run()
	return nil
}

// Stop terminates the loop and waits for its goroutine to exit.
// Remaining tasks and timers are dropped. Must not be called from the
// loop goroutine itself.
func (l *Loop) Stop() {
	if !l.state.CompareAndSwap(loopRunning, loopStopped) {
		return
	}
	l.wake()
	<-l.exited
}

// Running reports whether the loop accepts work.
func (l *Loop) Running() bool {
	return l.state.Load() == loopRunning
}

// Post schedules fn to run on the loop goroutine. Safe from any
// goroutine, including the loop's own. Returns false once the loop has
// stopped, in which case fn will never run.
func (l *Loop) Post(fn func()) bool {
	if l.state.Load() != loopRunning {
		return false
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wake()
	return true
}

// Call runs fn on the loop goroutine and blocks until it returns. This
// is the bridge handoff boundary: the caller does not resume until the
// dispatch pass it triggered has finished. Must not be called from the
// loop goroutine. Returns false without running fn once the loop has
// stopped, including when Stop lands after the task was accepted but
// before it ran.
func (l *Loop) Call(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.exited:
		// Stop drops accepted tasks; the callback may still have run
		// on the loop's final pass
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// Watch registers a readiness callback for a raw descriptor. A second
// Watch for the same descriptor replaces the first.
func (l *Loop) Watch(fd int, mask api.EventMask, fn WatchFunc) {
	l.mu.Lock()
	l.watches[fd] = &watch{mask: mask, fn: fn}
	l.mu.Unlock()
	l.wake()
}

// Unwatch drops the readiness callback for fd, if any.
func (l *Loop) Unwatch(fd int) {
	l.mu.Lock()
	delete(l.watches, fd)
	l.mu.Unlock()
	l.wake()
}

// wake makes the next (or current) poll return immediately. Writes are
// deduplicated so a burst of posts costs one pipe byte, and serialized
// on the mutex so they can never hit a descriptor the exiting loop
// already closed.
func (l *Loop) wake() {
	if !l.wakePending.CompareAndSwap(false, true) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.wakeW < 0 {
		return
	}
	if _, err := unix.Write(l.wakeW, []byte{0}); err != nil && err != unix.EAGAIN {
		log.Printf("[sched] wake write failed: %v", err)
	}
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) run() {
	defer func() {
		l.mu.Lock()
		_ = unix.Close(l.wakeR)
		_ = unix.Close(l.wakeW)
		l.wakeR, l.wakeW = -1, -1
		l.mu.Unlock()
		close(l.exited)
	}()

	var pfds []unix.PollFd
	var fds []int
	for {
		// Re-arm the wake dedup first: anything posted from here on
		// writes a byte, so the poll below cannot sleep past it. Work
		// posted before this line is picked up by the drains below.
		l.wakePending.Store(false)
		l.runDue()
		for _, task := range l.drainTasks() {
			l.invoke(task)
		}
		if l.state.Load() != loopRunning {
			return
		}

		pfds = pfds[:0]
		fds = fds[:0]
		pfds = append(pfds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
		l.mu.Lock()
		for fd, w := range l.watches {
			var ev int16
			if w.mask&api.PollIn != 0 {
				ev |= unix.POLLIN
			}
			if w.mask&api.PollOut != 0 {
				ev |= unix.POLLOUT
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: ev})
			fds = append(fds, fd)
		}
		timeout := l.pollTimeoutLocked()
		l.mu.Unlock()

		n, err := unix.Poll(pfds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Printf("[sched] poll failed: %v", err)
			l.state.Store(loopStopped)
			return
		}
		if n == 0 {
			continue
		}
		if pfds[0].Revents != 0 {
			l.drainWake()
		}
		for i, fd := range fds {
			re := pfds[i+1].Revents
			if re == 0 {
				continue
			}
			var mask api.EventMask
			if re&unix.POLLIN != 0 {
				mask |= api.PollIn
			}
			if re&unix.POLLOUT != 0 {
				mask |= api.PollOut
			}
			if re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				mask |= api.PollErr
			}
			// Re-check registration: an earlier callback this pass may
			// have unwatched the descriptor.
			l.mu.Lock()
			w, ok := l.watches[fd]
			l.mu.Unlock()
			if !ok {
				continue
			}
			fn := w.fn
			l.invoke(func() { fn(fd, mask) })
		}
	}
}

// pollTimeoutLocked computes the poll timeout in ms: zero when tasks
// are queued, the nearest timer deadline otherwise, infinite if none.
func (l *Loop) pollTimeoutLocked() int {
	if len(l.tasks) > 0 {
		return 0
	}
	if l.timers.Len() == 0 {
		return -1
	}
	d := time.Until(l.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	// round up so a timer never fires observably early
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

func (l *Loop) drainTasks() []func() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	return tasks
}

// invoke isolates loop continuity from a panicking callback.
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[sched] callback panic: %v", r)
		}
	}()
	fn()
}
