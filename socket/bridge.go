//go:build unix

// File: socket/bridge.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bridge goroutine: the only place that blocks on the native readiness
// descriptor. It multiplexes the descriptor with a private wake channel
// and converts each wake into exactly one blocking handoff onto the
// loop. It never re-enters the wait before the previous handoff has
// finished, so dispatch for one socket is never concurrent with
// itself.

package socket

import (
	"log"

	"golang.org/x/sys/unix"
)

func (s *Socket) bridge(ready chan struct{}) {
	defer s.closeWake()
	close(ready)

	pfds := []unix.PollFd{
		{Fd: int32(s.native.Fd()), Events: unix.POLLIN},
		{Fd: int32(s.wakeR), Events: unix.POLLIN},
	}
	for {
		pfds[0].Revents = 0
		pfds[1].Revents = 0
		// The readiness descriptor signals state changes in either
		// direction on read-readiness, so POLLIN alone covers sends too.
		if _, err := unix.Poll(pfds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Printf("[bridge] readiness wait failed: %v", err)
			return
		}
		if s.closed.Load() {
			return
		}
		if !s.loop.Call(s.handleEvents) {
			// loop stopped underneath us
			return
		}
		if s.nativeDead.Load() {
			// the native socket closed under us; its descriptor may
			// stay readable forever, so there is nothing left to wait on
			return
		}
	}
}
