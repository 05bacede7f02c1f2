// File: socket/dispatch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dispatch engine. Runs only on the loop goroutine. One pass serves at
// most one operation per direction; the bounded outer loop is the
// edge-triggered re-arm: a single wake may stand for more work than one
// pass drains, and no second wake is guaranteed to arrive.

package socket

import (
	"errors"
	"fmt"

	"github.com/amsock/amsock/api"
)

// handleEvents is the top-level "handle ready events" routine the
// bridge hands off to. It drains passes while current readiness still
// overlaps the remaining interest, and stops as soon as a full pass
// serves nothing, keeping the work per wake bounded.
func (s *Socket) handleEvents() {
	if s.closed.Load() {
		return
	}
	for {
		events, err := s.native.Events()
		if err != nil || events&s.interest == 0 {
			return
		}
		served := false
		if events&api.PollIn != 0 && s.handleRecv() {
			served = true
		}
		if events&api.PollOut != 0 && s.handleSend() {
			served = true
		}
		if !served {
			return
		}
	}
}

// handleRecv serves the oldest live receive request, if the socket is
// still readable. Reports whether an operation was served.
func (s *Socket) handleRecv() bool {
	if events, err := s.native.Events(); err != nil || events&api.PollIn == 0 {
		// state may have changed between trigger and callback
		return false
	}
	ev := s.popLive(s.recvQ, api.PollIn)
	if ev == nil {
		return false
	}
	if ev.kind == opPoll {
		ev.timer.Cancel()
		ev.future.Complete(nil)
		return true
	}
	res, err := s.nativeRecv(ev.kind, ev.flags|api.DontWait)
	if errors.Is(err, api.ErrNotReady) {
		// bug-guard: readiness advertised the direction but the call
		// disagreed; keep the request queued and leave its future
		// pending for the next wake
		s.recvQ.pushFront(ev)
		s.addInterest(api.PollIn)
		return false
	}
	ev.timer.Cancel()
	if err != nil {
		ev.future.Fail(err)
		if errors.Is(err, api.ErrClosed) {
			s.nativeClosed()
		}
	} else {
		ev.future.Complete(res)
	}
	return true
}

// handleSend mirrors handleRecv for the send direction.
func (s *Socket) handleSend() bool {
	if events, err := s.native.Events(); err != nil || events&api.PollOut == 0 {
		return false
	}
	ev := s.popLive(s.sendQ, api.PollOut)
	if ev == nil {
		return false
	}
	if ev.kind == opPoll {
		ev.timer.Cancel()
		ev.future.Complete(nil)
		return true
	}
	err := s.nativeSend(ev.kind, ev.msg, ev.parts, ev.flags|api.DontWait)
	if errors.Is(err, api.ErrNotReady) {
		s.sendQ.pushFront(ev)
		s.addInterest(api.PollOut)
		return false
	}
	ev.timer.Cancel()
	if err != nil {
		ev.future.Fail(err)
		if errors.Is(err, api.ErrClosed) {
			s.nativeClosed()
		}
	} else {
		ev.future.Complete(nil)
	}
	return true
}

// nativeClosed handles the native socket reporting ErrClosed from a
// dispatched call: nothing queued can ever complete, so every pending
// operation fails now and the bridge is told to stop waiting on a
// descriptor a closed socket may hold permanently readable.
func (s *Socket) nativeClosed() {
	s.nativeDead.Store(true)
	s.cancelAll(api.ErrClosed)
	s.interest = 0
}

// popLive pops the oldest not-yet-done entry, discarding entries whose
// futures resolved first (canceled or timed out while queued); those
// must never be served. Dropping the interest bit when the queue runs
// empty keeps the bit⇔non-empty invariant.
func (s *Socket) popLive(q *pendingQueue, bit api.EventMask) *pendingEvent {
	var ev *pendingEvent
	for q.len() > 0 {
		e := q.popFront()
		if e.future.IsDone() {
			e.timer.Cancel()
			continue
		}
		ev = e
		break
	}
	if q.len() == 0 {
		s.dropInterest(bit)
	}
	return ev
}

// nativeRecv reissues the original receive parameters against the
// wrapped socket.
func (s *Socket) nativeRecv(kind opKind, flags api.Flag) (any, error) {
	switch kind {
	case opRecv:
		return s.native.Recv(flags)
	case opRecvMultipart:
		return s.native.RecvMultipart(flags)
	default:
		return nil, fmt.Errorf("unhandled recv kind %d", kind)
	}
}

// nativeSend reissues the original send parameters against the wrapped
// socket.
func (s *Socket) nativeSend(kind opKind, msg []byte, parts [][]byte, flags api.Flag) error {
	switch kind {
	case opSend:
		return s.native.Send(msg, flags)
	case opSendMultipart:
		return s.native.SendMultipart(parts, flags)
	default:
		return fmt.Errorf("unhandled send kind %d", kind)
	}
}
