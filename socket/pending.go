// File: socket/pending.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pending-operation FIFO. One queue per direction; entries leave the
// queue exactly once, either by being served or through the removal
// callback that fires when their future resolves by any other path.

package socket

import (
	"github.com/eapache/queue"

	"github.com/amsock/amsock/api"
	"github.com/amsock/amsock/sched"
)

// opKind tags a pending operation. Closed set; the dispatch engine
// switches exhaustively over it.
type opKind int

const (
	opRecv opKind = iota
	opRecvMultipart
	opSend
	opSendMultipart
	// opPoll entries carry a shared watcher future and are served as a
	// pure readiness signal, without a native transfer call.
	opPoll
)

// pendingEvent is one queued, not-yet-served operation bound to a
// future. Immutable once created, except for the timer handle.
type pendingEvent struct {
	future *sched.Future[any]
	kind   opKind
	flags  api.Flag
	msg    []byte   // outgoing payload for opSend
	parts  [][]byte // outgoing payload for opSendMultipart
	timer  *sched.Timer
}

// pendingQueue is an order-preserving FIFO of pending events. It is
// only ever touched from the loop goroutine.
type pendingQueue struct {
	q *queue.Queue
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{q: queue.New()}
}

func (p *pendingQueue) len() int { return p.q.Length() }

func (p *pendingQueue) push(ev *pendingEvent) { p.q.Add(ev) }

// popFront removes and returns the oldest entry, or nil when empty.
func (p *pendingQueue) popFront() *pendingEvent {
	if p.q.Length() == 0 {
		return nil
	}
	return p.q.Remove().(*pendingEvent)
}

// pushFront re-queues an entry at the head, preserving the order of
// everything behind it. Used by the dispatch bug-guard when a native
// call reports not-ready despite the readiness check.
func (p *pendingQueue) pushFront(ev *pendingEvent) {
	n := p.q.Length()
	p.q.Add(ev)
	for i := 0; i < n; i++ {
		p.q.Add(p.q.Remove())
	}
}

// remove deletes ev wherever it sits, keeping relative order of the
// rest. Reports whether the entry was still queued.
func (p *pendingQueue) remove(ev *pendingEvent) bool {
	n := p.q.Length()
	found := false
	for i := 0; i < n; i++ {
		e := p.q.Remove()
		if !found && e == interface{}(ev) {
			found = true
			continue
		}
		p.q.Add(e)
	}
	return found
}

// contains reports whether ev is still queued.
func (p *pendingQueue) contains(ev *pendingEvent) bool {
	for i := 0; i < p.q.Length(); i++ {
		if p.q.Get(i) == interface{}(ev) {
			return true
		}
	}
	return false
}

// drain empties the queue, returning the removed entries in order.
func (p *pendingQueue) drain() []*pendingEvent {
	events := make([]*pendingEvent, 0, p.q.Length())
	for p.q.Length() > 0 {
		events = append(events, p.q.Remove().(*pendingEvent))
	}
	return events
}
