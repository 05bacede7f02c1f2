// File: sched/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Monotonic timer queue backing Loop.CallLater.

package sched

import (
	"container/heap"
	"time"
)

// Timer is a delayed callback scheduled on a Loop. Cancel is safe from
// any goroutine and idempotent; a canceled timer never fires.
type Timer struct {
	loop     *Loop
	deadline time.Time
	fn       func()
	index    int // heap slot, -1 once fired or canceled
}

// CallLater schedules fn to run on the loop goroutine once d has
// elapsed. A non-positive d fires on the next loop iteration.
func (l *Loop) CallLater(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, deadline: time.Now().Add(d), fn: fn}
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.wake()
	return t
}

// Cancel removes the timer from its loop's queue.
func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	l := t.loop
	l.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
		t.index = -1
	}
	l.mu.Unlock()
}

// runDue fires every expired timer. Callbacks run without the loop
// mutex held.
func (l *Loop) runDue() {
	for {
		l.mu.Lock()
		if l.timers.Len() == 0 || l.timers[0].deadline.After(time.Now()) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*Timer)
		t.index = -1
		l.mu.Unlock()
		l.invoke(t.fn)
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
