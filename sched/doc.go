// File: sched/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package sched provides the single-goroutine run loop the bridge
// schedules onto, plus the future and timer primitives resolved on it.
//
// Every piece of bridge state (pending queues, interest bits, timers)
// is owned by exactly one Loop and mutated only from callbacks running
// on that Loop's goroutine. Cross-goroutine interaction happens through
// Post/Call, which wake the loop via a socketpair byte, never through
// shared mutable state.
package sched
