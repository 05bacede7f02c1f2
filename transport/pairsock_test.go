//go:build unix

// File: transport/pairsock_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/amsock/amsock/api"
)

func newPair(t *testing.T, cfg *Config) (*PairSocket, *PairSocket) {
	t.Helper()
	a, b, err := Pair(cfg)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	t.Cleanup(func() { a.Close(api.Forever); b.Close(api.Forever) })
	return a, b
}

func fdReadable(t *testing.T, fd int) bool {
	t.Helper()
	pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfds, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return n > 0 && pfds[0].Revents&unix.POLLIN != 0
}

func TestPairMaskTracksQueues(t *testing.T) {
	a, b := newPair(t, &Config{Depth: 1, RecvTimeout: api.Forever, SendTimeout: api.Forever})

	ev, _ := a.Events()
	if ev != api.PollOut {
		t.Fatalf("fresh socket mask = %v, want PollOut", ev)
	}
	if err := a.Send([]byte("m"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	// a's direction is full now
	ev, _ = a.Events()
	if ev&api.PollOut != 0 {
		t.Fatalf("mask %v still has PollOut on full direction", ev)
	}
	ev, _ = b.Events()
	if ev&api.PollIn == 0 {
		t.Fatalf("peer mask %v missing PollIn", ev)
	}
	if _, err := b.Recv(0); err != nil {
		t.Fatalf("recv: %v", err)
	}
	ev, _ = b.Events()
	if ev&api.PollIn != 0 {
		t.Fatalf("mask %v still has PollIn after drain", ev)
	}
}

func TestPairSignalDescriptor(t *testing.T) {
	a, b := newPair(t, &Config{Depth: 4, RecvTimeout: api.Forever, SendTimeout: api.Forever})

	// an idle pair keeps its descriptors quiet even though PollOut is up
	if fdReadable(t, a.Fd()) || fdReadable(t, b.Fd()) {
		t.Fatal("descriptor readable on idle pair")
	}

	// gaining PollIn pulses the peer's descriptor once
	for i := 0; i < 4; i++ {
		if err := b.Send([]byte("x"), 0); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if !fdReadable(t, a.Fd()) {
		t.Fatal("no pulse after inbound data arrived")
	}
	if ev, err := a.Events(); err != nil || ev&api.PollIn == 0 {
		t.Fatalf("events = (%v, %v), want PollIn", ev, err)
	}
	if fdReadable(t, a.Fd()) {
		t.Fatal("pulse not acknowledged by Events")
	}
	// the data is still there even though the descriptor went quiet
	if ev, _ := a.Events(); ev&api.PollIn == 0 {
		t.Fatal("readiness lost with the pulse")
	}
	// losing PollOut is not a gained bit: b stays quiet
	if fdReadable(t, b.Fd()) {
		t.Fatal("descriptor readable on a full send direction")
	}

	// draining one message pulses the sender once
	if _, err := a.Recv(0); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !fdReadable(t, b.Fd()) {
		t.Fatal("no pulse after the send direction regained room")
	}
	if _, err := b.Events(); err != nil {
		t.Fatalf("events: %v", err)
	}
	if fdReadable(t, b.Fd()) {
		t.Fatal("send-side pulse not acknowledged by Events")
	}
}

func TestPairDontWait(t *testing.T) {
	a, b := newPair(t, &Config{Depth: 1, RecvTimeout: api.Forever, SendTimeout: api.Forever})

	if _, err := a.Recv(api.DontWait); !errors.Is(err, api.ErrNotReady) {
		t.Fatalf("recv on empty inbox: %v, want ErrNotReady", err)
	}
	if err := a.Send([]byte("1"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send([]byte("2"), api.DontWait); !errors.Is(err, api.ErrNotReady) {
		t.Fatalf("send on full direction: %v, want ErrNotReady", err)
	}
	msg, err := b.Recv(api.DontWait)
	if err != nil || !bytes.Equal(msg, []byte("1")) {
		t.Fatalf("recv = (%q, %v)", msg, err)
	}
}

func TestPairBlockingRecvTimeout(t *testing.T) {
	a, _ := newPair(t, &Config{Depth: 1, RecvTimeout: 50 * time.Millisecond, SendTimeout: api.Forever})
	start := time.Now()
	_, err := a.Recv(0)
	if !errors.Is(err, api.ErrNotReady) {
		t.Fatalf("recv: %v, want ErrNotReady", err)
	}
	if d := time.Since(start); d < 40*time.Millisecond {
		t.Fatalf("recv returned after %v, before the deadline", d)
	}
}

func TestPairBlockingHandoff(t *testing.T) {
	a, b := newPair(t, nil)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = b.SendMultipart([][]byte{[]byte("head"), []byte("tail")}, 0)
	}()
	parts, err := a.RecvMultipart(0)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(parts) != 2 || !bytes.Equal(parts[0], []byte("head")) || !bytes.Equal(parts[1], []byte("tail")) {
		t.Fatalf("parts = %q", parts)
	}
}

func TestPairClose(t *testing.T) {
	a, b, err := Pair(nil)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if err := b.Send([]byte("leftover"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Close(api.Forever); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Send([]byte("x"), 0); !errors.Is(err, api.ErrClosed) {
		t.Fatalf("send after close: %v, want ErrClosed", err)
	}
	// close holds the surviving descriptor readable so waiters wake
	if !fdReadable(t, b.Fd()) {
		t.Fatal("descriptor not readable after peer close")
	}
	// and reports both directions ready so they reissue and fail
	want := api.PollIn | api.PollOut
	if ev, err := b.Events(); err != nil || ev&want != want {
		t.Fatalf("closed-pair mask = (%v, %v), want %v", ev, err, want)
	}
	// in-flight messages still drain
	if msg, err := a.Recv(0); err != nil || !bytes.Equal(msg, []byte("leftover")) {
		t.Fatalf("drain = (%q, %v)", msg, err)
	}
	if _, err := a.Recv(0); !errors.Is(err, api.ErrClosed) {
		t.Fatalf("recv after drain: %v, want ErrClosed", err)
	}
	_ = b.Close(api.Forever)
}
