// File: sched/future_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sched

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/amsock/amsock/api"
)

func TestFutureFirstResolutionWins(t *testing.T) {
	f := NewFuture[int]()
	if !f.Complete(1) {
		t.Fatal("first Complete rejected")
	}
	if f.Complete(2) || f.Fail(errors.New("late")) {
		t.Fatal("second resolution accepted")
	}
	v, err := f.Result()
	if v != 1 || err != nil {
		t.Fatalf("got (%v, %v), want (1, nil)", v, err)
	}
}

func TestFutureDoneCallbackOrder(t *testing.T) {
	f := NewFuture[int]()
	var order []int
	f.OnDone(func(*Future[int]) { order = append(order, 1) })
	f.OnDone(func(*Future[int]) { order = append(order, 2) })
	f.Complete(7)
	// registered after resolution: runs inline
	f.OnDone(func(*Future[int]) { order = append(order, 3) })
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("callback order wrong: %v", order)
	}
}

func TestFutureCancel(t *testing.T) {
	f := NewFuture[int]()
	f.Cancel()
	if !f.Canceled() {
		t.Fatal("Canceled false after Cancel")
	}
	if !errors.Is(f.Err(), api.ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", f.Err())
	}
	select {
	case <-f.Done():
	default:
		t.Fatal("Done not closed after Cancel")
	}
}

func TestAwaitReturnsResult(t *testing.T) {
	l := startLoop(t)
	f := NewFuture[string]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Post(func() { f.Complete("ok") })
	}()
	v, err := f.Await(context.Background(), l)
	if err != nil || v != "ok" {
		t.Fatalf("got (%q, %v)", v, err)
	}
}

func TestAwaitContextCancel(t *testing.T) {
	l := startLoop(t)
	f := NewFuture[string]()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := f.Await(ctx, l)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !f.Canceled() {
		t.Fatal("future not canceled after Await cancellation")
	}
}

func TestAwaitPrefersRacedResult(t *testing.T) {
	l := startLoop(t)
	f := NewFuture[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// the future resolves before the posted cancel can win
	l.Call(func() { f.Complete("raced") })
	v, err := f.Await(ctx, l)
	if err != nil || v != "raced" {
		t.Fatalf("got (%q, %v), want raced result", v, err)
	}
}

func TestAwaitReleasedByStop(t *testing.T) {
	l := NewLoop()
	if err := l.Start(); err != nil {
		t.Fatalf("loop start: %v", err)
	}

	// occupy the loop so nothing posted later can run before Stop
	block := make(chan struct{})
	entered := make(chan struct{})
	l.Post(func() {
		close(entered)
		<-block
	})
	<-entered

	f := NewFuture[int]()
	errc := make(chan error, 1)
	go func() {
		_, err := f.Await(context.Background(), l)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	go l.Stop()
	time.Sleep(20 * time.Millisecond)
	close(block)

	select {
	case err := <-errc:
		if !errors.Is(err, api.ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await hung across Stop")
	}
	if !f.Canceled() {
		t.Fatal("future left pending after the loop stopped")
	}
}

func TestFutureIsCancelable(t *testing.T) {
	var c api.Cancelable = NewFuture[any]()
	c.Cancel()
	if !errors.Is(c.Err(), api.ErrCanceled) {
		t.Fatalf("err = %v", c.Err())
	}
}

func TestErrTimeoutIsRetriable(t *testing.T) {
	if !errors.Is(api.ErrTimeout, api.ErrNotReady) {
		t.Fatal("ErrTimeout must wrap ErrNotReady")
	}
	wrapped := fmt.Errorf("recv: %w", api.ErrTimeout)
	if !errors.Is(wrapped, api.ErrNotReady) {
		t.Fatal("wrapped ErrTimeout must stay retriable")
	}
}
