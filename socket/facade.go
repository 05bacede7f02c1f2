// File: socket/facade.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Public operations. Each one posts an enqueue onto the loop and awaits
// the resulting future; cancellation, timeout and close all resolve the
// future through paths that also tear down its queue entry and timer,
// so no exit leaks state.

package socket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/amsock/amsock/api"
	"github.com/amsock/amsock/sched"
)

// Recv returns the next whole message.
func (s *Socket) Recv(ctx context.Context, flags api.Flag) ([]byte, error) {
	res, err := s.submitRecv(ctx, opRecv, flags)
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// RecvMultipart returns the next message as its ordered parts.
func (s *Socket) RecvMultipart(ctx context.Context, flags api.Flag) ([][]byte, error) {
	res, err := s.submitRecv(ctx, opRecvMultipart, flags)
	if err != nil {
		return nil, err
	}
	return res.([][]byte), nil
}

// Send transmits one whole message.
func (s *Socket) Send(ctx context.Context, msg []byte, flags api.Flag) error {
	return s.submitSend(ctx, opSend, msg, nil, flags)
}

// SendMultipart transmits one message composed of ordered parts.
func (s *Socket) SendMultipart(ctx context.Context, parts [][]byte, flags api.Flag) error {
	return s.submitSend(ctx, opSendMultipart, nil, parts, flags)
}

// RecvJSON receives one message and unmarshals its payload into v.
func (s *Socket) RecvJSON(ctx context.Context, v any, flags api.Flag) error {
	msg, err := s.Recv(ctx, flags)
	if err != nil {
		return err
	}
	return json.Unmarshal(msg, v)
}

// SendJSON marshals v and sends it as one message.
func (s *Socket) SendJSON(ctx context.Context, v any, flags api.Flag) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(ctx, msg, flags)
}

// RecvMsgpack receives one message and unmarshals its msgpack payload
// into v.
func (s *Socket) RecvMsgpack(ctx context.Context, v any, flags api.Flag) error {
	msg, err := s.Recv(ctx, flags)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(msg, v)
}

// SendMsgpack marshals v with msgpack and sends it as one message.
func (s *Socket) SendMsgpack(ctx context.Context, v any, flags api.Flag) error {
	msg, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(ctx, msg, flags)
}

// RecvString receives one message as a string.
func (s *Socket) RecvString(ctx context.Context, flags api.Flag) (string, error) {
	msg, err := s.Recv(ctx, flags)
	if err != nil {
		return "", err
	}
	return string(msg), nil
}

// SendString sends one string message.
func (s *Socket) SendString(ctx context.Context, msg string, flags api.Flag) error {
	return s.Send(ctx, []byte(msg), flags)
}

// Poll waits until this socket is ready for any of the directions in
// events, or until timeout elapses. Zero timeout checks once;
// api.Forever waits indefinitely. The returned mask is zero on
// timeout.
func (s *Socket) Poll(ctx context.Context, timeout time.Duration, events api.EventMask) (api.EventMask, error) {
	if s.closed.Load() {
		return 0, api.ErrClosed
	}
	p := NewPoller(s.loop)
	p.Register(s, events)
	ready, err := p.Poll(ctx, timeout)
	if err != nil {
		return 0, err
	}
	for _, r := range ready {
		if r.Socket == s {
			return r.Events, nil
		}
	}
	return 0, nil
}

func (s *Socket) submitRecv(ctx context.Context, kind opKind, flags api.Flag) (any, error) {
	if s.closed.Load() {
		return nil, api.ErrClosed
	}
	fut := sched.NewFuture[any]()
	if !s.loop.Post(func() { s.enqueueRecv(kind, flags, fut) }) {
		return nil, api.ErrClosed
	}
	return fut.Await(ctx, s.loop)
}

func (s *Socket) submitSend(ctx context.Context, kind opKind, msg []byte, parts [][]byte, flags api.Flag) error {
	if s.closed.Load() {
		return api.ErrClosed
	}
	fut := sched.NewFuture[any]()
	if !s.loop.Post(func() { s.enqueueSend(kind, msg, parts, flags, fut) }) {
		return api.ErrClosed
	}
	_, err := fut.Await(ctx, s.loop)
	return err
}
