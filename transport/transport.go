// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Transport - the duplex message channel a relay connection runs over.
package transport

import (
	"context"
	"errors"
)

// Websocket close codes the connection layer cares about.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006

	// CloseDontRetry is sent by relays that ask clients not to reconnect.
	CloseDontRetry = 4000
)

// ErrClosed is returned by Send after the channel was closed.
var ErrClosed = errors.New("transport closed")

// Handler receives inbound traffic for one connection. Both methods are
// called from a single goroutine, in arrival order, and OnClose is called
// exactly once, after the last OnMessage.
type Handler interface {
	OnMessage(msg []byte)
	OnClose(code int, reason string)
}

// Conn is an open channel to a relay.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	// Close closes the channel. OnClose still fires, with the given code.
	Close(code int, reason string) error
}

// Dialer opens channels. A nil error means the channel is open.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handler) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, h Handler) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string, h Handler) (Conn, error) {
	return f(ctx, url, h)
}
