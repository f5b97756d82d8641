// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Package wstransport implements transport.Dialer over gorilla/websocket.
package wstransport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/transport"
	"github.com/gorilla/websocket"
)

var log = logging.For("wstransport")

// Dialer dials relays with gorilla/websocket.
type Dialer struct {
	// WriteTimeout bounds each frame write. Zero means 10s.
	WriteTimeout time.Duration
	// Header is sent with the upgrade request.
	Header http.Header
	// Underlying dialer; nil means websocket.DefaultDialer.
	WS *websocket.Dialer
}

// New returns a Dialer with default settings.
func New() *Dialer {
	return &Dialer{WriteTimeout: 10 * time.Second}
}

func (d *Dialer) Dial(ctx context.Context, url string, h transport.Handler) (transport.Conn, error) {
	ws := d.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	conn, _, err := ws.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	c := &wsConn{
		url:          url,
		ws:           conn,
		handler:      h,
		writeTimeout: d.WriteTimeout,
		done:         make(chan struct{}),
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = 10 * time.Second
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	url          string
	ws           *websocket.Conn
	handler      transport.Handler
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	closing   bool
	closeCode int
	closeText string
	done      chan struct{}
}

func (c *wsConn) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return transport.ErrClosed
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	defer c.ws.SetWriteDeadline(time.Time{})
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.closeCode = code
	c.closeText = reason
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	// the read loop ends on its own once the peer answers; don't wait forever
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	return c.ws.Close()
}

func (c *wsConn) readLoop() {
	code, reason := transport.CloseAbnormal, ""
	defer func() {
		c.ws.Close()
		c.mu.Lock()
		if c.closing {
			// a close we initiated reports our own code
			code, reason = c.closeCode, c.closeText
		}
		c.mu.Unlock()
		c.handler.OnClose(code, reason)
		close(c.done)
	}()

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			log.Debug("readLoop", "%s: read ended: %v", c.url, err)
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		c.handler.OnMessage(data)
	}
}
