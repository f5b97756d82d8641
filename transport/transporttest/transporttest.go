// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

// Package transporttest provides an in-memory transport.Dialer for tests.
// Every dial to a URL creates a Relay-side endpoint that records the frames
// the client sent and can push frames or close codes back.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/girino/relaypool/transport"
)

// ErrRefused is returned by Dial while a URL is set to refuse.
var ErrRefused = errors.New("transporttest: connection refused")

// Dialer is a fake network of relays keyed by URL.
type Dialer struct {
	mu     sync.Mutex
	relays map[string]*Relay
	refuse map[string]bool
	hold   map[string]chan struct{}
}

func NewDialer() *Dialer {
	return &Dialer{
		relays: make(map[string]*Relay),
		refuse: make(map[string]bool),
		hold:   make(map[string]chan struct{}),
	}
}

// Refuse makes future dials to url fail (or succeed again when false).
func (d *Dialer) Refuse(url string, refuse bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse[url] = refuse
}

// Hold blocks dials to url until the returned function is called.
func (d *Dialer) Hold(url string) (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.hold[url] = ch
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.hold, url)
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Relay returns the endpoint for url, creating it if needed.
func (d *Dialer) Relay(url string) *Relay {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.relays[url]
	if !ok {
		r = &Relay{url: url}
		d.relays[url] = r
	}
	return r
}

func (d *Dialer) Dial(ctx context.Context, url string, h transport.Handler) (transport.Conn, error) {
	d.mu.Lock()
	hold := d.hold[url]
	d.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	refused := d.refuse[url]
	d.mu.Unlock()
	if refused {
		return nil, ErrRefused
	}

	r := d.Relay(url)
	c := &Conn{relay: r, handler: h}
	r.attach(c)
	return c, nil
}

// Relay is the server side of every connection dialed to one URL.
type Relay struct {
	url string

	mu       sync.Mutex
	conn     *Conn
	dials    int
	received [][]byte
}

func (r *Relay) attach(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = c
	r.dials++
}

// Dials counts successful dials so far.
func (r *Relay) Dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

// Connected reports whether the latest connection is still open.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	return c != nil && !c.isClosed()
}

// Received returns every frame sent by the client, across connections.
func (r *Relay) Received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.received))
	for i, m := range r.received {
		out[i] = string(m)
	}
	return out
}

// Frames decodes every received frame into its JSON array elements.
func (r *Relay) Frames() [][]json.RawMessage {
	var out [][]json.RawMessage
	for _, m := range r.Received() {
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(m), &arr); err == nil {
			out = append(out, arr)
		}
	}
	return out
}

// FramesOf returns the received frames whose type tag is typ, e.g. "REQ".
func (r *Relay) FramesOf(typ string) [][]json.RawMessage {
	var out [][]json.RawMessage
	for _, f := range r.Frames() {
		var tag string
		if len(f) > 0 && json.Unmarshal(f[0], &tag) == nil && tag == typ {
			out = append(out, f)
		}
	}
	return out
}

// SubIDs returns the subscription ids of received frames of type typ
// ("REQ" or "CLOSE"), in order.
func (r *Relay) SubIDs(typ string) []string {
	var out []string
	for _, f := range r.FramesOf(typ) {
		var id string
		if len(f) > 1 && json.Unmarshal(f[1], &id) == nil {
			out = append(out, id)
		}
	}
	return out
}

// Reset forgets received frames.
func (r *Relay) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = nil
}

// Push delivers a raw frame to the client on the current connection.
func (r *Relay) Push(frame string) error {
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c == nil || c.isClosed() {
		return fmt.Errorf("transporttest: %s not connected", r.url)
	}
	c.deliver([]byte(frame))
	return nil
}

// PushJSON marshals elems as a JSON array and pushes it.
func (r *Relay) PushJSON(elems ...any) error {
	b, err := json.Marshal(elems)
	if err != nil {
		return err
	}
	return r.Push(string(b))
}

// Drop closes the current connection from the relay side with code.
func (r *Relay) Drop(code int, reason string) {
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c != nil {
		c.closeWith(code, reason)
	}
}

func (r *Relay) record(msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, append([]byte(nil), msg...))
}

// Conn is the client side of a fake connection.
type Conn struct {
	relay   *Relay
	handler transport.Handler

	// serializes handler calls like a real read loop
	deliverMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) deliver(msg []byte) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.isClosed() {
		return
	}
	c.handler.OnMessage(msg)
}

func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	c.relay.record(msg)
	return nil
}

func (c *Conn) Close(code int, reason string) error {
	c.closeWith(code, reason)
	return nil
}

func (c *Conn) closeWith(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.handler.OnClose(code, reason)
}
