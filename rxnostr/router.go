// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package rxnostr

import (
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// handleMessage dispatches one inbound frame by its type tag. It runs on
// the relay's read goroutine.
func (c *Client) handleMessage(relay string, msg []byte) {
	if !gjson.ValidBytes(msg) {
		atomic.AddInt64(&c.malformed, 1)
		c.log.With(relay).Debug("handleMessage", "invalid json: %.64s", msg)
		return
	}
	frame := gjson.ParseBytes(msg)
	if !frame.IsArray() {
		atomic.AddInt64(&c.malformed, 1)
		return
	}

	switch typ := frame.Get("0").String(); typ {
	case "EVENT":
		raw := frame.Get("2")
		if !raw.IsObject() {
			atomic.AddInt64(&c.malformed, 1)
			return
		}
		evt := &nostr.Event{}
		if err := evt.UnmarshalJSON([]byte(raw.Raw)); err != nil {
			atomic.AddInt64(&c.malformed, 1)
			c.log.With(relay).Debug("handleMessage", "bad event: %v", err)
			return
		}
		c.intake.Submit(c.ctx, relay, frame.Get("1").String(), evt)
	case "EOSE":
		// after the stored events still being verified
		subID := frame.Get("1").String()
		c.intake.After(c.ctx, relay, func() { c.reg.HandleEOSE(relay, subID) })
	case "CLOSED":
		subID, reason := frame.Get("1").String(), frame.Get("2").String()
		c.intake.After(c.ctx, relay, func() { c.reg.HandleClosed(relay, subID, reason) })
	case "OK":
		id := frame.Get("1").String()
		ok := frame.Get("2").Bool()
		message := frame.Get("3").String()
		if c.auth.HandleOK(relay, id, ok, message) {
			return
		}
		if !c.pub.handleOK(relay, id, ok, message) {
			c.log.With(relay).Debug("handleMessage", "OK for unknown event %s", id)
		}
	case "AUTH":
		c.auth.HandleChallenge(relay, frame.Get("1").String())
	case "NOTICE":
		atomic.AddInt64(&c.notices, 1)
		c.log.With(relay).Info("NOTICE: %s", frame.Get("1").String())
	default:
		c.log.With(relay).Debug("handleMessage", "ignoring %q", typ)
	}
}
