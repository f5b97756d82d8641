// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Subscription - logical REQ subscriptions multiplexed over the relay pool.
package subscription

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
)

// LazyFilter is a filter whose time bounds may be computed when the REQ is
// actually sent, so relative windows stay relative across reconnects.
// SinceFunc and UntilFunc, when set, replace Since and Until.
type LazyFilter struct {
	nostr.Filter
	SinceFunc func() nostr.Timestamp
	UntilFunc func() nostr.Timestamp
}

// Fixed wraps plain filters.
func Fixed(filters ...nostr.Filter) []LazyFilter {
	out := make([]LazyFilter, len(filters))
	for i, f := range filters {
		out[i] = LazyFilter{Filter: f}
	}
	return out
}

// Ago returns a bound that evaluates to d before the clock's now.
func Ago(c clock.Clock, d time.Duration) func() nostr.Timestamp {
	return func() nostr.Timestamp {
		return nostr.Timestamp(c.Now().Add(-d).Unix())
	}
}

// Now returns a bound that evaluates to the clock's now.
func Now(c clock.Clock) func() nostr.Timestamp {
	return Ago(c, 0)
}

// Evaluate resolves the lazy bounds.
func (lf LazyFilter) Evaluate() nostr.Filter {
	f := lf.Filter
	if lf.SinceFunc != nil {
		ts := lf.SinceFunc()
		f.Since = &ts
	}
	if lf.UntilFunc != nil {
		ts := lf.UntilFunc()
		f.Until = &ts
	}
	return f
}

func evaluate(lfs []LazyFilter, maxLimit int) []nostr.Filter {
	out := make([]nostr.Filter, len(lfs))
	for i, lf := range lfs {
		out[i] = lf.Evaluate()
		if maxLimit > 0 && out[i].Limit > maxLimit {
			out[i].Limit = maxLimit
		}
	}
	return out
}

// chunkBounds splits n filters into REQs of at most max filters each.
// max <= 0 means a single REQ.
func chunkBounds(n, max int) [][2]int {
	if n == 0 {
		return [][2]int{{0, 0}}
	}
	if max <= 0 || n <= max {
		return [][2]int{{0, n}}
	}
	var out [][2]int
	for lo := 0; lo < n; lo += max {
		out = append(out, [2]int{lo, min(lo+max, n)})
	}
	return out
}

// wireID names chunk n of subID on the wire: the sub id itself for the
// first chunk, "{subID}.{n}" for the rest.
func wireID(subID string, n int) string {
	if n == 0 {
		return subID
	}
	return fmt.Sprintf("%s.%d", subID, n)
}

func subID(id string, index int) string {
	return fmt.Sprintf("%s:%d", id, index)
}
