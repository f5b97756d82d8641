// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package intake

import (
	"slices"
	"sync"

	"github.com/girino/relaypool/subscription"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupSize bounds how many event ids the dedup operators remember.
const DefaultDedupSize = 100_000

// Uniq passes the first delivery of each event id and drops the rest.
type Uniq struct {
	mu   sync.Mutex
	seen *lru.Cache[string, struct{}]
}

// NewUniq remembers up to size ids; size <= 0 means DefaultDedupSize.
func NewUniq(size int) *Uniq {
	if size <= 0 {
		size = DefaultDedupSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		panic(err)
	}
	return &Uniq{seen: seen}
}

// Accept reports whether pkt is the first delivery of its event.
func (u *Uniq) Accept(pkt subscription.EventPacket) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	found, _ := u.seen.ContainsOrAdd(pkt.Event.ID, struct{}{})
	return !found
}

// Stream applies the operator to in. The output closes when in does.
func (u *Uniq) Stream(in <-chan subscription.EventPacket) <-chan subscription.EventPacket {
	out := make(chan subscription.EventPacket, cap(in))
	go func() {
		defer close(out)
		for pkt := range in {
			if u.Accept(pkt) {
				out <- pkt
			}
		}
	}()
	return out
}

// TiePacket is an EventPacket annotated with every relay that delivered
// the event so far.
type TiePacket struct {
	subscription.EventPacket
	Seen  []string
	First bool
}

// Tie passes every delivery and annotates it.
type Tie struct {
	mu   sync.Mutex
	seen *lru.Cache[string, []string]
}

// NewTie remembers up to size ids; size <= 0 means DefaultDedupSize.
func NewTie(size int) *Tie {
	if size <= 0 {
		size = DefaultDedupSize
	}
	seen, err := lru.New[string, []string](size)
	if err != nil {
		panic(err)
	}
	return &Tie{seen: seen}
}

// Annotate records pkt and returns its annotation. A repeated delivery
// from a relay already in the set is still passed, marked not first.
func (t *Tie) Annotate(pkt subscription.EventPacket) TiePacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	relays, found := t.seen.Get(pkt.Event.ID)
	if !slices.Contains(relays, pkt.From) {
		relays = append(slices.Clone(relays), pkt.From)
		t.seen.Add(pkt.Event.ID, relays)
	}
	return TiePacket{
		EventPacket: pkt,
		Seen:        slices.Clone(relays),
		First:       !found,
	}
}

// Stream applies the operator to in. The output closes when in does.
func (t *Tie) Stream(in <-chan subscription.EventPacket) <-chan TiePacket {
	out := make(chan TiePacket, cap(in))
	go func() {
		defer close(out)
		for pkt := range in {
			out <- t.Annotate(pkt)
		}
	}()
	return out
}
