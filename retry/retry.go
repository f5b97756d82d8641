// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Retry - reconnection delay policies for relay connections.
package retry

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Strategy selects how the delay between reconnection attempts grows.
type Strategy int

const (
	// StrategyOff never retries; the first failure is final.
	StrategyOff Strategy = iota
	// StrategyImmediate retries at once.
	StrategyImmediate
	// StrategyLinear waits the same interval before every attempt.
	StrategyLinear
	// StrategyExponential doubles the wait after every attempt, with jitter.
	StrategyExponential
)

func (s Strategy) String() string {
	switch s {
	case StrategyOff:
		return "off"
	case StrategyImmediate:
		return "immediate"
	case StrategyLinear:
		return "linear"
	case StrategyExponential:
		return "exponential"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "off", "":
		return StrategyOff, nil
	case "immediate":
		return StrategyImmediate, nil
	case "linear":
		return StrategyLinear, nil
	case "exponential":
		return StrategyExponential, nil
	}
	return StrategyOff, fmt.Errorf("unknown retry strategy %q", s)
}

// Spec is an immutable retry configuration. Only the fields relevant to the
// strategy are read.
type Spec struct {
	Strategy     Strategy
	MaxCount     int
	Interval     time.Duration
	InitialDelay time.Duration
}

// Off disables reconnection.
func Off() Spec { return Spec{Strategy: StrategyOff} }

// Immediate retries up to maxCount times without waiting.
func Immediate(maxCount int) Spec {
	return Spec{Strategy: StrategyImmediate, MaxCount: maxCount}
}

// Linear retries up to maxCount times, interval apart.
func Linear(maxCount int, interval time.Duration) Spec {
	return Spec{Strategy: StrategyLinear, MaxCount: maxCount, Interval: interval}
}

// Exponential retries up to maxCount times starting at initialDelay.
func Exponential(maxCount int, initialDelay time.Duration) Spec {
	return Spec{Strategy: StrategyExponential, MaxCount: maxCount, InitialDelay: initialDelay}
}

// Default is used when no spec is configured.
func Default() Spec { return Exponential(5, time.Second) }

// BaseDelay returns the delay before jitter for the given 1-based attempt,
// and false once the attempt exceeds the spec's budget.
func BaseDelay(attempt int, spec Spec) (time.Duration, bool) {
	if attempt < 1 || spec.Strategy == StrategyOff || attempt > spec.MaxCount {
		return 0, false
	}
	switch spec.Strategy {
	case StrategyImmediate:
		return 0, true
	case StrategyLinear:
		return spec.Interval, true
	case StrategyExponential:
		// clamp the shift so a huge MaxCount can't overflow
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		return spec.InitialDelay * time.Duration(1<<shift), true
	}
	return 0, false
}

// NextDelay computes the delay for the given 1-based attempt. jitter returns a
// value in [0, n) and is only consulted by the exponential strategy. The
// second result is false when the caller must stop retrying.
func NextDelay(attempt int, spec Spec, jitter func(n int64) int64) (time.Duration, bool) {
	base, ok := BaseDelay(attempt, spec)
	if !ok {
		return 0, false
	}
	if spec.Strategy == StrategyExponential && base > 0 && jitter != nil {
		return base + time.Duration(jitter(int64(base))), true
	}
	return base, true
}

// Backoff pairs a Spec with its own random source. Two Backoffs created with
// the same seed produce the same delays.
type Backoff struct {
	spec Spec
	mu   sync.Mutex
	rnd  *rand.Rand
}

// NewBackoff creates a Backoff for spec with its jitter seeded by seed.
func NewBackoff(spec Spec, seed uint64) *Backoff {
	return &Backoff{
		spec: spec,
		rnd:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (b *Backoff) Spec() Spec { return b.spec }

// Next returns the delay for attempt, or false when retries are exhausted.
func (b *Backoff) Next(attempt int) (time.Duration, bool) {
	return NextDelay(attempt, b.spec, func(n int64) int64 {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.rnd.Int64N(n)
	})
}
