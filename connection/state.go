// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Connection - per-relay connection lifecycle with retry and backoff.
package connection

import (
	"errors"
	"fmt"
)

// State of one relay connection.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Retrying
	Error
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Retrying:
		return "retrying"
	case Error:
		return "error"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Alive reports whether the state can still reach Connected without an
// explicit Reconnect.
func (s State) Alive() bool {
	return s == Idle || s == Connecting || s == Connected || s == Retrying
}

// StateChange is published on every transition.
type StateChange struct {
	URL   string
	State State
	// Session identifies the open socket while Connected, and the last one
	// that was open otherwise. It increases by one per successful open.
	Session uint64
	// CloseCode is the last close code seen, set in Retrying and Error.
	CloseCode int
	// Err is the last dial error, if the transition was caused by one.
	Err error
}

var (
	// ErrDisposed is returned by every operation on a terminated connection.
	ErrDisposed = errors.New("connection disposed")
	// ErrNotConnected is returned by Send when the socket is not open. It is
	// retryable: the caller may send again once the state is Connected.
	ErrNotConnected = errors.New("relay not connected")
)
