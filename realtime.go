// Package realtime keeps locally cached dashboard state consistent with an
// authoritative server. It combines adaptive background polling of a health
// endpoint ([HealthMonitor]) with a resumable server-push event channel
// ([StreamClient]), merging both into shared, observer-visible collections
// via pure reconciliation functions.
//
// The package tolerates network flakiness (bounded exponential backoff),
// surface backgrounding ([VisibilityTracker]), and multiple concurrent
// observers (refcounted lifecycles: a poll loop or push channel lives
// exactly as long as it has at least one subscriber).
package realtime

import "errors"

var (
	// ErrAlreadySubscribed signals that a given subscription already exists.
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrNotSubscribed indicates that a given subscription doesn't exist.
	ErrNotSubscribed = errors.New("not subscribed")

	// ErrClosed indicates an operation on a client that has been closed.
	ErrClosed = errors.New("client closed")

	// ErrReconnectFailed is the terminal condition of a stream client that
	// has exhausted its reconnect attempts. Recovery requires constructing a
	// fresh client.
	ErrReconnectFailed = errors.New("reconnect failed")
)

// ConnState describes where a [StreamClient] is in its connection lifecycle.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFailed
	StateClosed
)

// String representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
