// Package wsclient is the client-side counterpart of the gateway: a
// reconnection controller that authenticates, subscribes, replays missed
// history and survives disconnects with bounded exponential backoff.
//
// All time-dependent behavior goes through an injectable clock and jitter
// function so the state machine is testable without real sleeping.
package wsclient

import "errors"

var (
	// ErrReconnectExhausted is returned by Run after the bounded retry
	// budget is spent. The controller will not retry further; the caller
	// decides what to surface.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrSendQueueFull is returned by Send when the bounded outbound queue
	// has no capacity left. Messages are never silently dropped.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrAuthRejected is returned by Run when the gateway refuses the
	// session token. Retrying with the same token is pointless.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrForbidden is reported through OnError when a subscription is
	// rejected for a job owned by someone else.
	ErrForbidden = errors.New("subscription forbidden")

	// ErrSequenceGap is reported through OnError when a live event skips
	// ahead of the last delivered sequence; the controller requests an
	// immediate history replay to close the gap.
	ErrSequenceGap = errors.New("sequence gap detected")
)
