package netio

import (
	"context"
	"time"
)

// StateKind is the lifecycle phase of a concrete Interface.
type StateKind int

const (
	StateActive StateKind = iota
	StateClosed
)

// State is an Interface's current lifecycle phase. Since is when the
// Interface became Active; a Closed state keeps that Since and adds
// Until, the time it was closed. Nothing reopens a closed Interface.
type State struct {
	Kind  StateKind
	Since time.Time
	Until time.Time
}

// Interface is the capability set tunnels hold and iterate in preference
// order (SPEC_FULL.md §4.3, §9): send bytes to a target, receive the next
// package, report a local endpoint and lifecycle state, and close
// idempotently.
type Interface interface {
	// Send transmits data to target. For connection-oriented interfaces
	// target is advisory (the interface already knows its peer).
	Send(ctx context.Context, data []byte, target Endpoint) error

	// RecvPackage blocks until the next inbound package boundary (one
	// UDP datagram, or one length-framed TCP message) is available, or
	// ctx is done.
	RecvPackage(ctx context.Context) (from Endpoint, data []byte, err error)

	LocalEndpoint() Endpoint
	State() State

	// Close is safe to call repeatedly; the second and later calls are
	// no-ops.
	Close() error
}
