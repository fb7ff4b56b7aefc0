// Package tunnel implements the bilateral authenticated channel between
// two object IDs (SPEC_FULL.md §4.5): the Exchange/AckTunnel/AckAckTunnel
// handshake, interface preference and fallback, reconnect with backoff,
// and keepalive.
package tunnel

import (
	"time"

	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/netio"
)

const op = "tunnel"

// Kind is a Tunnel's current lifecycle phase.
type Kind int

const (
	Connecting Kind = iota
	Active
	Dead
)

func (k Kind) String() string {
	switch k {
	case Connecting:
		return "Connecting"
	case Active:
		return "Active"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// State is a Tunnel's state as a tagged union: only the fields relevant
// to Kind are meaningful. Modeled as one struct rather than separate
// maps per SPEC_FULL.md §4.5's Go-realization note.
type State struct {
	Kind Kind

	// Active fields.
	AESKey     *crypto.AESKey
	Endpoints  netio.EndpointPair
	LastActive time.Time

	// Dead fields.
	Reason error
}
