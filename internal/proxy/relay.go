// Package proxy implements the stateless TURN-like relay SPEC_FULL.md
// §4.6 describes: datagrams tagged with a KeyMixHash routing key are
// forwarded between the two peers that have advertised themselves under
// that key, with no awareness of tunnel or object-ID semantics above it.
package proxy

import (
	"bytes"
	"sync"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/netio"
)

const op = "proxy"

// datagramTagSize is the wire prefix every proxy-bound datagram carries
// ahead of its body: a 1-byte option flag plus the 8-byte mix-hash.
const datagramTagSize = 1 + 8

const flagHeartbeat uint8 = 1 << 0

// EncodeDatagram builds the wire-prefixed datagram a client sends to a
// proxy endpoint: option byte, mix-hash, then body (empty for a
// heartbeat).
func EncodeDatagram(mix crypto.KeyMixHash, heartbeat bool, body []byte) []byte {
	var opt uint8
	if heartbeat {
		opt = flagHeartbeat
	}
	out := make([]byte, 0, datagramTagSize+len(body))
	out = append(out, opt)
	out = append(out, mix[:]...)
	out = append(out, body...)
	return out
}

// DecodeDatagram splits a raw proxy datagram into its mix-hash, whether
// it was a heartbeat, and the remaining body bytes.
func DecodeDatagram(raw []byte) (mix crypto.KeyMixHash, heartbeat bool, body []byte, err error) {
	if len(raw) < datagramTagSize {
		return mix, false, nil, errs.New(errs.InvalidFormat, op+".DecodeDatagram")
	}
	heartbeat = raw[0]&flagHeartbeat != 0
	copy(mix[:], raw[1:9])
	body = raw[9:]
	return mix, heartbeat, body, nil
}

// slot is one of a TunnelPair's two peer positions.
type slot struct {
	endpoint netio.Endpoint
	filled   bool
	lastSeen time.Time
}

// TunnelPair is the per-mix-hash forwarding state: the two endpoints
// that have advertised themselves under a mix-hash, each with its own
// last-seen timestamp.
type TunnelPair struct {
	slots [2]slot
}

func endpointsEqual(a, b netio.Endpoint) bool {
	return a.Protocol == b.Protocol && a.Family == b.Family && a.Port == b.Port &&
		a.Flags == b.Flags && bytes.Equal(a.IP, b.IP)
}

func (p *TunnelPair) indexOf(ep netio.Endpoint) int {
	for i := range p.slots {
		if p.slots[i].filled && endpointsEqual(p.slots[i].endpoint, ep) {
			return i
		}
	}
	return -1
}

func (p *TunnelPair) emptyIndex() int {
	for i := range p.slots {
		if !p.slots[i].filled {
			return i
		}
	}
	return -1
}

func (p *TunnelPair) idleSince(now time.Time, idleTimeout time.Duration) bool {
	for i := range p.slots {
		if p.slots[i].filled && now.Sub(p.slots[i].lastSeen) <= idleTimeout {
			return false
		}
	}
	return true
}

// Relay is the in-memory forwarding table, one per listening proxy
// endpoint. Grounded in the teacher's bare map-plus-mutex
// MetricsCollector idiom: no external broker or queue backs this table,
// since it is purely process-local routing state with no durability
// requirement.
type Relay struct {
	mu          sync.Mutex
	pairs       map[crypto.KeyMixHash]*TunnelPair
	idleTimeout time.Duration
}

// NewRelay creates an empty Relay that expires idle TunnelPairs after
// idleTimeout.
func NewRelay(idleTimeout time.Duration) *Relay {
	return &Relay{
		pairs:       make(map[crypto.KeyMixHash]*TunnelPair),
		idleTimeout: idleTimeout,
	}
}

// HandleDatagram applies the forwarding rules of SPEC_FULL.md §4.6 to
// one inbound datagram from endpoint `from`. It returns the endpoint to
// forward `body` to, or a nil endpoint when the datagram should be
// dropped (an empty slot was just filled, a heartbeat was processed, or
// the peer slot has not advertised itself yet).
func (r *Relay) HandleDatagram(raw []byte, from netio.Endpoint) (*netio.Endpoint, []byte, error) {
	mix, heartbeat, body, err := DecodeDatagram(raw)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.pairs[mix]
	if !ok {
		pair = &TunnelPair{}
		r.pairs[mix] = pair
	}

	now := time.Now()

	idx := pair.indexOf(from)
	if idx == -1 {
		empty := pair.emptyIndex()
		if empty == -1 {
			// Both slots already belong to other endpoints: this mix-hash
			// is saturated, reject rather than silently relearn a slot.
			return nil, nil, errs.New(errs.OutOfLimit, op+".Relay.HandleDatagram")
		}
		pair.slots[empty] = slot{endpoint: from, filled: true, lastSeen: now}
		return nil, nil, nil
	}

	pair.slots[idx].lastSeen = now
	if heartbeat {
		return nil, nil, nil
	}

	other := 1 - idx
	if !pair.slots[other].filled {
		return nil, nil, nil
	}
	target := pair.slots[other].endpoint
	return &target, body, nil
}

// Sweep evicts TunnelPairs whose every filled slot has been idle longer
// than the configured idle timeout, returning the number evicted.
func (r *Relay) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for mix, pair := range r.pairs {
		if pair.idleSince(now, r.idleTimeout) {
			delete(r.pairs, mix)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of tracked mix-hashes, for metrics/tests.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}
