package stun

import (
	"context"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/netio"
	"github.com/TerryTreepool/block-sub002/internal/packet"
	"github.com/TerryTreepool/block-sub002/internal/topic"
	"github.com/TerryTreepool/block-sub002/internal/tunnel"
)

// Miner is the coturn-miner side of the STUN/Call layer: it answers
// Pings over the tunnel a client already holds to it, and relays Calls
// to their target, matching the target's Called reply back to the
// original caller by the sequence it assigned the relay (SPEC_FULL.md
// §4.7). It reuses topic.PendingTable for that match rather than a
// second waiter mechanism, the same choice Client makes.
type Miner struct {
	registry *tunnel.Registry
	pending  *topic.PendingTable
}

// NewMiner constructs a Miner that looks up call targets in registry
// and bounds a relayed Call by callTimeout.
func NewMiner(registry *tunnel.Registry, callTimeout time.Duration) *Miner {
	return &Miner{
		registry: registry,
		pending:  topic.NewPendingTable(callTimeout),
	}
}

// HandlePing answers an inbound Ping over the tunnel it arrived on,
// echoing the caller's own sequence so its pending-table match succeeds.
func (m *Miner) HandlePing(ctx context.Context, now uint64, client *tunnel.Tunnel, seq packet.Sequence, body packet.Stun) error {
	if len(body.Endpoints) == 0 {
		return errs.New(errs.InvalidFormat, op+".Miner.HandlePing")
	}
	ext := packet.HeaderExt{Requestor: client.Local, Target: client.Remote}
	reply := packet.Stun{Kind: packet.StunPing, Endpoints: body.Endpoints}
	return client.Reply(ctx, now, seq, packet.CmdStun, ext, reply, nil)
}

// HandleCall relays an inbound Call to its target as a Called request,
// stashing a waiter keyed on the sequence assigned to that relay so the
// eventual reply (delivered via HandleTargetReply) can be forwarded back
// to caller using its own original sequence.
func (m *Miner) HandleCall(ctx context.Context, now uint64, caller *tunnel.Tunnel, callerSeq packet.Sequence, body packet.Stun) error {
	target, ok := m.registry.Get(body.Target)
	if !ok || target.State().Kind != tunnel.Active {
		return errs.New(errs.NotFound, op+".Miner.HandleCall")
	}

	ext := packet.HeaderExt{Requestor: target.Local, Target: target.Remote}
	called := packet.Stun{Kind: packet.StunCalled, Target: caller.Remote}
	relaySeq, err := target.Send(ctx, now, packet.CmdStun, ext, called, nil)
	if err != nil {
		return err
	}

	m.pending.Insert(relaySeq, func(ctx context.Context, _ topic.RequestMeta, payload []byte, waitErr error) {
		callerExt := packet.HeaderExt{Requestor: caller.Local, Target: caller.Remote}
		if waitErr != nil {
			_ = caller.Reply(ctx, now, callerSeq, packet.CmdStun, callerExt, packet.Stun{Kind: packet.StunCalled, Target: body.Target}, nil)
			return
		}
		reply, _, err := packet.DeserializeBody(packet.CmdStun, payload)
		if err != nil {
			return
		}
		stunReply, ok := reply.(packet.Stun)
		if !ok {
			return
		}
		_ = caller.Reply(ctx, now, callerSeq, packet.CmdStun, callerExt, packet.Stun{Kind: packet.StunCalled, Endpoints: stunReply.Endpoints}, nil)
	})
	return nil
}

// HandleTargetReply feeds a target's Called reply to the matching
// pending relay. Returns false if no relay was waiting on seq.
func (m *Miner) HandleTargetReply(ctx context.Context, seq packet.Sequence, payload []byte) bool {
	waiter, ok := m.pending.TakeMatch(seq)
	if !ok {
		return false
	}
	waiter(ctx, topic.RequestMeta{Sequence: seq}, payload, nil)
	return true
}

// Sweep expires any relayed Call that a target never answered.
func (m *Miner) Sweep(ctx context.Context, now time.Time) int {
	return m.pending.Sweep(ctx, now)
}

// HandleCalled answers a Called request addressed to this client by
// replying with its own direct endpoints, echoing the miner's relay
// sequence so Miner.HandleTargetReply can match it back to the caller.
func (c *Client) HandleCalled(ctx context.Context, now uint64, seq packet.Sequence, endpoints []netio.Endpoint) error {
	ext := packet.HeaderExt{Requestor: c.Local, Target: c.Miner.Remote}
	reply := packet.Stun{Kind: packet.StunCalled, Endpoints: endpoints}
	return c.Miner.Reply(ctx, now, seq, packet.CmdStun, ext, reply, nil)
}
