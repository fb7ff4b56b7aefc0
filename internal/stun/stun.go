// Package stun implements the coturn-miner presence/call layer
// (SPEC_FULL.md §4.7): a client that Pings a miner to refresh its
// presence and Calls a peer through it, and a miner that
// relays Calls to their target and Called replies back to the caller.
package stun

import (
	"context"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/netio"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
	"github.com/TerryTreepool/block-sub002/internal/packet"
	"github.com/TerryTreepool/block-sub002/internal/topic"
	"github.com/TerryTreepool/block-sub002/internal/tunnel"
)

const op = "stun"

// DefaultPingInterval is how often a Client re-Pings its miner to stay
// present, per SPEC_FULL.md §4.7.
const DefaultPingInterval = 30 * time.Second

// Client issues Ping and Call requests to a single miner over an
// already-Active tunnel. It reuses topic.PendingTable for
// sequence-matched waiters rather than inventing a second mechanism,
// per §4.7's Go-realization note: a Call is exactly a request awaiting
// a sequence-matched response.
type Client struct {
	Local objectid.ID
	Miner *tunnel.Tunnel

	pending *topic.PendingTable
}

// NewClient constructs a Client that calls through miner, matching
// replies within callTimeout.
func NewClient(local objectid.ID, miner *tunnel.Tunnel, callTimeout time.Duration) *Client {
	return &Client{
		Local:   local,
		Miner:   miner,
		pending: topic.NewPendingTable(callTimeout),
	}
}

// Ping refreshes this client's presence at the miner and returns the
// first endpoint of the miner's reply. The miner echoes the endpoints
// the Ping carried (observed); it does not report the source address it
// received the Ping from.
func (c *Client) Ping(ctx context.Context, now uint64, observed netio.Endpoint) (netio.Endpoint, error) {
	ext := packet.HeaderExt{Requestor: c.Local, Target: c.Miner.Remote}
	body := packet.Stun{Kind: packet.StunPing, Endpoints: []netio.Endpoint{observed}}

	replyCh := make(chan packet.Stun, 1)
	errCh := make(chan error, 1)

	seq, err := c.Miner.Send(ctx, now, packet.CmdStun, ext, body, nil)
	if err != nil {
		return netio.Endpoint{}, err
	}

	c.pending.Insert(seq, func(_ context.Context, _ topic.RequestMeta, payload []byte, waitErr error) {
		if waitErr != nil {
			errCh <- waitErr
			return
		}
		reply, _, err := packet.DeserializeBody(packet.CmdStun, payload)
		if err != nil {
			errCh <- err
			return
		}
		stunReply, ok := reply.(packet.Stun)
		if !ok {
			errCh <- errs.New(errs.InvalidFormat, op+".Client.Ping")
			return
		}
		replyCh <- stunReply
	})

	select {
	case reply := <-replyCh:
		if len(reply.Endpoints) == 0 {
			return netio.Endpoint{}, errs.New(errs.InvalidFormat, op+".Client.Ping")
		}
		return reply.Endpoints[0], nil
	case err := <-errCh:
		return netio.Endpoint{}, err
	case <-ctx.Done():
		return netio.Endpoint{}, ctx.Err()
	}
}

// Call asks the miner to wake target, returning the direct endpoints
// the target reported once the miner relays its Called response (or an
// error once callTimeout is exceeded).
func (c *Client) Call(ctx context.Context, now uint64, target objectid.ID) ([]netio.Endpoint, error) {
	ext := packet.HeaderExt{Requestor: c.Local, Target: c.Miner.Remote}
	body := packet.Stun{Kind: packet.StunCall, Target: target}

	resultCh := make(chan []netio.Endpoint, 1)
	errCh := make(chan error, 1)

	seq, err := c.Miner.Send(ctx, now, packet.CmdStun, ext, body, nil)
	if err != nil {
		return nil, err
	}

	c.pending.Insert(seq, func(_ context.Context, _ topic.RequestMeta, payload []byte, waitErr error) {
		if waitErr != nil {
			errCh <- waitErr
			return
		}
		reply, _, err := packet.DeserializeBody(packet.CmdStun, payload)
		if err != nil {
			errCh <- err
			return
		}
		stunReply, ok := reply.(packet.Stun)
		if !ok || stunReply.Kind != packet.StunCalled {
			errCh <- errs.New(errs.InvalidFormat, op+".Client.Call")
			return
		}
		resultCh <- stunReply.Endpoints
	})

	select {
	case endpoints := <-resultCh:
		return endpoints, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleReply feeds an inbound Stun body (carried in a Stun packet
// addressed back to this client) to the matching pending waiter.
// Returns false if no waiter was registered for seq.
func (c *Client) HandleReply(ctx context.Context, seq packet.Sequence, payload []byte) bool {
	waiter, ok := c.pending.TakeMatch(seq)
	if !ok {
		return false
	}
	waiter(ctx, topic.RequestMeta{Sequence: seq}, payload, nil)
	return true
}

// Sweep expires any Ping/Call awaiting a reply past its timeout.
func (c *Client) Sweep(ctx context.Context, now time.Time) int {
	return c.pending.Sweep(ctx, now)
}
