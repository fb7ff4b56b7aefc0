package stun

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/desc"
	"github.com/TerryTreepool/block-sub002/internal/netio"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
	"github.com/TerryTreepool/block-sub002/internal/packet"
	"github.com/TerryTreepool/block-sub002/internal/tunnel"
)

// handshakeIntoRegistry runs a real Exchange/AckTunnel round trip between
// a freestanding peer tunnel and the registry's own tunnel to that peer
// (fetched via GetOrCreate, so a later registry.Get(peerID) resolves to
// the exact Tunnel this handshake activates), returning the peer-side
// Tunnel, Active and ready to Send/Reply.
func handshakeIntoRegistry(t *testing.T, registry *tunnel.Registry, minerID objectid.ID, minerPriv *crypto.PrivateKey, peerID objectid.ID, peerPriv *crypto.PrivateKey, peerDesc *desc.Descriptor) *tunnel.Tunnel {
	t.Helper()
	cfg := tunnel.Config{MTU: 1200, IdleTimeout: time.Minute, ReconnectBackoff: time.Second, ReconnectMaxDelay: time.Minute}

	peerTun := tunnel.New(peerID, minerID, peerPriv, peerDesc, cfg)
	minerSideTun := registry.GetOrCreate(peerID)

	peerListener, err := netio.ListenUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}, 1500)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peerListener.Close() })
	minerListener, err := netio.ListenUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}, 1500)
	require.NoError(t, err)
	t.Cleanup(func() { _ = minerListener.Close() })

	peerTun.AddInterface(peerListener, minerListener.LocalEndpoint(), false)
	minerSideTun.AddInterface(minerListener, peerListener.LocalEndpoint(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := uint64(1700000500)
	require.NoError(t, peerTun.BeginHandshake(ctx, minerPriv.Public(), now, 1))

	exchangePkt := assembleFrom(ctx, t, minerListener)
	ackBody, err := minerSideTun.HandleExchange(exchangePkt, now, 2)
	require.NoError(t, err)

	ext := packet.HeaderExt{Requestor: minerID, Target: peerID}
	seq := packet.NewSequence(minerID, now, 0)
	builder := packet.Builder{MTU: cfg.MTU}
	ackFragments, err := builder.Build(seq, packet.CmdAckTunnel, now, ext, ackBody, nil)
	require.NoError(t, err)
	for _, frag := range ackFragments {
		require.NoError(t, minerListener.Send(ctx, frag, peerListener.LocalEndpoint()))
	}

	ackPkt := assembleFrom(ctx, t, peerListener)
	_, err = peerTun.HandleAckTunnel(ackPkt)
	require.NoError(t, err)
	require.Equal(t, tunnel.Active, peerTun.State().Kind)
	require.Equal(t, tunnel.Active, minerSideTun.State().Kind)

	return peerTun
}

func TestMinerHandlePingEchoesObservedEndpoint(t *testing.T) {
	minerPriv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	minerDesc := keyedDescriptor(t, minerPriv)
	minerID, err := minerDesc.ID()
	require.NoError(t, err)

	clientPriv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	clientDesc := keyedDescriptor(t, clientPriv)
	clientID, err := clientDesc.ID()
	require.NoError(t, err)

	cfg := tunnel.Config{MTU: 1200, IdleTimeout: time.Minute, ReconnectBackoff: time.Second, ReconnectMaxDelay: time.Minute}
	registry := tunnel.NewRegistry(minerID, minerPriv, minerDesc, nil, cfg)
	handshakeIntoRegistry(t, registry, minerID, minerPriv, clientID, clientPriv, clientDesc)

	minerSideTun, ok := registry.Get(clientID)
	require.True(t, ok)

	miner := NewMiner(registry, time.Second)
	seq := packet.NewSequence(clientID, 1, 0)
	observed := []netio.Endpoint{{Protocol: netio.ProtoUDP, Family: netio.FamilyV4, IP: net.ParseIP("9.9.9.9").To4(), Port: 7777}}

	require.NoError(t, miner.HandlePing(context.Background(), 1, minerSideTun, seq, packet.Stun{Kind: packet.StunPing, Endpoints: observed}))
}

func TestMinerHandleCallRelaysAndForwardsTargetReply(t *testing.T) {
	minerPriv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	minerDesc := keyedDescriptor(t, minerPriv)
	minerID, err := minerDesc.ID()
	require.NoError(t, err)

	callerPriv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	callerDesc := keyedDescriptor(t, callerPriv)
	callerID, err := callerDesc.ID()
	require.NoError(t, err)

	targetPriv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	targetDesc := keyedDescriptor(t, targetPriv)
	targetID, err := targetDesc.ID()
	require.NoError(t, err)

	cfg := tunnel.Config{MTU: 1200, IdleTimeout: time.Minute, ReconnectBackoff: time.Second, ReconnectMaxDelay: time.Minute}
	registry := tunnel.NewRegistry(minerID, minerPriv, minerDesc, nil, cfg)
	handshakeIntoRegistry(t, registry, minerID, minerPriv, callerID, callerPriv, callerDesc)
	handshakeIntoRegistry(t, registry, minerID, minerPriv, targetID, targetPriv, targetDesc)

	minerSideToCaller, ok := registry.Get(callerID)
	require.True(t, ok)
	_, ok = registry.Get(targetID)
	require.True(t, ok)

	miner := NewMiner(registry, time.Second)
	callerSeq := packet.NewSequence(callerID, 1, 0)

	require.NoError(t, miner.HandleCall(context.Background(), 1, minerSideToCaller, callerSeq, packet.Stun{Kind: packet.StunCall, Target: targetID}))

	relaySeq := packet.NewSequence(minerID, 1, 0)
	directEndpoints := []netio.Endpoint{{Protocol: netio.ProtoUDP, Family: netio.FamilyV4, IP: net.ParseIP("4.4.4.4").To4(), Port: 5555}}
	reply := packet.Stun{Kind: packet.StunCalled, Endpoints: directEndpoints}
	payload, err := reply.Serialize(nil)
	require.NoError(t, err)

	assert.True(t, miner.HandleTargetReply(context.Background(), relaySeq, payload))
}
