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

func keyedDescriptor(t *testing.T, priv *crypto.PrivateKey) *desc.Descriptor {
	t.Helper()
	return &desc.Descriptor{
		Type:          objectid.Device,
		PublicKeyType: priv.Type,
		PublicKeyDER:  crypto.MarshalPublicKeyDER(priv.Public()),
		CreatedAt:     1700000000,
	}
}

func assembleFrom(ctx context.Context, t *testing.T, iface *netio.UDPInterface) *packet.Packet {
	t.Helper()
	asm := packet.NewAssembler(16, time.Minute)
	for {
		_, raw, err := iface.RecvPackage(ctx)
		require.NoError(t, err)
		pkt, ferr := asm.Feed(raw)
		if ferr == nil {
			return pkt
		}
	}
}

// activeClientTunnel drives a real Exchange/AckTunnel handshake over a
// pair of loopback UDP sockets, using only the tunnel package's exported
// API, so the returned Tunnel is genuinely Active and usable by Client.
func activeClientTunnel(t *testing.T) (*tunnel.Tunnel, objectid.ID) {
	t.Helper()
	cfg := tunnel.Config{MTU: 1200, IdleTimeout: time.Minute, ReconnectBackoff: time.Second, ReconnectMaxDelay: time.Minute}

	clientPriv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	minerPriv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)

	clientDesc := keyedDescriptor(t, clientPriv)
	minerDesc := keyedDescriptor(t, minerPriv)

	clientID, err := clientDesc.ID()
	require.NoError(t, err)
	minerID, err := minerDesc.ID()
	require.NoError(t, err)

	clientTun := tunnel.New(clientID, minerID, clientPriv, clientDesc, cfg)
	minerTun := tunnel.New(minerID, clientID, minerPriv, minerDesc, cfg)

	clientListener, err := netio.ListenUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}, 1500)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientListener.Close() })
	minerListener, err := netio.ListenUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}, 1500)
	require.NoError(t, err)
	t.Cleanup(func() { _ = minerListener.Close() })

	clientTun.AddInterface(clientListener, minerListener.LocalEndpoint(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := uint64(1700000500)
	require.NoError(t, clientTun.BeginHandshake(ctx, minerPriv.Public(), now, 1))

	exchangePkt := assembleFrom(ctx, t, minerListener)
	ackBody, err := minerTun.HandleExchange(exchangePkt, now, 2)
	require.NoError(t, err)

	ext := packet.HeaderExt{Requestor: minerID, Target: clientID}
	seq := packet.NewSequence(minerID, now, 0)
	builder := packet.Builder{MTU: cfg.MTU}
	ackFragments, err := builder.Build(seq, packet.CmdAckTunnel, now, ext, ackBody, nil)
	require.NoError(t, err)
	for _, frag := range ackFragments {
		require.NoError(t, minerListener.Send(ctx, frag, clientListener.LocalEndpoint()))
	}

	ackPkt := assembleFrom(ctx, t, clientListener)
	_, err = clientTun.HandleAckTunnel(ackPkt)
	require.NoError(t, err)
	require.Equal(t, tunnel.Active, clientTun.State().Kind)

	return clientTun, clientID
}

func TestClientCallTimesOutWithoutReply(t *testing.T) {
	clientTun, clientID := activeClientTunnel(t)
	client := NewClient(clientID, clientTun, 10*time.Millisecond)
	target := objectid.Builder{Type: objectid.Device}.Build([]byte("target"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, 1, target)
	assert.Error(t, err)
}

func TestClientPingMatchesReplyBySequence(t *testing.T) {
	clientTun, clientID := activeClientTunnel(t)
	client := NewClient(clientID, clientTun, 200*time.Millisecond)

	seq := packet.NewSequence(clientID, 1, 0)
	go func() {
		time.Sleep(20 * time.Millisecond)
		reply := packet.Stun{Kind: packet.StunPing, Endpoints: []netio.Endpoint{
			{Protocol: netio.ProtoUDP, Family: netio.FamilyV4, IP: net.ParseIP("1.2.3.4").To4(), Port: 9999},
		}}
		payload, err := reply.Serialize(nil)
		require.NoError(t, err)
		assert.True(t, client.HandleReply(context.Background(), seq, payload))
	}()

	observed := netio.Endpoint{Protocol: netio.ProtoUDP, Family: netio.FamilyV4, IP: net.ParseIP("5.6.7.8").To4(), Port: 4242}
	ep, err := client.Ping(context.Background(), 1, observed)
	require.NoError(t, err)
	assert.Equal(t, uint16(9999), ep.Port)
}
