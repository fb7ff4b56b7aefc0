package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/desc"
	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/netio"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
	"github.com/TerryTreepool/block-sub002/internal/packet"
)

func testConfig() Config {
	return Config{
		MTU:               1200,
		IdleTimeout:       time.Minute,
		ReconnectBackoff:  50 * time.Millisecond,
		ReconnectMaxDelay: time.Second,
	}
}

func keyedDescriptor(t *testing.T, priv *crypto.PrivateKey) *desc.Descriptor {
	t.Helper()
	return &desc.Descriptor{
		Type:          objectid.Device,
		Subtype:       1,
		PublicKeyType: priv.Type,
		PublicKeyDER:  crypto.MarshalPublicKeyDER(priv.Public()),
		CreatedAt:     1700000000,
	}
}

// TestHandshakeFullRoundTrip drives Exchange -> AckTunnel -> AckAckTunnel
// through the Builder/Assembler exactly as it would cross the wire,
// checking both sides land Active with the same session key.
func TestHandshakeFullRoundTrip(t *testing.T) {
	initiatorPriv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	responderPriv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)

	initiatorDesc := keyedDescriptor(t, initiatorPriv)
	responderDesc := keyedDescriptor(t, responderPriv)

	initiatorID, err := initiatorDesc.ID()
	require.NoError(t, err)
	responderID, err := responderDesc.ID()
	require.NoError(t, err)

	cfg := testConfig()
	initiatorTun := New(initiatorID, responderID, initiatorPriv, initiatorDesc, cfg)
	responderTun := New(responderID, initiatorID, responderPriv, responderDesc, cfg)

	aesKey, err := crypto.GenerateAESKey()
	require.NoError(t, err)

	descBytes, err := initiatorDesc.Serialize(nil)
	require.NoError(t, err)

	encKey, err := crypto.EncryptTo(responderPriv.Public(), append(append([]byte{}, aesKey.Key[:]...), aesKey.IV[:]...))
	require.NoError(t, err)

	now := uint64(1700000500)
	ext := packet.HeaderExt{Requestor: initiatorID, Target: responderID}
	body := packet.Exchange{Descriptor: descBytes, EncryptedAESKey: encKey, Nonce: 42, SignTime: now}
	seq := packet.NewSequence(initiatorID, now, 0)
	signer := &packet.Signer{Key: initiatorPriv, SignTime: now}

	fragments, err := initiatorTun.builder.Build(seq, packet.CmdExchange, now, ext, body, signer)
	require.NoError(t, err)

	asm := packet.NewAssembler(16, time.Minute)
	var exchangePkt *packet.Packet
	for _, frag := range fragments {
		pkt, ferr := asm.Feed(frag)
		if ferr == nil {
			exchangePkt = pkt
			break
		}
	}
	require.NotNil(t, exchangePkt)

	ackBody, err := responderTun.HandleExchange(exchangePkt, now, 99)
	require.NoError(t, err)
	ackTunnel, ok := ackBody.(packet.AckTunnel)
	require.True(t, ok)
	assert.Equal(t, Active, responderTun.State().Kind)

	// The initiator's pending key is normally stashed by BeginHandshake;
	// here it was generated inline above so set it directly.
	initiatorTun.pendingAESKey = &aesKey

	ackPkt := &packet.Packet{Ext: ext, Body: ackTunnel}
	ackAckBody, err := initiatorTun.HandleAckTunnel(ackPkt)
	require.NoError(t, err)
	assert.Equal(t, Active, initiatorTun.State().Kind)
	assert.Equal(t, aesKey.Key, initiatorTun.State().AESKey.Key)

	ackAckPkt := &packet.Packet{Body: ackAckBody}
	require.NoError(t, responderTun.HandleAckAckTunnel(ackAckPkt))
	assert.Equal(t, Active, responderTun.State().Kind)
}

func TestHandleAckTunnelRejectsWrongMixHash(t *testing.T) {
	priv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	d := keyedDescriptor(t, priv)
	id, err := d.ID()
	require.NoError(t, err)

	tun := New(id, id, priv, d, testConfig())

	real, err := crypto.GenerateAESKey()
	require.NoError(t, err)
	tun.pendingAESKey = &real

	wrong, err := crypto.GenerateAESKey()
	require.NoError(t, err)
	mix := wrong.MixHash(nil)

	_, err = tun.HandleAckTunnel(&packet.Packet{Body: packet.AckTunnel{MixHash: [8]byte(mix)}})
	require.Error(t, err)
}

func TestPreferInitiatorIsSymmetricAndDeterministic(t *testing.T) {
	a := objectid.Builder{Type: objectid.Device}.Build([]byte("a"))
	b := objectid.Builder{Type: objectid.Device}.Build([]byte("b"))

	winner1 := PreferInitiator(a, b)
	winner2 := PreferInitiator(b, a)
	assert.Equal(t, winner1, winner2)
	assert.Equal(t, winner1, PreferInitiator(a, b))
}

func TestIsIdleAndMarkDead(t *testing.T) {
	priv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	d := keyedDescriptor(t, priv)
	id, err := d.ID()
	require.NoError(t, err)

	tun := New(id, id, priv, d, testConfig())
	aesKey, err := crypto.GenerateAESKey()
	require.NoError(t, err)
	tun.setState(State{Kind: Active, AESKey: &aesKey, LastActive: time.Now().Add(-time.Hour)})

	assert.True(t, tun.IsIdle(time.Now(), time.Minute))

	tun.MarkDead(assert.AnError)
	st := tun.State()
	assert.Equal(t, Dead, st.Kind)
	assert.Error(t, st.Reason)
}

// TestSendFallsBackAcrossInterfaces confirms a Tunnel tries interfaces
// in preference order and succeeds once one accepts the fragment.
func TestSendFallsBackAcrossInterfaces(t *testing.T) {
	priv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	d := keyedDescriptor(t, priv)
	id, err := d.ID()
	require.NoError(t, err)

	tun := New(id, id, priv, d, testConfig())

	listener, err := netio.ListenUDP(&net.UDPAddr{IP: net.IPv4zero, Port: 0}, 1500)
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	target := listener.LocalEndpoint()
	tun.AddInterface(listener, target, false)

	aesKey, err := crypto.GenerateAESKey()
	require.NoError(t, err)
	tun.setState(State{Kind: Active, AESKey: &aesKey, LastActive: time.Now()})

	seq := packet.NewSequence(id, 1, 0)
	require.NoError(t, tun.send(context.Background(), [][]byte{[]byte("fragment"), seq[:4]}))
}

func TestRegistryGetOrCreateThenRemove(t *testing.T) {
	priv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	d := keyedDescriptor(t, priv)
	local, err := d.ID()
	require.NoError(t, err)

	remote := objectid.Builder{Type: objectid.Device}.Build([]byte("remote"))

	reg := NewRegistry(local, priv, d, nil, testConfig())
	tun := reg.GetOrCreate(remote)
	require.NotNil(t, tun)

	again, ok := reg.Get(remote)
	require.True(t, ok)
	assert.Same(t, tun, again)

	reg.Remove(remote)
	_, ok = reg.Get(remote)
	assert.False(t, ok)
}

// TestHandleExchangeConcurrentDoubleInitiationPrefersSmallerID drives the
// race both ensureActive callers can hit: each side independently
// begins a handshake toward the other before either has seen the
// other's Exchange. The lexicographically-smaller-ID side must keep its
// own initiated handshake and reject the peer's simultaneous Exchange;
// the larger-ID side must abandon its own attempt and become responder.
func TestHandleExchangeConcurrentDoubleInitiationPrefersSmallerID(t *testing.T) {
	aPriv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)
	bPriv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)

	aDesc := keyedDescriptor(t, aPriv)
	bDesc := keyedDescriptor(t, bPriv)
	aID, err := aDesc.ID()
	require.NoError(t, err)
	bID, err := bDesc.ID()
	require.NoError(t, err)

	winner, loser := aID, bID
	winnerPriv, loserPriv := aPriv, bPriv
	winnerDesc, loserDesc := aDesc, bDesc
	if PreferInitiator(aID, bID) != aID {
		winner, loser = bID, aID
		winnerPriv, loserPriv = bPriv, aPriv
		winnerDesc, loserDesc = bDesc, aDesc
	}

	cfg := testConfig()
	winnerTun := New(winner, loser, winnerPriv, winnerDesc, cfg)
	loserTun := New(loser, winner, loserPriv, loserDesc, cfg)

	now := uint64(1700000500)
	winnerExchange := buildExchangeFragments(t, winnerTun, loserPriv.Public(), now, 1)
	loserExchange := buildExchangeFragments(t, loserTun, winnerPriv.Public(), now, 2)

	// Each side now holds its own pendingAESKey, exactly as BeginHandshake
	// would have left it; simulate both Exchanges crossing in flight.
	winnerPkt := assembleExchange(t, loserExchange)
	loserPkt := assembleExchange(t, winnerExchange)

	_, err = winnerTun.HandleExchange(winnerPkt, now, 11)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict))
	assert.NotEqual(t, Active, winnerTun.State().Kind)

	ackBody, err := loserTun.HandleExchange(loserPkt, now, 22)
	require.NoError(t, err)
	assert.Equal(t, Active, loserTun.State().Kind)
	_, ok := ackBody.(packet.AckTunnel)
	assert.True(t, ok)
}

func buildExchangeFragments(t *testing.T, tun *Tunnel, remotePub *crypto.PublicKey, now uint64, nonce uint64) [][]byte {
	t.Helper()
	aesKey, err := crypto.GenerateAESKey()
	require.NoError(t, err)

	descBytes, err := tun.localDesc.Serialize(nil)
	require.NoError(t, err)
	encKey, err := crypto.EncryptTo(remotePub, append(append([]byte{}, aesKey.Key[:]...), aesKey.IV[:]...))
	require.NoError(t, err)

	body := packet.Exchange{Descriptor: descBytes, EncryptedAESKey: encKey, Nonce: nonce, SignTime: now}
	ext := packet.HeaderExt{Requestor: tun.Local, Target: tun.Remote}
	seq := packet.NewSequence(tun.Local, now, 0)
	signer := &packet.Signer{Key: tun.localPriv, SignTime: now}

	fragments, err := tun.builder.Build(seq, packet.CmdExchange, now, ext, body, signer)
	require.NoError(t, err)

	tun.pendingAESKey = &aesKey
	tun.pendingNonce = nonce
	return fragments
}

func assembleExchange(t *testing.T, fragments [][]byte) *packet.Packet {
	t.Helper()
	asm := packet.NewAssembler(16, time.Minute)
	for _, frag := range fragments {
		pkt, err := asm.Feed(frag)
		if err == nil {
			return pkt
		}
	}
	t.Fatal("exchange fragments never reassembled")
	return nil
}
