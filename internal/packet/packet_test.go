package packet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/netio"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
)

func testExt(t *testing.T) HeaderExt {
	t.Helper()
	topic := "/device/ping"
	return HeaderExt{
		Requestor: objectid.Builder{Type: objectid.Device}.Build([]byte("requestor")),
		Target:    objectid.Builder{Type: objectid.Service}.Build([]byte("target")),
		Topic:     &topic,
		Creator: &CreatorInfo{
			ID: objectid.Builder{Type: objectid.Device}.Build([]byte("creator")),
			Endpoint: netio.EndpointPair{
				Local:  netio.NewEndpoint(netio.ProtoUDP, &net.UDPAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 4500}),
				Remote: netio.NewEndpoint(netio.ProtoUDP, &net.UDPAddr{IP: net.ParseIP("10.0.0.2").To4(), Port: 4500}),
			},
		},
	}
}

func TestHeaderExtRoundTrip(t *testing.T) {
	ext := testExt(t)
	buf, err := ext.Serialize(nil)
	require.NoError(t, err)
	assert.Len(t, buf, ext.RawCapacity())

	got, rest, err := DeserializeHeaderExt(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, ext.Requestor, got.Requestor)
	assert.Equal(t, ext.Target, got.Target)
	require.NotNil(t, got.Topic)
	assert.Equal(t, *ext.Topic, *got.Topic)
	require.NotNil(t, got.Creator)
	assert.Equal(t, ext.Creator.ID, got.Creator.ID)
}

func TestBuilderAssemblerSingleFragment(t *testing.T) {
	seq := NewSequence(objectid.Builder{Type: objectid.Device}.Build([]byte("req")), 1000, 0)
	ext := testExt(t)
	body := Request{Payload: []byte("small request payload")}

	b := Builder{MTU: 1472}
	frags, err := b.Build(seq, CmdRequest, 1000, ext, body, nil)
	require.NoError(t, err)
	require.Len(t, frags, 1)

	asm := NewAssembler(16, 30*time.Second)
	pkt, err := asm.Feed(frags[0])
	require.NoError(t, err)
	require.NotNil(t, pkt)

	got, ok := pkt.Body.(Request)
	require.True(t, ok)
	assert.Equal(t, body.Payload, got.Payload)
	assert.Nil(t, pkt.Signature)
}

func TestBuilderAssemblerMultiFragment(t *testing.T) {
	seq := NewSequence(objectid.Builder{Type: objectid.Device}.Build([]byte("req2")), 2000, 0)
	ext := testExt(t)

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	body := Request{Payload: payload}

	b := Builder{MTU: 512}
	frags, err := b.Build(seq, CmdRequest, 2000, ext, body, nil)
	require.NoError(t, err)
	require.Greater(t, len(frags), 1)

	asm := NewAssembler(64, 30*time.Second)

	var pkt *Packet
	for i, frag := range frags {
		p, err := asm.Feed(frag)
		if i < len(frags)-1 {
			require.Error(t, err)
			require.Nil(t, p)
		} else {
			require.NoError(t, err)
			pkt = p
		}
	}

	require.NotNil(t, pkt)
	got, ok := pkt.Body.(Request)
	require.True(t, ok)
	assert.Equal(t, body.Payload, got.Payload)
}

func TestBuilderAssemblerSignedPacket(t *testing.T) {
	priv, err := crypto.GenerateKey(crypto.Rsa1024)
	require.NoError(t, err)

	seq := NewSequence(objectid.Builder{Type: objectid.Device}.Build([]byte("req3")), 3000, 0)
	ext := testExt(t)
	body := Ack{AckedSequence: seq}

	b := Builder{MTU: 1472}
	signer := &Signer{Key: priv, SignTime: 1700000000}
	frags, err := b.Build(seq, CmdAck, 3000, ext, body, signer)
	require.NoError(t, err)
	require.Len(t, frags, 1)

	asm := NewAssembler(16, 30*time.Second)
	pkt, err := asm.Feed(frags[0])
	require.NoError(t, err)
	require.NotNil(t, pkt)
	require.NotNil(t, pkt.Signature)
	assert.Equal(t, crypto.Rsa1024, pkt.Signature.KeyType)

	extBytes, err := pkt.Ext.Serialize(nil)
	require.NoError(t, err)
	bodyBytes, err := pkt.Body.Serialize(nil)
	require.NoError(t, err)
	signPayload := append(append([]byte{}, extBytes...), bodyBytes...)

	err = crypto.Verify(priv.Public(), signPayload, pkt.Signature.SignTime, pkt.Signature.Sig)
	assert.NoError(t, err)
}

func TestAssemblerRejectsFragmentCountOverMax(t *testing.T) {
	seq := NewSequence(objectid.Builder{Type: objectid.Device}.Build([]byte("req4")), 4000, 0)
	ext := testExt(t)
	body := Request{Payload: make([]byte, 10000)}

	b := Builder{MTU: 1472}
	frags, err := b.Build(seq, CmdRequest, 4000, ext, body, nil)
	require.NoError(t, err)
	require.Greater(t, len(frags), 2)

	asm := NewAssembler(2, 30*time.Second)
	_, err = asm.Feed(frags[0])
	require.Error(t, err)
}

func TestAssemblerSweepEvictsStaleEntries(t *testing.T) {
	seq := NewSequence(objectid.Builder{Type: objectid.Device}.Build([]byte("req5")), 5000, 0)
	ext := testExt(t)
	body := Request{Payload: make([]byte, 5000)}

	b := Builder{MTU: 512}
	frags, err := b.Build(seq, CmdRequest, 5000, ext, body, nil)
	require.NoError(t, err)
	require.Greater(t, len(frags), 1)

	asm := NewAssembler(64, 10*time.Millisecond)
	_, err = asm.Feed(frags[0])
	require.Error(t, err)

	expired := asm.Sweep(time.Now().Add(1 * time.Second))
	assert.Contains(t, expired, seq)
}
