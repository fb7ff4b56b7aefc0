package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/netio"
)

func udpEndpoint(port int) netio.Endpoint {
	return netio.NewEndpoint(netio.ProtoUDP, &net.UDPAddr{IP: net.ParseIP("127.0.0.1").To4(), Port: port})
}

func TestRelayFillsEmptySlotsThenForwards(t *testing.T) {
	relay := NewRelay(time.Minute)
	var mix crypto.KeyMixHash
	mix[0] = 7

	peerA := udpEndpoint(1000)
	peerB := udpEndpoint(2000)

	// First datagram from A fills the first empty slot and is dropped.
	dgA := EncodeDatagram(mix, false, []byte("hello"))
	target, body, err := relay.HandleDatagram(dgA, peerA)
	require.NoError(t, err)
	assert.Nil(t, target)
	assert.Nil(t, body)

	// Second datagram from B fills the other slot and is also dropped.
	dgB := EncodeDatagram(mix, false, []byte("hi"))
	target, body, err = relay.HandleDatagram(dgB, peerB)
	require.NoError(t, err)
	assert.Nil(t, target)
	assert.Nil(t, body)

	// Now A sends a real payload: it should forward to B.
	dgPayload := EncodeDatagram(mix, false, []byte("payload"))
	target, body, err = relay.HandleDatagram(dgPayload, peerA)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.True(t, endpointsEqual(*target, peerB))
	assert.Equal(t, []byte("payload"), body)
}

func TestRelayHeartbeatNeverForwards(t *testing.T) {
	relay := NewRelay(time.Minute)
	var mix crypto.KeyMixHash
	mix[0] = 9

	peerA := udpEndpoint(1000)
	peerB := udpEndpoint(2000)

	_, _, err := relay.HandleDatagram(EncodeDatagram(mix, false, nil), peerA)
	require.NoError(t, err)
	_, _, err = relay.HandleDatagram(EncodeDatagram(mix, false, nil), peerB)
	require.NoError(t, err)

	target, body, err := relay.HandleDatagram(EncodeDatagram(mix, true, nil), peerA)
	require.NoError(t, err)
	assert.Nil(t, target)
	assert.Nil(t, body)
}

func TestRelaySweepEvictsIdlePairs(t *testing.T) {
	relay := NewRelay(time.Millisecond)
	var mix crypto.KeyMixHash
	mix[0] = 3

	_, _, err := relay.HandleDatagram(EncodeDatagram(mix, false, nil), udpEndpoint(1000))
	require.NoError(t, err)
	assert.Equal(t, 1, relay.Len())

	time.Sleep(5 * time.Millisecond)
	evicted := relay.Sweep(time.Now())
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, relay.Len())
}

func TestRelaySaturatedMixHashRejectsThirdSender(t *testing.T) {
	relay := NewRelay(time.Minute)
	var mix crypto.KeyMixHash
	mix[0] = 5

	_, _, err := relay.HandleDatagram(EncodeDatagram(mix, false, nil), udpEndpoint(1000))
	require.NoError(t, err)
	_, _, err = relay.HandleDatagram(EncodeDatagram(mix, false, nil), udpEndpoint(2000))
	require.NoError(t, err)

	_, _, err = relay.HandleDatagram(EncodeDatagram(mix, false, nil), udpEndpoint(3000))
	require.Error(t, err)
}
