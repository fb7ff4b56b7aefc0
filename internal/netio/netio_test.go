package netio

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointSerializeRoundTrip(t *testing.T) {
	cases := []Endpoint{
		NewEndpoint(ProtoUDP, &net.UDPAddr{IP: net.ParseIP("127.0.0.1").To4(), Port: 4500}),
		NewTCPEndpoint(&net.TCPAddr{IP: net.ParseIP("::1").To16(), Port: 9}),
	}
	for _, ep := range cases {
		buf, err := ep.Serialize(nil)
		require.NoError(t, err)
		assert.Len(t, buf, ep.RawCapacity())

		got, rest, err := DeserializeEndpoint(buf)
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, ep.Protocol, got.Protocol)
		assert.Equal(t, ep.Family, got.Family)
		assert.True(t, ep.IP.Equal(got.IP))
		assert.Equal(t, ep.Port, got.Port)
	}
}

func TestUDPInterfaceSendRecvLoopback(t *testing.T) {
	a, err := ListenUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")}, 1472)
	require.NoError(t, err)
	defer a.Close()

	b, err := ListenUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")}, 1472)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := []byte("hello over udp")
	require.NoError(t, a.Send(ctx, payload, b.LocalEndpoint()))

	from, data, err := b.RecvPackage(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, a.LocalEndpoint().Port, from.Port)
}

func TestUDPInterfaceCloseIsIdempotent(t *testing.T) {
	a, err := ListenUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")}, 1472)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, StateClosed, a.State().Kind)
}

func TestTCPInterfaceSendRecvLoopback(t *testing.T) {
	ln, err := ListenTCP(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, 65536)
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan *TCPInterface, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		acceptCh <- conn
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := DialTCP(ctx, ln.Addr().TCPAddr(), 65536)
	require.NoError(t, err)
	defer client.Close()

	server := <-acceptCh
	defer server.Close()

	payload := []byte("hello over tcp")
	require.NoError(t, client.Send(ctx, payload, Endpoint{}))

	_, data, err := server.RecvPackage(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestTCPInterfaceRejectsOversizeBody(t *testing.T) {
	ln, err := ListenTCP(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, 16)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := DialTCP(ctx, ln.Addr().TCPAddr(), 1<<20)
	require.NoError(t, err)
	defer client.Close()

	oversized := make([]byte, 64)
	require.NoError(t, client.Send(ctx, oversized, Endpoint{}))

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	_, _, err = server.RecvPackage(ctx)
	assert.Error(t, err)
}
