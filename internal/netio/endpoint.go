// Package netio implements the UDP and TCP endpoint abstractions packets
// travel over: bind/connect/accept/close, package-boundary framing, and
// the MTU-bounded receive path (SPEC_FULL.md §4.3).
package netio

import (
	"net"

	"github.com/TerryTreepool/block-sub002/internal/codec"
	"github.com/TerryTreepool/block-sub002/internal/errs"
)

const op = "netio"

// Protocol is the wire encoding of an endpoint's transport protocol.
type Protocol uint8

const (
	ProtoTCP Protocol = 1
	ProtoUDP Protocol = 2
)

// Family is the wire encoding of an endpoint's address family.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// Endpoint flag bits.
const (
	FlagStaticWAN uint8 = 1 << iota
)

// Endpoint names one side of a socket: protocol, address family, IP, port,
// and flag bits (e.g. static-WAN).
type Endpoint struct {
	Protocol Protocol
	Family   Family
	IP       net.IP
	Port     uint16
	Flags    uint8
}

// EndpointPair names a local/remote pair, as carried in a packet's header
// extension for a creator's address hints.
type EndpointPair struct {
	Local  Endpoint
	Remote Endpoint
}

// NewEndpoint builds an Endpoint from a protocol and a net.Addr, inferring
// the address family from the IP's length.
func NewEndpoint(proto Protocol, addr *net.UDPAddr) Endpoint {
	fam := FamilyV4
	ip := addr.IP.To4()
	if ip == nil {
		fam = FamilyV6
		ip = addr.IP.To16()
	}
	return Endpoint{Protocol: proto, Family: fam, IP: ip, Port: uint16(addr.Port)}
}

// NewTCPEndpoint builds an Endpoint from a TCP address.
func NewTCPEndpoint(addr *net.TCPAddr) Endpoint {
	fam := FamilyV4
	ip := addr.IP.To4()
	if ip == nil {
		fam = FamilyV6
		ip = addr.IP.To16()
	}
	return Endpoint{Protocol: ProtoTCP, Family: fam, IP: ip, Port: uint16(addr.Port)}
}

func (e Endpoint) addrLen() int {
	if e.Family == FamilyV6 {
		return 16
	}
	return 4
}

// RawCapacity is the exact wire size of e.
func (e Endpoint) RawCapacity() int {
	return 1 + 1 + e.addrLen() + 2 + 1
}

// Serialize writes e's wire encoding: protocol, family, address bytes,
// port, flags.
func (e Endpoint) Serialize(buf []byte) ([]byte, error) {
	n := e.addrLen()
	if len(e.IP) != n {
		return nil, errs.New(errs.InvalidParam, op+".Endpoint.Serialize")
	}
	buf = codec.PutUint8(buf, uint8(e.Protocol))
	buf = codec.PutUint8(buf, uint8(e.Family))
	buf = codec.PutFixedBytes(buf, e.IP)
	buf = codec.PutUint16(buf, e.Port)
	buf = codec.PutUint8(buf, e.Flags)
	return buf, nil
}

// DeserializeEndpoint reads the wire encoding written by Serialize.
func DeserializeEndpoint(buf []byte) (Endpoint, []byte, error) {
	var e Endpoint

	proto, rest, err := codec.GetUint8(buf)
	if err != nil {
		return e, nil, err
	}
	e.Protocol = Protocol(proto)

	fam, rest, err := codec.GetUint8(rest)
	if err != nil {
		return e, nil, err
	}
	e.Family = Family(fam)

	n := 4
	if e.Family == FamilyV6 {
		n = 16
	}
	ip, rest, err := codec.GetFixedBytes(rest, n)
	if err != nil {
		return e, nil, err
	}
	e.IP = ip

	port, rest, err := codec.GetUint16(rest)
	if err != nil {
		return e, nil, err
	}
	e.Port = port

	flags, rest, err := codec.GetUint8(rest)
	if err != nil {
		return e, nil, err
	}
	e.Flags = flags

	return e, rest, nil
}

// UDPAddr converts e to a *net.UDPAddr for socket calls.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}

// TCPAddr converts e to a *net.TCPAddr for socket calls.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: e.IP, Port: int(e.Port)}
}

func (e Endpoint) String() string {
	return e.UDPAddr().String()
}
