// Package packet implements the wire framing every tunnel, proxy, and
// topic exchange travels in: a fixed header, a variable header extension,
// a major-command-selected body, and an optional signature suffix, plus
// the MTU-bounded fragment Builder/Assembler pair that carries a logical
// packet across one or more datagrams.
package packet

import (
	"github.com/TerryTreepool/block-sub002/internal/codec"
	"github.com/TerryTreepool/block-sub002/internal/errs"
)

const op = "packet"

// MajorCommand selects which Body variant follows the header extension.
type MajorCommand uint8

const (
	CmdExchange MajorCommand = iota + 1
	CmdAckTunnel
	CmdAckAckTunnel
	CmdAck
	CmdAckAck
	CmdStun
	CmdRequest
	CmdResponse
)

func (c MajorCommand) String() string {
	switch c {
	case CmdExchange:
		return "Exchange"
	case CmdAckTunnel:
		return "AckTunnel"
	case CmdAckAckTunnel:
		return "AckAckTunnel"
	case CmdAck:
		return "Ack"
	case CmdAckAck:
		return "AckAck"
	case CmdStun:
		return "Stun"
	case CmdRequest:
		return "Request"
	case CmdResponse:
		return "Response"
	default:
		return "Unknown"
	}
}

// Version is the wire format version this package reads and writes.
const Version uint8 = 1

// SequenceSize is the fixed width of a packet sequence identifier.
const SequenceSize = 32

// Sequence identifies a logical packet (and, by extension, all of its
// fragments) across the wire. See sequence.go for how fresh values are
// minted.
type Sequence [SequenceSize]byte

// HeaderSize is the fixed wire size of Header: version(1) +
// major_command(1) + sequence(32) + timestamp(8) + fragment_index(1) +
// fragment_count(1) + length(2) + reserved(2).
const HeaderSize = 1 + 1 + SequenceSize + 8 + 1 + 1 + 2 + 2

// Header is the fixed, versioned packet header present on every
// fragment. Length is the logical packet's total size (header extension
// + body + signature suffix, summed across all fragments), not this
// fragment's own size. The Assembler does not read it; it sizes its
// slots from FragmentCount.
type Header struct {
	Version       uint8
	MajorCommand  MajorCommand
	Sequence      Sequence
	Timestamp     uint64
	FragmentIndex uint8
	FragmentCount uint8
	Length        uint16
	Reserved      uint16
}

// RawCapacity is always HeaderSize; present for symmetry with the other
// serializable types in this package.
func (h Header) RawCapacity() int { return HeaderSize }

// Serialize writes h's fixed fields.
func (h Header) Serialize(buf []byte) ([]byte, error) {
	buf = codec.PutUint8(buf, h.Version)
	buf = codec.PutUint8(buf, uint8(h.MajorCommand))
	buf = codec.PutFixedBytes(buf, h.Sequence[:])
	buf = codec.PutUint64(buf, h.Timestamp)
	buf = codec.PutUint8(buf, h.FragmentIndex)
	buf = codec.PutUint8(buf, h.FragmentCount)
	buf = codec.PutUint16(buf, h.Length)
	buf = codec.PutUint16(buf, h.Reserved)
	return buf, nil
}

// DeserializeHeader reads the fixed fields written by Serialize.
func DeserializeHeader(buf []byte) (Header, []byte, error) {
	var h Header

	if len(buf) < HeaderSize {
		return h, nil, errs.New(errs.InvalidFormat, op+".DeserializeHeader")
	}

	version, rest, err := codec.GetUint8(buf)
	if err != nil {
		return h, nil, err
	}
	h.Version = version

	cmd, rest, err := codec.GetUint8(rest)
	if err != nil {
		return h, nil, err
	}
	h.MajorCommand = MajorCommand(cmd)

	seq, rest, err := codec.GetFixedBytes(rest, SequenceSize)
	if err != nil {
		return h, nil, err
	}
	copy(h.Sequence[:], seq)

	ts, rest, err := codec.GetUint64(rest)
	if err != nil {
		return h, nil, err
	}
	h.Timestamp = ts

	idx, rest, err := codec.GetUint8(rest)
	if err != nil {
		return h, nil, err
	}
	h.FragmentIndex = idx

	count, rest, err := codec.GetUint8(rest)
	if err != nil {
		return h, nil, err
	}
	h.FragmentCount = count

	length, rest, err := codec.GetUint16(rest)
	if err != nil {
		return h, nil, err
	}
	h.Length = length

	reserved, rest, err := codec.GetUint16(rest)
	if err != nil {
		return h, nil, err
	}
	h.Reserved = reserved

	return h, rest, nil
}
