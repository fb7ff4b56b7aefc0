package packet

import (
	"github.com/TerryTreepool/block-sub002/internal/codec"
	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/netio"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
)

// Body is the sum type selected by a header's MajorCommand. Each variant
// knows its own wire size and how to serialize itself; DeserializeBody
// dispatches on the command byte to produce the matching concrete type.
type Body interface {
	MajorCommand() MajorCommand
	RawCapacity() int
	Serialize(buf []byte) ([]byte, error)
}

// Exchange is the initiator-side tunnel handshake opener (SPEC_FULL.md
// §4.5 step 1): the initiator's serialized device descriptor, a fresh
// AES key RSA-encrypted to the responder's public key, a nonce, and the
// sign-time that was salted into the packet's signature.
type Exchange struct {
	Descriptor      []byte
	EncryptedAESKey []byte
	Nonce           uint64
	SignTime        uint64
}

func (Exchange) MajorCommand() MajorCommand { return CmdExchange }

func (e Exchange) RawCapacity() int {
	return 2 + len(e.Descriptor) + 2 + len(e.EncryptedAESKey) + 8 + 8
}

func (e Exchange) Serialize(buf []byte) ([]byte, error) {
	buf, err := codec.PutBytes(buf, e.Descriptor)
	if err != nil {
		return nil, err
	}
	buf, err = codec.PutBytes(buf, e.EncryptedAESKey)
	if err != nil {
		return nil, err
	}
	buf = codec.PutUint64(buf, e.Nonce)
	buf = codec.PutUint64(buf, e.SignTime)
	return buf, nil
}

func deserializeExchange(buf []byte) (Body, []byte, error) {
	descriptor, rest, err := codec.GetBytes(buf)
	if err != nil {
		return nil, nil, err
	}
	aesKey, rest, err := codec.GetBytes(rest)
	if err != nil {
		return nil, nil, err
	}
	nonce, rest, err := codec.GetUint64(rest)
	if err != nil {
		return nil, nil, err
	}
	signTime, rest, err := codec.GetUint64(rest)
	if err != nil {
		return nil, nil, err
	}
	return Exchange{Descriptor: descriptor, EncryptedAESKey: aesKey, Nonce: nonce, SignTime: signTime}, rest, nil
}

// AckTunnel is the responder's handshake reply (step 2): proof of
// possession of the exchanged AES key via its mix-hash, plus the
// responder's own nonce for the initiator to echo in AckAckTunnel.
type AckTunnel struct {
	MixHash        [8]byte
	ResponderNonce uint64
}

func (AckTunnel) MajorCommand() MajorCommand { return CmdAckTunnel }
func (AckTunnel) RawCapacity() int           { return 8 + 8 }

func (a AckTunnel) Serialize(buf []byte) ([]byte, error) {
	buf = codec.PutFixedBytes(buf, a.MixHash[:])
	buf = codec.PutUint64(buf, a.ResponderNonce)
	return buf, nil
}

func deserializeAckTunnel(buf []byte) (Body, []byte, error) {
	mix, rest, err := codec.GetFixedBytes(buf, 8)
	if err != nil {
		return nil, nil, err
	}
	nonce, rest, err := codec.GetUint64(rest)
	if err != nil {
		return nil, nil, err
	}
	var out AckTunnel
	copy(out.MixHash[:], mix)
	out.ResponderNonce = nonce
	return out, rest, nil
}

// AckAckTunnel is the initiator's final handshake confirmation (step 3).
type AckAckTunnel struct {
	MixHash [8]byte
}

func (AckAckTunnel) MajorCommand() MajorCommand { return CmdAckAckTunnel }
func (AckAckTunnel) RawCapacity() int           { return 8 }

func (a AckAckTunnel) Serialize(buf []byte) ([]byte, error) {
	return codec.PutFixedBytes(buf, a.MixHash[:]), nil
}

func deserializeAckAckTunnel(buf []byte) (Body, []byte, error) {
	mix, rest, err := codec.GetFixedBytes(buf, 8)
	if err != nil {
		return nil, nil, err
	}
	var out AckAckTunnel
	copy(out.MixHash[:], mix)
	return out, rest, nil
}

// Ack is a message-level delivery acknowledgement.
type Ack struct {
	AckedSequence Sequence
}

func (Ack) MajorCommand() MajorCommand { return CmdAck }
func (Ack) RawCapacity() int           { return SequenceSize }

func (a Ack) Serialize(buf []byte) ([]byte, error) {
	return codec.PutFixedBytes(buf, a.AckedSequence[:]), nil
}

func deserializeAck(buf []byte) (Body, []byte, error) {
	seq, rest, err := codec.GetFixedBytes(buf, SequenceSize)
	if err != nil {
		return nil, nil, err
	}
	var out Ack
	copy(out.AckedSequence[:], seq)
	return out, rest, nil
}

// AckAck echoes an Ack back to its sender, carrying the measured round
// trip time for delivery feedback.
type AckAck struct {
	AckedSequence Sequence
	RTTNanos      uint64
}

func (AckAck) MajorCommand() MajorCommand { return CmdAckAck }
func (AckAck) RawCapacity() int           { return SequenceSize + 8 }

func (a AckAck) Serialize(buf []byte) ([]byte, error) {
	buf = codec.PutFixedBytes(buf, a.AckedSequence[:])
	buf = codec.PutUint64(buf, a.RTTNanos)
	return buf, nil
}

func deserializeAckAck(buf []byte) (Body, []byte, error) {
	seq, rest, err := codec.GetFixedBytes(buf, SequenceSize)
	if err != nil {
		return nil, nil, err
	}
	rtt, rest, err := codec.GetUint64(rest)
	if err != nil {
		return nil, nil, err
	}
	var out AckAck
	copy(out.AckedSequence[:], seq)
	out.RTTNanos = rtt
	return out, rest, nil
}

// StunKind distinguishes the Stun body sub-commands (SPEC_FULL.md §4.7).
type StunKind uint8

const (
	StunPing StunKind = iota + 1
	StunCall
	StunCalled
)

func (k StunKind) String() string {
	switch k {
	case StunPing:
		return "Ping"
	case StunCall:
		return "Call"
	case StunCalled:
		return "Called"
	default:
		return "Unknown"
	}
}

// Stun carries one of the coturn-miner sub-commands: Ping (presence
// refresh, Endpoints reports the sender's own observed endpoint),
// Call (Target names the peer to wake), or Called (sent by the miner to
// the woken peer with Target naming the caller; the peer's Called reply,
// which the miner forwards to the caller, carries the peer's direct
// endpoints in Endpoints).
type Stun struct {
	Kind      StunKind
	Target    objectid.ID
	Endpoints []netio.Endpoint
}

func (Stun) MajorCommand() MajorCommand { return CmdStun }

func (s Stun) RawCapacity() int {
	n := 1 + objectid.Size + 2
	for _, ep := range s.Endpoints {
		n += ep.RawCapacity()
	}
	return n
}

func (s Stun) Serialize(buf []byte) ([]byte, error) {
	buf = codec.PutUint8(buf, uint8(s.Kind))
	buf = codec.PutFixedBytes(buf, s.Target.Bytes())

	var err error
	buf, err = codec.PutVecLen(buf, len(s.Endpoints))
	if err != nil {
		return nil, err
	}
	for _, ep := range s.Endpoints {
		buf, err = ep.Serialize(buf)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func deserializeStun(buf []byte) (Body, []byte, error) {
	kind, rest, err := codec.GetUint8(buf)
	if err != nil {
		return nil, nil, err
	}
	targetBytes, rest, err := codec.GetFixedBytes(rest, objectid.Size)
	if err != nil {
		return nil, nil, err
	}
	target, err := objectid.FromBytes(targetBytes)
	if err != nil {
		return nil, nil, err
	}
	n, rest, err := codec.VecLen(rest)
	if err != nil {
		return nil, nil, err
	}
	endpoints := make([]netio.Endpoint, 0, n)
	for i := 0; i < n; i++ {
		var ep netio.Endpoint
		ep, rest, err = netio.DeserializeEndpoint(rest)
		if err != nil {
			return nil, nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return Stun{Kind: StunKind(kind), Target: target, Endpoints: endpoints}, rest, nil
}

// Request is an opaque, length-prefixed application payload (typically
// protobuf, but this runtime never inspects its contents).
type Request struct {
	Payload []byte
}

func (Request) MajorCommand() MajorCommand { return CmdRequest }
func (r Request) RawCapacity() int         { return 2 + len(r.Payload) }
func (r Request) Serialize(buf []byte) ([]byte, error) {
	return codec.PutBytes(buf, r.Payload)
}

func deserializeRequest(buf []byte) (Body, []byte, error) {
	payload, rest, err := codec.GetBytes(buf)
	if err != nil {
		return nil, nil, err
	}
	return Request{Payload: payload}, rest, nil
}

// Response is an opaque, length-prefixed reply to a Request, matched by
// sequence.
type Response struct {
	Payload []byte
}

func (Response) MajorCommand() MajorCommand { return CmdResponse }
func (r Response) RawCapacity() int         { return 2 + len(r.Payload) }
func (r Response) Serialize(buf []byte) ([]byte, error) {
	return codec.PutBytes(buf, r.Payload)
}

func deserializeResponse(buf []byte) (Body, []byte, error) {
	payload, rest, err := codec.GetBytes(buf)
	if err != nil {
		return nil, nil, err
	}
	return Response{Payload: payload}, rest, nil
}

// DeserializeBody dispatches on cmd to parse the matching Body variant.
func DeserializeBody(cmd MajorCommand, buf []byte) (Body, []byte, error) {
	switch cmd {
	case CmdExchange:
		return deserializeExchange(buf)
	case CmdAckTunnel:
		return deserializeAckTunnel(buf)
	case CmdAckAckTunnel:
		return deserializeAckAckTunnel(buf)
	case CmdAck:
		return deserializeAck(buf)
	case CmdAckAck:
		return deserializeAckAck(buf)
	case CmdStun:
		return deserializeStun(buf)
	case CmdRequest:
		return deserializeRequest(buf)
	case CmdResponse:
		return deserializeResponse(buf)
	default:
		return nil, nil, errs.New(errs.InvalidFormat, op+".DeserializeBody")
	}
}
