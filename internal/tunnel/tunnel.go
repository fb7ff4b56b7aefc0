package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/desc"
	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/netio"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
	"github.com/TerryTreepool/block-sub002/internal/packet"
)

// boundInterface is one of a Tunnel's owned interfaces, tagged with the
// preference class SPEC_FULL.md §4.5/§9 order: direct TCP first, then
// direct UDP, then a proxied UDP channel.
type boundInterface struct {
	class  int // 0 = direct TCP, 1 = direct UDP, 2 = proxied UDP
	iface  netio.Interface
	target netio.Endpoint
}

const (
	classDirectTCP = iota
	classDirectUDP
	classProxiedUDP
)

// Tunnel is the bilateral authenticated channel to one remote object ID.
// It owns zero or more concrete interfaces in preference order and
// tracks handshake/session state.
type Tunnel struct {
	Local  objectid.ID
	Remote objectid.ID

	localPriv *crypto.PrivateKey
	localDesc *desc.Descriptor
	builder   packet.Builder

	mu    sync.RWMutex
	state State

	ifaceMu    sync.RWMutex
	interfaces []boundInterface

	// Handshake-in-progress bookkeeping (initiator side).
	pendingAESKey *crypto.AESKey
	pendingNonce  uint64

	backoff time.Duration
}

// Config bounds a Tunnel's timing behavior.
type Config struct {
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	ReconnectBackoff  time.Duration
	ReconnectMaxDelay time.Duration
	MTU               int
}

// New constructs a Tunnel in the Connecting state. localDesc is this
// process's own descriptor, embedded verbatim in outgoing Exchange
// bodies.
func New(local, remote objectid.ID, localPriv *crypto.PrivateKey, localDesc *desc.Descriptor, cfg Config) *Tunnel {
	return &Tunnel{
		Local:     local,
		Remote:    remote,
		localPriv: localPriv,
		localDesc: localDesc,
		builder:   packet.Builder{MTU: cfg.MTU},
		state:     State{Kind: Connecting},
		backoff:   cfg.ReconnectBackoff,
	}
}

// State returns a snapshot of the tunnel's current state.
func (t *Tunnel) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Tunnel) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// touchActive bumps LastActive on an Active tunnel; called on every
// inbound packet per SPEC_FULL.md §4.5's keepalive rule.
func (t *Tunnel) touchActive() {
	t.mu.Lock()
	if t.state.Kind == Active {
		t.state.LastActive = time.Now()
	}
	t.mu.Unlock()
}

// Touch bumps LastActive on an Active tunnel; exported for callers
// outside this package (the stack façade) that observe an inbound
// packet and need to record liveness without reaching into state.
func (t *Tunnel) Touch() {
	t.touchActive()
}

// AddInterface attaches a concrete interface in its preference class.
func (t *Tunnel) AddInterface(iface netio.Interface, target netio.Endpoint, proxied bool) {
	class := classDirectUDP
	if proxied {
		class = classProxiedUDP
	} else if _, ok := iface.(*netio.TCPInterface); ok {
		class = classDirectTCP
	}

	t.ifaceMu.Lock()
	t.interfaces = append(t.interfaces, boundInterface{class: class, iface: iface, target: target})
	sortInterfaces(t.interfaces)
	t.ifaceMu.Unlock()
}

func sortInterfaces(ifaces []boundInterface) {
	// Small N (at most one of each class); insertion sort by class is
	// simpler and clearer here than pulling in sort.Slice for 2-3 items.
	for i := 1; i < len(ifaces); i++ {
		for j := i; j > 0 && ifaces[j].class < ifaces[j-1].class; j-- {
			ifaces[j], ifaces[j-1] = ifaces[j-1], ifaces[j]
		}
	}
}

// send transmits fragments over the first interface that accepts them,
// in preference order, falling through to the next on failure. Marks
// the tunnel Dead if every interface fails.
func (t *Tunnel) send(ctx context.Context, fragments [][]byte) error {
	t.ifaceMu.RLock()
	ifaces := append([]boundInterface(nil), t.interfaces...)
	t.ifaceMu.RUnlock()

	if len(ifaces) == 0 {
		return errs.New(errs.TunnelClosed, op+".Tunnel.send")
	}

	var lastErr error
	for _, bi := range ifaces {
		ok := true
		for _, frag := range fragments {
			if err := bi.iface.Send(ctx, frag, bi.target); err != nil {
				lastErr = err
				ok = false
				break
			}
		}
		if ok {
			return nil
		}
	}

	t.setState(State{Kind: Dead, Reason: lastErr})
	return errs.Wrap(errs.TunnelClosed, op+".Tunnel.send", t.Remote.String(), lastErr)
}

// BeginHandshake builds and sends the initiator's Exchange packet,
// generating a fresh AES key and nonce held pending the responder's
// AckTunnel.
func (t *Tunnel) BeginHandshake(ctx context.Context, remotePub *crypto.PublicKey, now uint64, nonce uint64) error {
	aesKey, err := crypto.GenerateAESKey()
	if err != nil {
		return err
	}

	descBytes, err := t.localDesc.Serialize(nil)
	if err != nil {
		return err
	}

	encKey, err := crypto.EncryptTo(remotePub, append(append([]byte{}, aesKey.Key[:]...), aesKey.IV[:]...))
	if err != nil {
		return err
	}

	body := packet.Exchange{
		Descriptor:      descBytes,
		EncryptedAESKey: encKey,
		Nonce:           nonce,
		SignTime:        now,
	}

	ext := packet.HeaderExt{Requestor: t.Local, Target: t.Remote}
	seq := packet.NewSequence(t.Local, now, 0)
	signer := &packet.Signer{Key: t.localPriv, SignTime: now}

	fragments, err := t.builder.Build(seq, packet.CmdExchange, now, ext, body, signer)
	if err != nil {
		return err
	}

	t.pendingAESKey = &aesKey
	t.pendingNonce = nonce

	return t.send(ctx, fragments)
}

// HandleExchange processes an inbound Exchange as the responder: verify
// the signature against the embedded descriptor's public key, decrypt
// the AES key, and build the AckTunnel reply.
func (t *Tunnel) HandleExchange(pkt *packet.Packet, now uint64, responderNonce uint64) (packet.Body, error) {
	exch, ok := pkt.Body.(packet.Exchange)
	if !ok {
		return nil, errs.New(errs.InvalidFormat, op+".Tunnel.HandleExchange")
	}

	// Concurrent double-initiation: both sides sent an Exchange before
	// either saw the other's. If this side already has its own
	// handshake pending and wins SPEC_FULL.md §4.5's tie-break (smaller
	// object ID), it keeps that initiated handshake in flight and
	// ignores the peer's simultaneous Exchange rather than downgrading
	// itself to responder. The losing side carries no pendingAESKey
	// advantage here and falls through below to become the responder,
	// same as a plain unsolicited Exchange.
	if t.pendingAESKey != nil && PreferInitiator(t.Local, t.Remote) == t.Local {
		return nil, errs.New(errs.Conflict, op+".Tunnel.HandleExchange")
	}

	peerDesc, err := desc.UnmarshalDescriptor(exch.Descriptor)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidFormat, op+".Tunnel.HandleExchange", "descriptor", err)
	}
	if len(peerDesc.PublicKeyDER) == 0 {
		return nil, errs.New(errs.Forbidden, op+".Tunnel.HandleExchange")
	}

	pub, err := crypto.LoadPublicKeyDER(peerDesc.PublicKeyType, peerDesc.PublicKeyDER)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoVerify, op+".Tunnel.HandleExchange", "", err)
	}

	if pkt.Signature == nil {
		return nil, errs.New(errs.Forbidden, op+".Tunnel.HandleExchange")
	}

	extBytes, err := pkt.Ext.Serialize(nil)
	if err != nil {
		return nil, err
	}
	bodyBytes, err := exch.Serialize(nil)
	if err != nil {
		return nil, err
	}
	signed := append(extBytes, bodyBytes...)
	if err := crypto.Verify(pub, signed, pkt.Signature.SignTime, pkt.Signature.Sig); err != nil {
		return nil, err
	}

	plaintext, err := crypto.DecryptWith(t.localPriv, exch.EncryptedAESKey)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoDecrypt, op+".Tunnel.HandleExchange", "", err)
	}
	if len(plaintext) != 48 {
		return nil, errs.New(errs.InvalidFormat, op+".Tunnel.HandleExchange")
	}

	var aesKey crypto.AESKey
	copy(aesKey.Key[:], plaintext[:32])
	copy(aesKey.IV[:], plaintext[32:])

	t.setState(State{Kind: Active, AESKey: &aesKey, LastActive: time.Now()})

	mix := aesKey.MixHash(nil)
	return packet.AckTunnel{MixHash: [8]byte(mix), ResponderNonce: responderNonce}, nil
}

// HandleAckTunnel processes the responder's AckTunnel as the initiator:
// verify the mix-hash matches the pending AES key, mark the tunnel
// Active, and build the AckAckTunnel confirmation.
func (t *Tunnel) HandleAckTunnel(pkt *packet.Packet) (packet.Body, error) {
	ack, ok := pkt.Body.(packet.AckTunnel)
	if !ok {
		return nil, errs.New(errs.InvalidFormat, op+".Tunnel.HandleAckTunnel")
	}
	if t.pendingAESKey == nil {
		return nil, errs.New(errs.Conflict, op+".Tunnel.HandleAckTunnel")
	}

	expected := t.pendingAESKey.MixHash(nil)
	if [8]byte(expected) != ack.MixHash {
		return nil, errs.New(errs.CryptoVerify, op+".Tunnel.HandleAckTunnel")
	}

	t.setState(State{Kind: Active, AESKey: t.pendingAESKey, LastActive: time.Now()})
	mix := t.pendingAESKey.MixHash(nil)
	t.pendingAESKey = nil

	return packet.AckAckTunnel{MixHash: [8]byte(mix)}, nil
}

// HandleAckAckTunnel processes the initiator's final confirmation as
// the responder: the tunnel must already be Active (HandleExchange made
// it so), and if the mix-hash matches the key HandleExchange installed
// its last-active time is refreshed.
func (t *Tunnel) HandleAckAckTunnel(pkt *packet.Packet) error {
	ackAck, ok := pkt.Body.(packet.AckAckTunnel)
	if !ok {
		return errs.New(errs.InvalidFormat, op+".Tunnel.HandleAckAckTunnel")
	}

	st := t.State()
	if st.Kind != Active || st.AESKey == nil {
		return errs.New(errs.Conflict, op+".Tunnel.HandleAckAckTunnel")
	}
	if [8]byte(st.AESKey.MixHash(nil)) != ackAck.MixHash {
		return errs.New(errs.CryptoVerify, op+".Tunnel.HandleAckAckTunnel")
	}

	t.touchActive()
	return nil
}

// PreferInitiator resolves simultaneous-handshake races: the peer with
// the lexicographically smaller object ID keeps its initiated
// handshake; the other abandons its own and becomes the responder
// (SPEC_FULL.md §4.5's invariant).
func PreferInitiator(a, b objectid.ID) objectid.ID {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return a
			}
			return b
		}
	}
	return a
}

// IsIdle reports whether an Active tunnel has been quiet longer than
// idleTimeout, per the keepalive invariant in SPEC_FULL.md §4.5.
func (t *Tunnel) IsIdle(now time.Time, idleTimeout time.Duration) bool {
	st := t.State()
	return st.Kind == Active && now.Sub(st.LastActive) > idleTimeout
}

// MarkDead transitions the tunnel to Dead with reason, clearing its
// interfaces so a subsequent reconnect starts from a clean slate.
func (t *Tunnel) MarkDead(reason error) {
	t.setState(State{Kind: Dead, Reason: reason})
	t.ifaceMu.Lock()
	t.interfaces = nil
	t.ifaceMu.Unlock()
}

// Send builds, optionally signs, and transmits one logical packet of
// the given command and body over an Active tunnel, returning the
// sequence assigned so a caller can match the eventual reply in its own
// pending table.
func (t *Tunnel) Send(ctx context.Context, now uint64, cmd packet.MajorCommand, ext packet.HeaderExt, body packet.Body, signer *packet.Signer) (packet.Sequence, error) {
	st := t.State()
	if st.Kind != Active {
		return packet.Sequence{}, errs.New(errs.TunnelClosed, op+".Tunnel.Send")
	}

	seq := packet.NewSequence(t.Local, now, 0)
	fragments, err := t.builder.Build(seq, cmd, now, ext, body, signer)
	if err != nil {
		return packet.Sequence{}, err
	}
	if err := t.send(ctx, fragments); err != nil {
		return packet.Sequence{}, err
	}
	return seq, nil
}

// Reply builds, optionally signs, and transmits one logical packet
// reusing an existing sequence rather than minting a fresh one — used
// for Responses and Stun replies, which a receiver's pending table
// matches by that shared sequence value (SPEC_FULL.md §4.8).
func (t *Tunnel) Reply(ctx context.Context, now uint64, seq packet.Sequence, cmd packet.MajorCommand, ext packet.HeaderExt, body packet.Body, signer *packet.Signer) error {
	st := t.State()
	if st.Kind != Active {
		return errs.New(errs.TunnelClosed, op+".Tunnel.Reply")
	}

	fragments, err := t.builder.Build(seq, cmd, now, ext, body, signer)
	if err != nil {
		return err
	}
	return t.send(ctx, fragments)
}

// Keepalive sends a no-op Ack on an idle Active tunnel.
func (t *Tunnel) Keepalive(ctx context.Context, now uint64) error {
	ext := packet.HeaderExt{Requestor: t.Local, Target: t.Remote}
	_, err := t.Send(ctx, now, packet.CmdAck, ext, packet.Ack{}, nil)
	return err
}

// SendRequest builds and sends a Request packet carrying payload on the
// given topic, returning the sequence assigned so a caller can match
// the eventual Response.
func (t *Tunnel) SendRequest(ctx context.Context, now uint64, topic string, payload []byte) (packet.Sequence, error) {
	ext := packet.HeaderExt{Requestor: t.Local, Target: t.Remote, Topic: &topic}
	return t.Send(ctx, now, packet.CmdRequest, ext, packet.Request{Payload: payload}, nil)
}
