// Package stack implements the process-wide façade SPEC_FULL.md §4.10
// describes: the single object a process constructs to own a tunnel
// registry, a proxy relay, a topic dispatcher, a device cache, and an
// optional STUN/Call client or miner role, and to expose the handful of
// operations (post_message, subscribe, on_udp_package, on_tcp_package)
// every other component is reached through.
package stack

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/desc"
	"github.com/TerryTreepool/block-sub002/internal/devicecache"
	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/netio"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
	"github.com/TerryTreepool/block-sub002/internal/packet"
	"github.com/TerryTreepool/block-sub002/internal/proxy"
	"github.com/TerryTreepool/block-sub002/internal/stun"
	"github.com/TerryTreepool/block-sub002/internal/topic"
	"github.com/TerryTreepool/block-sub002/internal/tunnel"
	"github.com/TerryTreepool/block-sub002/pkg/config"
	"github.com/TerryTreepool/block-sub002/pkg/health"
	"github.com/TerryTreepool/block-sub002/pkg/logger"
)

const op = "stack"

// Stack is the one object a process constructs: its own identity, every
// owned component, and the lifecycle/health surface around them. A
// process owns at most one Stack.
type Stack struct {
	Local     objectid.ID
	localPriv *crypto.PrivateKey
	localDesc *desc.Descriptor
	cfg       config.TransportConfig

	registry   *tunnel.Registry
	relay      *proxy.Relay
	dispatcher *topic.Dispatcher
	cache      *devicecache.Cache
	assembler  *packet.Assembler

	primary netio.Interface

	client *stun.Client
	miner  *stun.Miner

	log    *logger.Logger
	health *health.Checker

	mu              sync.Mutex
	running         bool
	handshakeMarked map[objectid.ID]struct{}
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// New constructs a Stack for local's identity. primary is the socket
// inbound packets for every tunnel arrive on by default; outer (may be
// nil) backs the device cache's remote-lookup tier.
//
// Components that would otherwise need a back-reference to the Stack
// (the tunnel registry, the proxy relay, the topic dispatcher) are
// built first against a placeholder-free constructor and then installed
// in one shot via attach, before New returns — never by
// mutating a shared pointer mid-construction (SPEC_FULL.md §4.10/§9).
func New(local objectid.ID, localPriv *crypto.PrivateKey, localDesc *desc.Descriptor, primary netio.Interface, outer devicecache.OuterResolver, cfg config.TransportConfig, log *logger.Logger) *Stack {
	s := &Stack{
		Local:           local,
		localPriv:       localPriv,
		localDesc:       localDesc,
		cfg:             cfg,
		primary:         primary,
		log:             log,
		health:          health.NewChecker(),
		handshakeMarked: make(map[objectid.ID]struct{}),
	}

	cache := devicecache.New(local, localDesc, outer)
	tunnelCfg := tunnel.Config{
		MTU:               cfg.MTU,
		IdleTimeout:       cfg.IdleTunnelTimeout,
		ReconnectBackoff:  cfg.ReconnectBackoff,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		KeepaliveInterval: cfg.KeepaliveInterval,
	}
	registry := tunnel.NewRegistry(local, localPriv, localDesc, cache, tunnelCfg)
	relay := proxy.NewRelay(cfg.ProxyIdleTimeout)
	dispatcher := topic.NewDispatcher(cfg.PendingTableTTL)
	assembler := packet.NewAssembler(cfg.MaxFragments, cfg.AssemblyTimeout)

	s.attach(cache, registry, relay, dispatcher, assembler)
	return s
}

// attach installs the components New builds around s. Called exactly
// once, synchronously, before New returns a usable Stack.
func (s *Stack) attach(cache *devicecache.Cache, registry *tunnel.Registry, relay *proxy.Relay, dispatcher *topic.Dispatcher, assembler *packet.Assembler) {
	s.cache = cache
	s.registry = registry
	s.relay = relay
	s.dispatcher = dispatcher
	s.assembler = assembler
}

// EnableMinerRole installs a coturn-miner role on s: inbound Ping/Call
// requests are answered and relayed rather than rejected with NotFound.
func (s *Stack) EnableMinerRole() {
	s.miner = stun.NewMiner(s.registry, s.cfg.CallTimeout)
}

// ConfigureClientRole installs a STUN/Call client role against the
// already-admitted tunnel to minerID, so this Stack can Ping/Call
// through it.
func (s *Stack) ConfigureClientRole(ctx context.Context, now uint64, minerID objectid.ID) (*stun.Client, error) {
	tun, err := s.ensureActive(ctx, now, minerID)
	if err != nil {
		return nil, err
	}
	s.client = stun.NewClient(s.Local, tun, s.cfg.CallTimeout)
	return s.client, nil
}

// Cache exposes the device cache, e.g. so cmd/meshd can Add a bootstrap
// peer's descriptor before the first PostMessage to it.
func (s *Stack) Cache() *devicecache.Cache { return s.cache }

// Registry exposes the tunnel registry for read-only inspection (tests,
// metrics, health checks).
func (s *Stack) Registry() *tunnel.Registry { return s.registry }

// Relay exposes the proxy relay, e.g. for a process also acting as a
// relay server to feed inbound datagrams to HandleDatagram directly.
func (s *Stack) Relay() *proxy.Relay { return s.relay }

// PostMessage sends payload on topicStr to target, establishing (and, if
// necessary, waiting for) a tunnel first. If onReply is non-nil it is
// installed in the pending table against the returned sequence, so the
// eventual Response invokes it.
func (s *Stack) PostMessage(ctx context.Context, now uint64, target objectid.ID, topicStr string, payload []byte, onReply topic.Waiter) (packet.Sequence, error) {
	tun, err := s.ensureActive(ctx, now, target)
	if err != nil {
		return packet.Sequence{}, err
	}

	seq, err := tun.SendRequest(ctx, now, topicStr, payload)
	if err != nil {
		return packet.Sequence{}, err
	}
	if onReply != nil {
		s.dispatcher.Pending.Insert(seq, onReply)
	}
	return seq, nil
}

// Subscribe installs factory as topicStr's routine factory with the
// given visibility.
func (s *Stack) Subscribe(topicStr string, factory topic.Factory, vis topic.Visibility) error {
	return s.dispatcher.Registry.Register(topicStr, vis, factory)
}

// Unsubscribe removes topicStr's registration, if any.
func (s *Stack) Unsubscribe(topicStr string) {
	s.dispatcher.Registry.Unregister(topicStr)
}

// ensureActive returns target's tunnel once Active, starting a
// handshake first if none is already underway. Every caller always
// attempts to initiate (deduped per target by markHandshakeOnce) so a
// one-directional caller (e.g. a client repeatedly reaching a known
// server) is never stuck waiting on the peer to dial first: the
// lexicographically-smaller-ID tie-break of SPEC_FULL.md §4.5 only
// comes into play when both sides genuinely race, and is resolved where
// that race is actually detected, inside Tunnel.HandleExchange. It
// blocks (subject to ctx and the configured reconnect timeout) while
// the handshake completes on inbound packets processed concurrently by
// OnUDPPackage/OnTCPPackage.
func (s *Stack) ensureActive(ctx context.Context, now uint64, target objectid.ID) (*tunnel.Tunnel, error) {
	tun := s.registry.GetOrCreate(target)
	if tun.State().Kind == tunnel.Active {
		return tun, nil
	}

	if s.markHandshakeOnce(target) {
		peerDesc, err := s.cache.Get(ctx, target)
		if err != nil {
			return nil, errs.Wrap(errs.NotFound, op+".Stack.ensureActive", target.String(), err)
		}
		if len(peerDesc.Endpoints) == 0 {
			return nil, errs.New(errs.NotFound, op+".Stack.ensureActive")
		}
		pub, err := crypto.LoadPublicKeyDER(peerDesc.PublicKeyType, peerDesc.PublicKeyDER)
		if err != nil {
			return nil, err
		}

		tun.AddInterface(s.primary, peerDesc.Endpoints[0], false)
		nonce := now ^ uint64(s.Local[0])<<8
		if err := tun.BeginHandshake(ctx, pub, now, nonce); err != nil {
			return nil, err
		}
	}

	return s.waitActive(ctx, tun)
}

func (s *Stack) markHandshakeOnce(target objectid.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handshakeMarked[target]; ok {
		return false
	}
	s.handshakeMarked[target] = struct{}{}
	return true
}

func (s *Stack) clearHandshakeMark(target objectid.ID) {
	s.mu.Lock()
	delete(s.handshakeMarked, target)
	s.mu.Unlock()
}

func (s *Stack) waitActive(ctx context.Context, tun *tunnel.Tunnel) (*tunnel.Tunnel, error) {
	deadline := time.Now().Add(s.cfg.ReconnectTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		switch tun.State().Kind {
		case tunnel.Active:
			s.clearHandshakeMark(tun.Remote)
			return tun, nil
		case tunnel.Dead:
			s.clearHandshakeMark(tun.Remote)
			return nil, errs.New(errs.TunnelClosed, op+".Stack.waitActive")
		}
		if time.Now().After(deadline) {
			s.clearHandshakeMark(tun.Remote)
			return nil, errs.New(errs.Timeout, op+".Stack.waitActive")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// OnUDPPackage is the inbound entry point a UDP interface's read pump
// calls with each datagram. Incomplete fragments return nil; a fully
// reassembled packet is dispatched to handlePacket.
func (s *Stack) OnUDPPackage(ctx context.Context, iface netio.Interface, data []byte, from netio.Endpoint) error {
	pkt, err := s.assembler.Feed(data)
	if err != nil {
		if errs.Is(err, errs.Retry) {
			return nil
		}
		return err
	}
	return s.handlePacket(ctx, iface, pkt, from)
}

// OnTCPPackage is the inbound entry point a TCP interface's read pump
// calls with each length-framed message.
func (s *Stack) OnTCPPackage(ctx context.Context, iface netio.Interface, data []byte) error {
	from := iface.LocalEndpoint()
	if tcp, ok := iface.(*netio.TCPInterface); ok {
		from = tcp.RemoteEndpoint()
	}

	pkt, err := s.assembler.Feed(data)
	if err != nil {
		if errs.Is(err, errs.Retry) {
			return nil
		}
		return err
	}
	return s.handlePacket(ctx, iface, pkt, from)
}

func (s *Stack) handlePacket(ctx context.Context, iface netio.Interface, pkt *packet.Packet, from netio.Endpoint) error {
	now := uint64(time.Now().UnixNano())

	switch pkt.Header.MajorCommand {
	case packet.CmdExchange:
		return s.handleExchange(ctx, iface, pkt, from, now)
	case packet.CmdAckTunnel:
		return s.handleAckTunnel(ctx, pkt, now)
	case packet.CmdAckAckTunnel:
		return s.handleAckAckTunnel(pkt)
	case packet.CmdAck, packet.CmdAckAck:
		if tun, ok := s.registry.Get(pkt.Ext.Requestor); ok {
			tun.Touch()
		}
		return nil
	case packet.CmdStun:
		return s.handleStun(ctx, pkt, now)
	case packet.CmdRequest:
		return s.handleRequest(ctx, pkt, now)
	case packet.CmdResponse:
		return s.handleResponse(ctx, pkt, now)
	default:
		return errs.New(errs.InvalidFormat, op+".Stack.handlePacket")
	}
}

func (s *Stack) handleExchange(ctx context.Context, iface netio.Interface, pkt *packet.Packet, from netio.Endpoint, now uint64) error {
	remote := pkt.Ext.Requestor
	tun := s.registry.GetOrCreate(remote)
	tun.AddInterface(iface, from, false)

	responderNonce := now ^ uint64(s.Local[0])<<8
	ackBody, err := tun.HandleExchange(pkt, now, responderNonce)
	if err != nil {
		return err
	}

	ext := packet.HeaderExt{Requestor: s.Local, Target: remote}
	_, err = tun.Send(ctx, now, packet.CmdAckTunnel, ext, ackBody, nil)
	return err
}

func (s *Stack) handleAckTunnel(ctx context.Context, pkt *packet.Packet, now uint64) error {
	remote := pkt.Ext.Requestor
	tun, ok := s.registry.Get(remote)
	if !ok {
		return errs.New(errs.NotFound, op+".Stack.handleAckTunnel")
	}

	ackAckBody, err := tun.HandleAckTunnel(pkt)
	if err != nil {
		return err
	}

	ext := packet.HeaderExt{Requestor: s.Local, Target: remote}
	_, err = tun.Send(ctx, now, packet.CmdAckAckTunnel, ext, ackAckBody, nil)
	return err
}

func (s *Stack) handleAckAckTunnel(pkt *packet.Packet) error {
	tun, ok := s.registry.Get(pkt.Ext.Requestor)
	if !ok {
		return errs.New(errs.NotFound, op+".Stack.handleAckAckTunnel")
	}
	return tun.HandleAckAckTunnel(pkt)
}

// handleStun dispatches an inbound Stun body per SPEC_FULL.md §4.7:
// pending-table matches (this client's own Ping/Call, or this miner's
// relayed Call awaiting the target's reply) take precedence over
// treating the arrival as a fresh Ping/Call/Called.
func (s *Stack) handleStun(ctx context.Context, pkt *packet.Packet, now uint64) error {
	body, ok := pkt.Body.(packet.Stun)
	if !ok {
		return errs.New(errs.InvalidFormat, op+".Stack.handleStun")
	}
	payload, err := body.Serialize(nil)
	if err != nil {
		return err
	}
	seq := pkt.Header.Sequence

	if s.client != nil && s.client.HandleReply(ctx, seq, payload) {
		return nil
	}
	if s.miner != nil && s.miner.HandleTargetReply(ctx, seq, payload) {
		return nil
	}

	tun, ok := s.registry.Get(pkt.Ext.Requestor)
	if !ok {
		return errs.New(errs.NotFound, op+".Stack.handleStun")
	}

	switch body.Kind {
	case packet.StunPing:
		if s.miner == nil {
			return errs.New(errs.NotFound, op+".Stack.handleStun")
		}
		return s.miner.HandlePing(ctx, now, tun, seq, body)
	case packet.StunCall:
		if s.miner == nil {
			return errs.New(errs.NotFound, op+".Stack.handleStun")
		}
		return s.miner.HandleCall(ctx, now, tun, seq, body)
	case packet.StunCalled:
		if s.client == nil {
			return errs.New(errs.NotFound, op+".Stack.handleStun")
		}
		var own []netio.Endpoint
		if s.localDesc != nil {
			own = s.localDesc.Endpoints
		}
		return s.client.HandleCalled(ctx, now, seq, own)
	default:
		return errs.New(errs.InvalidFormat, op+".Stack.handleStun")
	}
}

func (s *Stack) handleRequest(ctx context.Context, pkt *packet.Packet, now uint64) error {
	body, ok := pkt.Body.(packet.Request)
	if !ok {
		return errs.New(errs.InvalidFormat, op+".Stack.handleRequest")
	}
	if tun, ok := s.registry.Get(pkt.Ext.Requestor); ok {
		tun.Touch()
	}

	meta := requestMeta(pkt)
	result := s.dispatcher.Dispatch(ctx, meta, body.Payload)
	return s.applyResult(ctx, now, meta, result)
}

func (s *Stack) handleResponse(ctx context.Context, pkt *packet.Packet, now uint64) error {
	body, ok := pkt.Body.(packet.Response)
	if !ok {
		return errs.New(errs.InvalidFormat, op+".Stack.handleResponse")
	}
	if tun, ok := s.registry.Get(pkt.Ext.Requestor); ok {
		tun.Touch()
	}

	meta := requestMeta(pkt)
	result := s.dispatcher.Dispatch(ctx, meta, body.Payload)
	return s.applyResult(ctx, now, meta, result)
}

func requestMeta(pkt *packet.Packet) topic.RequestMeta {
	topicStr := ""
	if pkt.Ext.Topic != nil {
		topicStr = *pkt.Ext.Topic
	}
	return topic.RequestMeta{
		Requestor:     pkt.Ext.Requestor,
		RequestorType: pkt.Ext.Requestor.Type(),
		Creator:       pkt.Ext.Creator,
		Sequence:      pkt.Header.Sequence,
		Topic:         topicStr,
	}
}

// applyResult carries out whatever a dispatched Routine decided:
// sending a Response back on the requestor's sequence, fanning a
// Transfer out to its listed peers (installing per-peer callbacks in
// the pending table), or doing nothing for Ignore/TopicUnknown/Forbidden.
func (s *Stack) applyResult(ctx context.Context, now uint64, meta topic.RequestMeta, result topic.Result) error {
	switch r := result.(type) {
	case topic.Response:
		tun, ok := s.registry.Get(meta.Requestor)
		if !ok {
			return errs.New(errs.NotFound, op+".Stack.applyResult")
		}
		ext := packet.HeaderExt{Requestor: s.Local, Target: meta.Requestor}
		return tun.Reply(ctx, now, meta.Sequence, packet.CmdResponse, ext, packet.Response{Payload: r.Payload}, nil)

	case topic.Transfer:
		topicStr := r.Topic
		for _, dest := range r.To {
			tun, ok := s.registry.Get(dest.Peer)
			if !ok {
				continue
			}
			ext := packet.HeaderExt{Requestor: meta.Requestor, Target: dest.Peer, Topic: &topicStr}
			seq, err := tun.Send(ctx, now, packet.CmdRequest, ext, packet.Request{Payload: r.Data}, nil)
			if err != nil {
				continue
			}
			if dest.Callback != nil {
				s.dispatcher.Pending.Insert(seq, dest.Callback)
			}
		}
		return nil

	default:
		// Ignore, TopicUnknown, Forbidden: no reply per §4.8's policy.
		return nil
	}
}

// Start launches the background loops a running Stack needs: keepalive
// sweeps on the tunnel registry, and periodic GC of the pending table,
// fragment assembler, and proxy relay. It runs the "tunnels" and "relay"
// health checks once, recording their results in the Stack's checker;
// nothing re-runs them afterwards. Grounded on the teacher's
// engine.Engine.Start: an isRunning guard, then a set of goroutines
// launched under a cancellable context.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errs.New(errs.Conflict, op+".Stack.Start")
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.RunKeepalive(runCtx, s.cfg.KeepaliveInterval)
	}()

	s.wg.Add(1)
	go s.sweepLoop(runCtx)

	s.health.RunCheck("tunnels", s.CheckRegistry)
	s.health.RunCheck("relay", s.CheckRelay)

	if s.log != nil {
		s.log.Infof("stack started for %s", s.Local.String())
	}
	return nil
}

func (s *Stack) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PendingTableTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.dispatcher.Pending.Sweep(ctx, now)
			s.assembler.Sweep(now)
			s.relay.Sweep(now)
			if s.client != nil {
				s.client.Sweep(ctx, now)
			}
			if s.miner != nil {
				s.miner.Sweep(ctx, now)
			}
		}
	}
}

// Stop cancels every background loop Start launched and waits for them
// to exit.
func (s *Stack) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	if s.log != nil {
		s.log.Info("stack stopped")
	}
	return nil
}

// CheckRegistry reports Unhealthy if any owned tunnel has gone Dead.
func (s *Stack) CheckRegistry() error {
	for _, tun := range s.registry.List() {
		if tun.State().Kind == tunnel.Dead {
			return errs.New(errs.TunnelClosed, op+".Stack.CheckRegistry")
		}
	}
	return nil
}

// CheckRelay reads the number of tracked proxy mix-hashes but does not
// report it, and always returns nil; it is present so a process's health surface always has a
// relay entry when relaying is enabled.
func (s *Stack) CheckRelay() error {
	_ = s.relay.Len()
	return nil
}

// Health exposes the health checker for a process's own /healthz
// handler.
func (s *Stack) Health() *health.Checker { return s.health }

// ListenUDP is a convenience constructor that binds a fresh UDP socket
// and wraps it as the Stack's primary interface, for callers (tests,
// cmd/meshd) that would otherwise repeat the net.ResolveUDPAddr
// boilerplate.
func ListenUDP(addr string, mtu int) (*netio.UDPInterface, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidParam, op+".ListenUDP", addr, err)
	}
	return netio.ListenUDP(udpAddr, mtu)
}
