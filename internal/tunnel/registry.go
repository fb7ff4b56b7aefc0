package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/desc"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
)

// DescriptorResolver recovers a remote object's descriptor (public key,
// known endpoints) so a Registry can (re)start a handshake toward it.
// Defined locally rather than imported from a cache package to avoid a
// tunnel<->devicecache import cycle; internal/devicecache satisfies it.
type DescriptorResolver interface {
	Resolve(ctx context.Context, id objectid.ID) (*desc.Descriptor, error)
}

// Registry owns every Tunnel this process maintains, keyed by remote
// object ID. Grounded on the teacher's mesh.Node: a map guarded by one
// RWMutex, add/remove/list accessors, and a background heartbeat loop.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[objectid.ID]*Tunnel

	local     objectid.ID
	localPriv *crypto.PrivateKey
	localDesc *desc.Descriptor
	resolver  DescriptorResolver
	cfg       Config
}

// NewRegistry constructs an empty Registry for this process's own
// identity.
func NewRegistry(local objectid.ID, localPriv *crypto.PrivateKey, localDesc *desc.Descriptor, resolver DescriptorResolver, cfg Config) *Registry {
	return &Registry{
		tunnels:   make(map[objectid.ID]*Tunnel),
		local:     local,
		localPriv: localPriv,
		localDesc: localDesc,
		resolver:  resolver,
		cfg:       cfg,
	}
}

// GetOrCreate returns the existing Tunnel to remote, or creates a fresh
// Connecting one under the registry lock.
func (r *Registry) GetOrCreate(remote objectid.ID) *Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tun, ok := r.tunnels[remote]; ok {
		return tun
	}
	tun := New(r.local, remote, r.localPriv, r.localDesc, r.cfg)
	r.tunnels[remote] = tun
	return tun
}

// Get returns the Tunnel to remote, if one exists.
func (r *Registry) Get(remote objectid.ID) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tun, ok := r.tunnels[remote]
	return tun, ok
}

// Remove drops the tunnel to remote, e.g. once it is observed Dead and
// has exhausted its reconnect attempts.
func (r *Registry) Remove(remote objectid.ID) {
	r.mu.Lock()
	delete(r.tunnels, remote)
	r.mu.Unlock()
}

// List returns a snapshot of every tunnel currently tracked.
func (r *Registry) List() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, tun := range r.tunnels {
		out = append(out, tun)
	}
	return out
}

// RunKeepalive drives keepalive/reconnect/sweep for every owned tunnel
// until ctx is cancelled, mirroring the teacher's heartbeatLoop shape.
func (r *Registry) RunKeepalive(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweepOnce(ctx, now)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context, now time.Time) {
	for _, tun := range r.List() {
		st := tun.State()
		switch st.Kind {
		case Active:
			if tun.IsIdle(now, r.cfg.IdleTimeout) {
				_ = tun.Keepalive(ctx, uint64(now.UnixNano()))
			}
		case Dead:
			r.reconnect(ctx, tun)
		}
	}
}

// reconnect re-initiates a handshake toward a Dead tunnel's remote ID
// using capped exponential backoff, resolving the peer's current
// descriptor through the registry's resolver.
func (r *Registry) reconnect(ctx context.Context, tun *Tunnel) {
	if r.resolver == nil {
		return
	}

	peerDesc, err := r.resolver.Resolve(ctx, tun.Remote)
	if err != nil || len(peerDesc.PublicKeyDER) == 0 {
		return
	}
	pub, err := crypto.LoadPublicKeyDER(peerDesc.PublicKeyType, peerDesc.PublicKeyDER)
	if err != nil {
		return
	}

	tun.setState(State{Kind: Connecting})

	delay := tun.backoff
	if delay <= 0 {
		delay = r.cfg.ReconnectBackoff
	}
	if delay > r.cfg.ReconnectMaxDelay {
		delay = r.cfg.ReconnectMaxDelay
	}
	tun.backoff = delay * 2

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if tun.State().Kind != Connecting {
			return
		}
		now := uint64(time.Now().UnixNano())
		nonce := now ^ uint64(tun.Local[0])<<8
		_ = tun.BeginHandshake(ctx, pub, now, nonce)
	}()
}
