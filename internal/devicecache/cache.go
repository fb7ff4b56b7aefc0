// Package devicecache implements the two-tier device descriptor lookup
// SPEC_FULL.md §4.9 describes: an in-memory map consulted first, falling
// back to an optional outer resolver (typically Redis-backed) on miss
// and populating the memory tier from whatever the outer tier returns.
package devicecache

import (
	"context"
	"sync"

	"github.com/TerryTreepool/block-sub002/internal/desc"
	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
)

const op = "devicecache"

// OuterResolver is a remote descriptor lookup a Cache falls back to on a
// local miss. A deployment without one (nil) only ever resolves IDs it
// has Added itself.
type OuterResolver interface {
	Resolve(ctx context.Context, id objectid.ID) (*desc.Descriptor, error)
}

// Cache is the inner map tier plus an optional OuterResolver. It
// satisfies tunnel.DescriptorResolver so a tunnel.Registry can reconnect
// using it directly.
type Cache struct {
	mu    sync.RWMutex
	byID  map[objectid.ID]*desc.Descriptor
	outer OuterResolver

	localID   objectid.ID
	localDesc *desc.Descriptor
}

// New constructs a Cache. localID/localDesc are this process's own
// identity, always resolvable and never evicted, per §4.9.
func New(localID objectid.ID, localDesc *desc.Descriptor, outer OuterResolver) *Cache {
	return &Cache{
		byID:      make(map[objectid.ID]*desc.Descriptor),
		outer:     outer,
		localID:   localID,
		localDesc: localDesc,
	}
}

// Add updates both tiers with device's descriptor.
func (c *Cache) Add(ctx context.Context, device *desc.Descriptor) error {
	id, err := device.ID()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.byID[id] = device
	c.mu.Unlock()

	if c.outer != nil {
		if adder, ok := c.outer.(interface {
			Add(context.Context, *desc.Descriptor) error
		}); ok {
			return adder.Add(ctx, device)
		}
	}
	return nil
}

// Resolve satisfies tunnel.DescriptorResolver: memory first, then the
// outer resolver on a miss, caching whatever it returns.
func (c *Cache) Resolve(ctx context.Context, id objectid.ID) (*desc.Descriptor, error) {
	return c.Get(ctx, id)
}

// Get looks up id: memory first, then the outer resolver on a miss.
func (c *Cache) Get(ctx context.Context, id objectid.ID) (*desc.Descriptor, error) {
	if id == c.localID {
		return c.localDesc, nil
	}

	c.mu.RLock()
	d, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}

	if c.outer == nil {
		return nil, errs.New(errs.NotFound, op+".Cache.Get")
	}

	d, err := c.outer.Resolve(ctx, id)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, op+".Cache.Get", id.String(), err)
	}

	c.mu.Lock()
	c.byID[id] = d
	c.mu.Unlock()

	return d, nil
}

// Len reports how many non-local descriptors are cached in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
