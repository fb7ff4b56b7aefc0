package topic

import (
	"context"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/objectid"
)

// Dispatcher ties a Registry and PendingTable together to implement the
// inbound-request dispatch algorithm of SPEC_FULL.md §4.8.
type Dispatcher struct {
	Registry *Registry
	Pending  *PendingTable
}

// NewDispatcher creates a Dispatcher with a fresh Registry and a
// PendingTable whose entries expire after pendingTTL.
func NewDispatcher(pendingTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		Registry: NewRegistry(),
		Pending:  NewPendingTable(pendingTTL),
	}
}

// Dispatch implements the three-step algorithm: check the pending table
// for a sequence match (this arrival is a response to something sent
// earlier), else look up the topic's registration and enforce
// visibility, else report TopicUnknown.
func (d *Dispatcher) Dispatch(ctx context.Context, meta RequestMeta, payload []byte) Result {
	if waiter, ok := d.Pending.TakeMatch(meta.Sequence); ok {
		waiter(ctx, meta, payload, nil)
		return Ignore{}
	}

	reg, ok := d.Registry.lookup(meta.Topic)
	if !ok {
		return TopicUnknown{}
	}
	if reg.visibility == Private && meta.RequestorType == objectid.People {
		return Forbidden{}
	}

	routine := reg.factory()
	return routine(ctx, meta, payload)
}
