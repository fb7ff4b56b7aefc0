package topic

import (
	"context"
	"sync"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/packet"
)

type pendingEntry struct {
	waiter    Waiter
	createdAt time.Time
}

// PendingTable tracks outstanding requests awaiting a sequence-matched
// response. Grounded on the teacher's Router.routeCache plus
// cleanupCache: a map behind a mutex with a periodic TTL sweep,
// generalized from cached routes to pending waiters.
type PendingTable struct {
	mu      sync.Mutex
	entries map[packet.Sequence]*pendingEntry
	ttl     time.Duration
}

// NewPendingTable creates an empty PendingTable whose entries expire
// after ttl.
func NewPendingTable(ttl time.Duration) *PendingTable {
	return &PendingTable{
		entries: make(map[packet.Sequence]*pendingEntry),
		ttl:     ttl,
	}
}

// Insert registers waiter against seq. The insertion happens-before any
// subsequent send that might race an immediate reply (SPEC_FULL.md §5).
func (pt *PendingTable) Insert(seq packet.Sequence, waiter Waiter) {
	pt.mu.Lock()
	pt.entries[seq] = &pendingEntry{waiter: waiter, createdAt: time.Now()}
	pt.mu.Unlock()
}

// TakeMatch removes and returns the waiter registered for seq, if any.
func (pt *PendingTable) TakeMatch(seq packet.Sequence) (Waiter, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	entry, ok := pt.entries[seq]
	if !ok {
		return nil, false
	}
	delete(pt.entries, seq)
	return entry.waiter, true
}

// Sweep invokes every entry older than the configured TTL with a
// Timeout error and removes it, returning the number evicted.
func (pt *PendingTable) Sweep(ctx context.Context, now time.Time) int {
	pt.mu.Lock()
	var expired []*pendingEntry
	for seq, entry := range pt.entries {
		if now.Sub(entry.createdAt) > pt.ttl {
			expired = append(expired, entry)
			delete(pt.entries, seq)
		}
	}
	pt.mu.Unlock()

	timeoutErr := errs.New(errs.Timeout, op+".PendingTable.Sweep")
	for _, entry := range expired {
		entry.waiter(ctx, RequestMeta{}, nil, timeoutErr)
	}
	return len(expired)
}

// Len reports the number of outstanding entries, for metrics/tests.
func (pt *PendingTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.entries)
}
