package packet

import (
	"sync"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/errs"
)

// Packet is a fully reassembled logical packet: header, extension, the
// parsed body variant, and an optional signature.
type Packet struct {
	Header    Header
	Ext       HeaderExt
	Body      Body
	Signature *Signature
}

type pendingAssembly struct {
	mu        sync.Mutex
	header    Header
	ext       HeaderExt
	slots     [][]byte
	filled    int
	createdAt time.Time
}

// Assembler reassembles fragments sharing a Sequence into a Packet,
// keyed by per-sequence slots sized from the first-seen fragment's
// FragmentCount (SPEC_FULL.md §4.4). One mutex per in-flight sequence
// avoids serializing unrelated sequences' arrivals behind each other,
// per §5's "fragment assembler slots: per-sequence lock".
type Assembler struct {
	mu              sync.Mutex
	entries         map[Sequence]*pendingAssembly
	maxFragments    int
	assemblyTimeout time.Duration
}

// NewAssembler creates an Assembler bounding per-sequence fragment count
// at maxFragments and evicting incomplete sequences older than
// assemblyTimeout on Sweep.
func NewAssembler(maxFragments int, assemblyTimeout time.Duration) *Assembler {
	return &Assembler{
		entries:         make(map[Sequence]*pendingAssembly),
		maxFragments:    maxFragments,
		assemblyTimeout: assemblyTimeout,
	}
}

// Feed ingests one fragment's raw wire bytes (as returned by a
// netio.Interface). It returns a completed Packet once every slot for
// its sequence has arrived, or a Retry error while incomplete.
func (a *Assembler) Feed(raw []byte) (*Packet, error) {
	header, rest, err := DeserializeHeader(raw)
	if err != nil {
		return nil, err
	}

	ext, chunk, err := DeserializeHeaderExt(rest)
	if err != nil {
		return nil, err
	}

	if header.FragmentCount == 0 || header.FragmentIndex >= header.FragmentCount {
		return nil, errs.New(errs.InvalidFormat, op+".Assembler.Feed")
	}
	if int(header.FragmentCount) > a.maxFragments {
		return nil, errs.New(errs.OutOfLimit, op+".Assembler.Feed")
	}

	entry := a.entryFor(header.Sequence)

	entry.mu.Lock()

	if entry.slots == nil {
		entry.slots = make([][]byte, header.FragmentCount)
		entry.header = header
		entry.ext = ext
		entry.createdAt = time.Now()
	}
	if len(entry.slots) != int(header.FragmentCount) {
		entry.mu.Unlock()
		return nil, errs.New(errs.InvalidFormat, op+".Assembler.Feed")
	}

	if entry.slots[header.FragmentIndex] == nil {
		entry.slots[header.FragmentIndex] = chunk
		entry.filled++
	}

	if entry.filled < len(entry.slots) {
		entry.mu.Unlock()
		return nil, errs.New(errs.Retry, op+".Assembler.Feed")
	}

	payloadLen := 0
	for _, s := range entry.slots {
		payloadLen += len(s)
	}
	payload := make([]byte, 0, payloadLen)
	for _, s := range entry.slots {
		payload = append(payload, s...)
	}
	resultHeader, resultExt := entry.header, entry.ext
	entry.mu.Unlock()

	// Reassembly is complete; drop the entry before doing any further
	// work so a concurrent Sweep can never block on this entry's lock
	// while this goroutine is waiting on the registry lock (and vice
	// versa) — the two always take a.mu and entry.mu in the same order.
	a.evict(header.Sequence)

	body, rest2, err := DeserializeBody(resultHeader.MajorCommand, payload)
	if err != nil {
		return nil, err
	}

	sig, _, err := DeserializeSignature(rest2)
	if err != nil {
		return nil, err
	}

	return &Packet{Header: resultHeader, Ext: resultExt, Body: body, Signature: sig}, nil
}

func (a *Assembler) entryFor(seq Sequence) *pendingAssembly {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[seq]
	if !ok {
		entry = &pendingAssembly{createdAt: time.Now()}
		a.entries[seq] = entry
	}
	return entry
}

func (a *Assembler) evict(seq Sequence) {
	a.mu.Lock()
	delete(a.entries, seq)
	a.mu.Unlock()
}

// Sweep evicts sequences whose first fragment arrived more than the
// configured assembly timeout before now, returning the evicted
// sequences so a caller can fail any routine waiting on them with
// Expired.
func (a *Assembler) Sweep(now time.Time) []Sequence {
	a.mu.Lock()
	defer a.mu.Unlock()

	var expired []Sequence
	for seq, entry := range a.entries {
		entry.mu.Lock()
		stale := now.Sub(entry.createdAt) > a.assemblyTimeout
		entry.mu.Unlock()
		if stale {
			expired = append(expired, seq)
			delete(a.entries, seq)
		}
	}
	return expired
}
