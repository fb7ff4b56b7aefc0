package packet

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/TerryTreepool/block-sub002/internal/objectid"
)

// NewSequence mints a fresh Sequence as a content-hash over
// (requestor ∥ now ∥ attempt), per SPEC_FULL.md §4.4. Collisions are
// treated as duplicate retries by the Assembler's dedup table rather
// than as an error here — minting never fails.
func NewSequence(requestor objectid.ID, now uint64, attempt uint32) Sequence {
	h := sha256.New()
	h.Write(requestor.Bytes())

	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], now)
	h.Write(tmp[:])

	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], attempt)
	h.Write(tmp4[:])

	var seq Sequence
	copy(seq[:], h.Sum(nil))
	return seq
}
