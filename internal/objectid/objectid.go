// Package objectid implements the 32-byte content-addressed identifiers
// named objects (devices, services, people, things) are addressed by.
package objectid

import (
	"crypto/sha256"

	"github.com/TerryTreepool/block-sub002/internal/errs"
)

const op = "objectid"

// Size is the fixed width of an ID in bytes.
const Size = 32

// Type is the 4-bit master type code stamped into the high nibble of an
// ID's first byte.
type Type uint8

const (
	Device Type = iota
	Service
	People
	Extention
	File
	Thing
	Other
)

func (t Type) String() string {
	switch t {
	case Device:
		return "Device"
	case Service:
		return "Service"
	case People:
		return "People"
	case Extention:
		return "Extention"
	case File:
		return "File"
	case Thing:
		return "Thing"
	case Other:
		return "Other"
	default:
		return "Unknown"
	}
}

// Feature flag bits, packed into the low nibble of an ID's first byte.
const (
	featureArea uint8 = 1 << iota
	featureOwner
	featureAuthor
	featurePublicKey
)

// ID is a 32-byte content-addressed identifier. Layout:
//
//	byte 0:     type (high nibble) | feature flags (low nibble: area, owner, author, public-key)
//	byte 1:     subtype
//	bytes 2-9:  area (8 bytes, zero when the area feature bit is unset)
//	bytes 10-31: content hash (22 bytes, truncated SHA-256 of the descriptor)
type ID [Size]byte

// Features summarizes which optional descriptor fields an ID was built
// from, independent of their actual content.
type Features struct {
	HasArea      bool
	HasOwner     bool
	HasAuthor    bool
	HasPublicKey bool
}

func (f Features) bits() uint8 {
	var b uint8
	if f.HasArea {
		b |= featureArea
	}
	if f.HasOwner {
		b |= featureOwner
	}
	if f.HasAuthor {
		b |= featureAuthor
	}
	if f.HasPublicKey {
		b |= featurePublicKey
	}
	return b
}

// Builder constructs an ID from a descriptor's type, subtype, optional
// area, and serialized content bytes. It is the only place IDs are
// minted; every other component treats ID as an opaque, already-computed
// value.
type Builder struct {
	Type     Type
	Subtype  uint8
	Area     *Area
	Features Features
}

// Build computes the deterministic ID of the given descriptor content.
// Identical (Type, Subtype, Area, Features, content) inputs always
// produce the identical ID.
func (b Builder) Build(content []byte) ID {
	var id ID

	id[0] = (uint8(b.Type) << 4) | b.Features.bits()
	id[1] = b.Subtype

	if b.Area != nil {
		packed := b.Area.pack()
		for i := 0; i < 8; i++ {
			id[2+i] = byte(packed >> uint(8*(7-i)))
		}
	}

	sum := sha256.Sum256(content)
	copy(id[10:], sum[:Size-10])

	return id
}

// Type returns the master type code stamped into this ID.
func (id ID) Type() Type {
	return Type(id[0] >> 4)
}

// Subtype returns the subtype byte.
func (id ID) Subtype() uint8 {
	return id[1]
}

// Features reports which optional descriptor fields this ID was built
// with.
func (id ID) Features() Features {
	b := id[0] & 0x0f
	return Features{
		HasArea:      b&featureArea != 0,
		HasOwner:     b&featureOwner != 0,
		HasAuthor:    b&featureAuthor != 0,
		HasPublicKey: b&featurePublicKey != 0,
	}
}

// Area returns the area packed into this ID, if the area feature bit is
// set.
func (id ID) Area() (Area, bool) {
	if !id.Features().HasArea {
		return Area{}, false
	}
	var packed uint64
	for i := 0; i < 8; i++ {
		packed = (packed << 8) | uint64(id[2+i])
	}
	return unpackArea(packed), true
}

// Bytes returns the raw 32 bytes of the ID.
func (id ID) Bytes() []byte {
	return id[:]
}

// String base58-encodes the ID for display. IDs are never compared or
// round-tripped through their string form in the hot path; use Bytes/
// FromBytes for that.
func (id ID) String() string {
	return base58Encode(id[:])
}

// IsZero reports whether id is the zero value (uninitialized).
func (id ID) IsZero() bool {
	return id == ID{}
}

// FromBytes wraps an existing 32-byte slice as an ID without recomputing
// its hash; used when deserializing an ID that arrived on the wire.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, errs.New(errs.InvalidFormat, op+".FromBytes")
	}
	copy(id[:], b)
	return id, nil
}

// Parse decodes a base58-displayed ID back into its binary form.
func Parse(s string) (ID, error) {
	var id ID
	raw, ok := base58Decode(s)
	if !ok || len(raw) != Size {
		return id, errs.New(errs.InvalidFormat, op+".Parse")
	}
	copy(id[:], raw)
	return id, nil
}
