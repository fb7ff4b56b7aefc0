// Package desc implements named-object descriptors (SPEC_FULL.md §3):
// the type-specific content every Device, Service, People, or Thing
// object is addressed by, plus the self-describing `.desc`/`.key` file
// envelope used to bootstrap a process's own identity at startup.
package desc

import (
	"github.com/TerryTreepool/block-sub002/internal/codec"
	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/netio"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
)

const op = "desc"

// Descriptor is a named object's content: the fields common to every
// object type (area, owner, author, public key, lifecycle) plus the
// type-specific fields named in SPEC_FULL.md §3 (endpoints and SN/TURN
// references for Device/Service, display name and user data for People,
// a MAC address for Thing). Unused fields for a given Type are left at
// their zero value and are not serialized when their presence flag is
// unset.
type Descriptor struct {
	Type    objectid.Type
	Subtype uint8
	Area    *objectid.Area
	Owner   *objectid.ID
	Author  *objectid.ID

	PublicKeyType crypto.KeyType
	PublicKeyDER  []byte

	CreatedAt uint64
	ExpireAt  uint64

	// Device / Service fields.
	Endpoints []netio.Endpoint
	SNRefs    []objectid.ID

	// People fields.
	DisplayName string
	UserData    []byte

	// Thing fields.
	MAC [6]byte
}

func (d *Descriptor) features() objectid.Features {
	return objectid.Features{
		HasArea:      d.Area != nil,
		HasOwner:     d.Owner != nil,
		HasAuthor:    d.Author != nil,
		HasPublicKey: len(d.PublicKeyDER) > 0,
	}
}

// ID computes the descriptor's content-addressed object ID. Identical
// field values always produce the identical ID (SPEC_FULL.md §3's
// determinism invariant).
func (d *Descriptor) ID() (objectid.ID, error) {
	content, err := d.contentBytes()
	if err != nil {
		return objectid.ID{}, err
	}
	b := objectid.Builder{Type: d.Type, Subtype: d.Subtype, Area: d.Area, Features: d.features()}
	return b.Build(content), nil
}

// contentBytes serializes every field except the ID itself — the ID is
// the hash of this content, so it cannot be an input to it. Each
// optional field carries its own presence byte so the stream is
// self-describing independent of the ID's feature flags.
func (d *Descriptor) contentBytes() ([]byte, error) {
	var buf []byte
	var err error

	buf, err = codec.PutOptional(buf, d.Owner != nil, func(b []byte) ([]byte, error) {
		return codec.PutFixedBytes(b, d.Owner.Bytes()), nil
	})
	if err != nil {
		return nil, err
	}

	buf, err = codec.PutOptional(buf, d.Author != nil, func(b []byte) ([]byte, error) {
		return codec.PutFixedBytes(b, d.Author.Bytes()), nil
	})
	if err != nil {
		return nil, err
	}

	buf, err = codec.PutOptional(buf, len(d.PublicKeyDER) > 0, func(b []byte) ([]byte, error) {
		b = codec.PutUint8(b, uint8(d.PublicKeyType))
		return codec.PutBytes(b, d.PublicKeyDER)
	})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidParam, op+".Descriptor.contentBytes", "publicKey", err)
	}

	buf = codec.PutUint64(buf, d.CreatedAt)
	buf = codec.PutUint64(buf, d.ExpireAt)

	buf, err = codec.PutVecLen(buf, len(d.Endpoints))
	if err != nil {
		return nil, err
	}
	for _, ep := range d.Endpoints {
		buf, err = ep.Serialize(buf)
		if err != nil {
			return nil, err
		}
	}

	buf, err = codec.PutVecLen(buf, len(d.SNRefs))
	if err != nil {
		return nil, err
	}
	for _, ref := range d.SNRefs {
		buf = codec.PutFixedBytes(buf, ref.Bytes())
	}

	buf, err = codec.PutString(buf, d.DisplayName)
	if err != nil {
		return nil, err
	}
	buf, err = codec.PutBytes(buf, d.UserData)
	if err != nil {
		return nil, err
	}
	buf = codec.PutFixedBytes(buf, d.MAC[:])

	return buf, nil
}

// Serialize writes the full descriptor record: type, subtype, area, then
// the content fields consumed by contentBytes.
func (d *Descriptor) Serialize(buf []byte) ([]byte, error) {
	buf = codec.PutUint8(buf, uint8(d.Type))
	buf = codec.PutUint8(buf, d.Subtype)

	var err error
	buf, err = codec.PutOptional(buf, d.Area != nil, func(b []byte) ([]byte, error) {
		return codec.PutUint64(b, d.Area.Pack()), nil
	})
	if err != nil {
		return nil, err
	}

	content, err := d.contentBytes()
	if err != nil {
		return nil, err
	}
	return append(buf, content...), nil
}

// DeserializeDescriptor reads the record written by Serialize.
func DeserializeDescriptor(buf []byte) (*Descriptor, []byte, error) {
	d := &Descriptor{}

	typ, rest, err := codec.GetUint8(buf)
	if err != nil {
		return nil, nil, err
	}
	d.Type = objectid.Type(typ)

	subtype, rest, err := codec.GetUint8(rest)
	if err != nil {
		return nil, nil, err
	}
	d.Subtype = subtype

	_, rest, err = codec.GetOptional(rest, func(b []byte) ([]byte, error) {
		packed, b, err := codec.GetUint64(b)
		if err != nil {
			return nil, err
		}
		area := objectid.UnpackArea(packed)
		d.Area = &area
		return b, nil
	})
	if err != nil {
		return nil, nil, err
	}

	_, rest, err = codec.GetOptional(rest, func(b []byte) ([]byte, error) {
		raw, b, err := codec.GetFixedBytes(b, objectid.Size)
		if err != nil {
			return nil, err
		}
		id, err := objectid.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		d.Owner = &id
		return b, nil
	})
	if err != nil {
		return nil, nil, err
	}

	_, rest, err = codec.GetOptional(rest, func(b []byte) ([]byte, error) {
		raw, b, err := codec.GetFixedBytes(b, objectid.Size)
		if err != nil {
			return nil, err
		}
		id, err := objectid.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		d.Author = &id
		return b, nil
	})
	if err != nil {
		return nil, nil, err
	}

	_, rest, err = codec.GetOptional(rest, func(b []byte) ([]byte, error) {
		ktByte, b, err := codec.GetUint8(b)
		if err != nil {
			return nil, err
		}
		der, b, err := codec.GetBytes(b)
		if err != nil {
			return nil, err
		}
		d.PublicKeyType = crypto.KeyType(ktByte)
		d.PublicKeyDER = der
		return b, nil
	})
	if err != nil {
		return nil, nil, err
	}

	createdAt, rest, err := codec.GetUint64(rest)
	if err != nil {
		return nil, nil, err
	}
	d.CreatedAt = createdAt

	expireAt, rest, err := codec.GetUint64(rest)
	if err != nil {
		return nil, nil, err
	}
	d.ExpireAt = expireAt

	epCount, rest, err := codec.VecLen(rest)
	if err != nil {
		return nil, nil, err
	}
	d.Endpoints = make([]netio.Endpoint, 0, epCount)
	for i := 0; i < epCount; i++ {
		var ep netio.Endpoint
		ep, rest, err = netio.DeserializeEndpoint(rest)
		if err != nil {
			return nil, nil, err
		}
		d.Endpoints = append(d.Endpoints, ep)
	}

	refCount, rest, err := codec.VecLen(rest)
	if err != nil {
		return nil, nil, err
	}
	d.SNRefs = make([]objectid.ID, 0, refCount)
	for i := 0; i < refCount; i++ {
		var raw []byte
		raw, rest, err = codec.GetFixedBytes(rest, objectid.Size)
		if err != nil {
			return nil, nil, err
		}
		var id objectid.ID
		id, err = objectid.FromBytes(raw)
		if err != nil {
			return nil, nil, err
		}
		d.SNRefs = append(d.SNRefs, id)
	}

	displayName, rest, err := codec.GetString(rest)
	if err != nil {
		return nil, nil, err
	}
	d.DisplayName = displayName

	userData, rest, err := codec.GetBytes(rest)
	if err != nil {
		return nil, nil, err
	}
	d.UserData = userData

	mac, rest, err := codec.GetFixedBytes(rest, 6)
	if err != nil {
		return nil, nil, err
	}
	copy(d.MAC[:], mac)

	return d, rest, nil
}
