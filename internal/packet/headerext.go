package packet

import (
	"github.com/TerryTreepool/block-sub002/internal/codec"
	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/netio"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
)

// CreatorInfo is the optional creator identity carried in a header
// extension, along with the local/remote endpoint pair the creator
// observed for this exchange (used to seed direct-connect attempts
// without a separate discovery round trip).
type CreatorInfo struct {
	ID       objectid.ID
	Endpoint netio.EndpointPair
}

// HeaderExt is the variable-length region between the fixed header and
// the body: an optional creator, mandatory requestor/target object IDs,
// and an optional topic string. Requestor, target, and topic form the
// routing key a tunnel or topic dispatcher matches on.
type HeaderExt struct {
	Creator   *CreatorInfo
	Requestor objectid.ID
	Target    objectid.ID
	Topic     *string
}

// RawCapacity is the exact wire size of ext.
func (ext HeaderExt) RawCapacity() int {
	n := 1 // creator presence byte
	if ext.Creator != nil {
		n += objectid.Size + ext.Creator.Endpoint.Local.RawCapacity() + ext.Creator.Endpoint.Remote.RawCapacity()
	}
	n += objectid.Size * 2 // requestor + target
	n += 1                 // topic presence byte
	if ext.Topic != nil {
		n += 2 + len(*ext.Topic) // u16 length prefix + utf8 bytes
	}
	return n
}

// Serialize writes ext's fields in order: creator, requestor, target,
// topic.
func (ext HeaderExt) Serialize(buf []byte) ([]byte, error) {
	var err error

	buf, err = codec.PutOptional(buf, ext.Creator != nil, func(b []byte) ([]byte, error) {
		b = codec.PutFixedBytes(b, ext.Creator.ID.Bytes())
		b, err := ext.Creator.Endpoint.Local.Serialize(b)
		if err != nil {
			return nil, err
		}
		return ext.Creator.Endpoint.Remote.Serialize(b)
	})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidParam, op+".HeaderExt.Serialize", "creator", err)
	}

	buf = codec.PutFixedBytes(buf, ext.Requestor.Bytes())
	buf = codec.PutFixedBytes(buf, ext.Target.Bytes())

	buf, err = codec.PutOptional(buf, ext.Topic != nil, func(b []byte) ([]byte, error) {
		return codec.PutString(b, *ext.Topic)
	})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidParam, op+".HeaderExt.Serialize", "topic", err)
	}

	return buf, nil
}

// DeserializeHeaderExt reads the fields written by Serialize.
func DeserializeHeaderExt(buf []byte) (HeaderExt, []byte, error) {
	var ext HeaderExt

	_, rest, err := codec.GetOptional(buf, func(b []byte) ([]byte, error) {
		idBytes, b, err := codec.GetFixedBytes(b, objectid.Size)
		if err != nil {
			return nil, err
		}
		id, err := objectid.FromBytes(idBytes)
		if err != nil {
			return nil, err
		}
		local, b, err := netio.DeserializeEndpoint(b)
		if err != nil {
			return nil, err
		}
		remote, b, err := netio.DeserializeEndpoint(b)
		if err != nil {
			return nil, err
		}
		ext.Creator = &CreatorInfo{ID: id, Endpoint: netio.EndpointPair{Local: local, Remote: remote}}
		return b, nil
	})
	if err != nil {
		return ext, nil, errs.Wrap(errs.InvalidFormat, op+".DeserializeHeaderExt", "creator", err)
	}
	buf = rest

	reqBytes, rest, err := codec.GetFixedBytes(buf, objectid.Size)
	if err != nil {
		return ext, nil, err
	}
	ext.Requestor, err = objectid.FromBytes(reqBytes)
	if err != nil {
		return ext, nil, err
	}
	buf = rest

	tgtBytes, rest, err := codec.GetFixedBytes(buf, objectid.Size)
	if err != nil {
		return ext, nil, err
	}
	ext.Target, err = objectid.FromBytes(tgtBytes)
	if err != nil {
		return ext, nil, err
	}
	buf = rest

	_, rest, err = codec.GetOptional(buf, func(b []byte) ([]byte, error) {
		topic, b, err := codec.GetString(b)
		if err != nil {
			return nil, err
		}
		ext.Topic = &topic
		return b, nil
	})
	if err != nil {
		return ext, nil, errs.Wrap(errs.InvalidFormat, op+".DeserializeHeaderExt", "topic", err)
	}
	buf = rest

	return ext, buf, nil
}
