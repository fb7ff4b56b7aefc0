package packet

import (
	"github.com/TerryTreepool/block-sub002/internal/codec"
	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/errs"
)

// Signature is the optional suffix proving a packet's header extension
// and body were produced by the holder of a given private key: a
// sign-time salt, the key type (fixing the signature's byte width), and
// the signature itself.
type Signature struct {
	SignTime uint64
	KeyType  crypto.KeyType
	Sig      []byte
}

// RawCapacity is the exact wire size of sig including its presence byte.
func (sig *Signature) RawCapacity() int {
	if sig == nil {
		return 1
	}
	return 1 + 8 + 1 + sig.KeyType.SignatureSize()
}

// SerializeSignature writes sig's presence byte and, if present, its
// fields. sig may be nil (an unsigned packet).
func SerializeSignature(buf []byte, sig *Signature) ([]byte, error) {
	return codec.PutOptional(buf, sig != nil, func(b []byte) ([]byte, error) {
		b = codec.PutUint64(b, sig.SignTime)
		b = codec.PutUint8(b, uint8(sig.KeyType))
		if len(sig.Sig) != sig.KeyType.SignatureSize() {
			return nil, errs.New(errs.InvalidParam, op+".Signature.Serialize")
		}
		return codec.PutFixedBytes(b, sig.Sig), nil
	})
}

// DeserializeSignature reads the presence byte and, if set, the
// signature fields.
func DeserializeSignature(buf []byte) (*Signature, []byte, error) {
	var out *Signature

	present, rest, err := codec.GetOptional(buf, func(b []byte) ([]byte, error) {
		signTime, b, err := codec.GetUint64(b)
		if err != nil {
			return nil, err
		}
		ktByte, b, err := codec.GetUint8(b)
		if err != nil {
			return nil, err
		}
		kt := crypto.KeyType(ktByte)
		size := kt.SignatureSize()
		if size == 0 {
			return nil, errs.New(errs.InvalidFormat, op+".DeserializeSignature")
		}
		sigBytes, b, err := codec.GetFixedBytes(b, size)
		if err != nil {
			return nil, err
		}
		out = &Signature{SignTime: signTime, KeyType: kt, Sig: sigBytes}
		return b, nil
	})
	if err != nil {
		return nil, nil, errs.Wrap(errs.InvalidFormat, op+".DeserializeSignature", "", err)
	}
	if !present {
		out = nil
	}
	return out, rest, nil
}
