package desc

import (
	"os"

	"github.com/TerryTreepool/block-sub002/internal/codec"
	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/errs"
)

// descTag/keyTag are the leading self-description byte of `.desc`/`.key`
// files (SPEC_FULL.md §3.1): a single supported format version today,
// reserved so a future incompatible layout can be rejected cleanly
// instead of silently misparsed.
const (
	descTag uint8 = 1
	keyTag  uint8 = 1
)

// MarshalDescriptor produces the `.desc` file envelope: tag byte plus
// the descriptor's serialized content.
func MarshalDescriptor(d *Descriptor) ([]byte, error) {
	buf := codec.PutUint8(nil, descTag)
	return d.Serialize(buf)
}

// UnmarshalDescriptor parses the envelope produced by MarshalDescriptor.
func UnmarshalDescriptor(raw []byte) (*Descriptor, error) {
	tag, rest, err := codec.GetUint8(raw)
	if err != nil {
		return nil, err
	}
	if tag != descTag {
		return nil, errs.New(errs.InvalidFormat, op+".UnmarshalDescriptor")
	}
	d, rest, err := DeserializeDescriptor(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errs.New(errs.InvalidFormat, op+".UnmarshalDescriptor")
	}
	return d, nil
}

// MarshalPrivateKey produces the `.key` file envelope: tag byte, key
// type byte, then the PKCS#1 DER-encoded key (SPEC_FULL.md §4.2.1).
func MarshalPrivateKey(priv *crypto.PrivateKey) []byte {
	buf := codec.PutUint8(nil, keyTag)
	buf = codec.PutUint8(buf, uint8(priv.Type))
	return codec.PutFixedBytes(buf, crypto.MarshalPrivateKeyDER(priv))
}

// UnmarshalPrivateKey parses the envelope produced by MarshalPrivateKey.
func UnmarshalPrivateKey(raw []byte) (*crypto.PrivateKey, error) {
	tag, rest, err := codec.GetUint8(raw)
	if err != nil {
		return nil, err
	}
	if tag != keyTag {
		return nil, errs.New(errs.InvalidFormat, op+".UnmarshalPrivateKey")
	}
	ktByte, rest, err := codec.GetUint8(rest)
	if err != nil {
		return nil, err
	}
	kt := crypto.KeyType(ktByte)
	if kt.SignatureSize() == 0 {
		return nil, errs.New(errs.InvalidFormat, op+".UnmarshalPrivateKey")
	}
	return crypto.LoadPrivateKeyDER(kt, rest)
}

// LoadDescriptor reads and parses a `.desc` file. The runtime calls this
// exactly once at startup to recover its own identity; it never
// rewrites the file.
func LoadDescriptor(path string) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, op+".LoadDescriptor", path, err)
	}
	d, err := UnmarshalDescriptor(raw)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidFormat, op+".LoadDescriptor", path, err)
	}
	return d, nil
}

// LoadPrivateKey reads and parses a `.key` file.
func LoadPrivateKey(path string) (*crypto.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, op+".LoadPrivateKey", path, err)
	}
	priv, err := UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidFormat, op+".LoadPrivateKey", path, err)
	}
	return priv, nil
}
