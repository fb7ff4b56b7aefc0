// Package crypto implements the object-identity cryptographic primitives:
// RSA signing/encryption, AES-256-CBC symmetric sessions, KeyMixHash
// routing tags, and BIP-39/32 deterministic key derivation.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"

	"github.com/TerryTreepool/block-sub002/internal/errs"
)

const op = "crypto"

// KeyType distinguishes the two RSA strengths the wire format allows.
type KeyType uint8

const (
	Rsa1024 KeyType = 1
	Rsa2048 KeyType = 2
)

// SignatureSize returns the fixed signature width for this key type.
func (kt KeyType) SignatureSize() int {
	switch kt {
	case Rsa1024:
		return 128
	case Rsa2048:
		return 256
	default:
		return 0
	}
}

func (kt KeyType) bits() int {
	switch kt {
	case Rsa1024:
		return 1024
	case Rsa2048:
		return 2048
	default:
		return 0
	}
}

// PrivateKey pairs an RSA key with the wire KeyType it was generated at.
type PrivateKey struct {
	Type KeyType
	Key  *rsa.PrivateKey
}

// PublicKey pairs an RSA public key with its wire KeyType.
type PublicKey struct {
	Type KeyType
	Key  *rsa.PublicKey
}

// GenerateKey creates a fresh RSA key pair of the requested strength using
// the system CSPRNG.
func GenerateKey(kt KeyType) (*PrivateKey, error) {
	bits := kt.bits()
	if bits == 0 {
		return nil, errs.New(errs.InvalidParam, op+".GenerateKey")
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, op+".GenerateKey", "", err)
	}
	return &PrivateKey{Type: kt, Key: key}, nil
}

// Public returns the public half of priv.
func (priv *PrivateKey) Public() *PublicKey {
	return &PublicKey{Type: priv.Type, Key: &priv.Key.PublicKey}
}

// MarshalPrivateKeyDER encodes priv as PKCS#1 DER for storage in a `.key`
// descriptor file. Binary DER is used rather than PEM: PEM's textual
// envelope is for human-facing certificate material, not this runtime's
// length-prefixed binary descriptor files.
func MarshalPrivateKeyDER(priv *PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(priv.Key)
}

// LoadPrivateKeyDER decodes a PKCS#1 DER-encoded private key of the given
// strength.
func LoadPrivateKeyDER(kt KeyType, der []byte) (*PrivateKey, error) {
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidFormat, op+".LoadPrivateKeyDER", "", err)
	}
	return &PrivateKey{Type: kt, Key: key}, nil
}

// MarshalPublicKeyDER encodes pub as PKCS#1 DER, the form embedded in a
// Descriptor's PublicKeyDER field.
func MarshalPublicKeyDER(pub *PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(pub.Key)
}

// LoadPublicKeyDER decodes a PKCS#1 DER-encoded public key of the given
// strength, as embedded in a peer's descriptor.
func LoadPublicKeyDER(kt KeyType, der []byte) (*PublicKey, error) {
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidFormat, op+".LoadPublicKeyDER", "", err)
	}
	return &PublicKey{Type: kt, Key: key}, nil
}

// Sign signs payload with a prepended sign-time (a salted signature, per
// SPEC_FULL.md §4.2): the actual bytes hashed and signed are
// signTime (big-endian u64) ∥ payload.
func Sign(priv *PrivateKey, payload []byte, signTime uint64) ([]byte, error) {
	digest := saltedDigest(payload, signTime)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv.Key, 0, digest[:])
	if err != nil {
		return nil, errs.Wrap(errs.CryptoSign, op+".Sign", "", err)
	}
	return sig, nil
}

// Verify recomputes the salted digest and checks sig against pub.
func Verify(pub *PublicKey, payload []byte, signTime uint64, sig []byte) error {
	digest := saltedDigest(payload, signTime)
	if err := rsa.VerifyPKCS1v15(pub.Key, 0, digest[:], sig); err != nil {
		return errs.Wrap(errs.CryptoVerify, op+".Verify", "", err)
	}
	return nil
}

func saltedDigest(payload []byte, signTime uint64) [32]byte {
	var timeBytes [8]byte
	binary.BigEndian.PutUint64(timeBytes[:], signTime)

	h := sha256.New()
	h.Write(timeBytes[:])
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EncryptTo encrypts plaintext (normally a fresh AES key) to pub using
// RSA PKCS#1 v1.5, matching the padding scheme named for signing in
// SPEC_FULL.md §4.2.
func EncryptTo(pub *PublicKey, plaintext []byte) ([]byte, error) {
	out, err := rsa.EncryptPKCS1v15(rand.Reader, pub.Key, plaintext)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoEncrypt, op+".EncryptTo", "", err)
	}
	return out, nil
}

// DecryptWith decrypts ciphertext produced by EncryptTo.
func DecryptWith(priv *PrivateKey, ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptPKCS1v15(rand.Reader, priv.Key, ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoDecrypt, op+".DecryptWith", "", err)
	}
	return out, nil
}

// HashDescriptor is the SHA-256 hashing primitive named in SPEC_FULL.md
// §3/§4.2, exposed for callers outside this package (the object ID
// builder computes its own hash directly; this is for signature payload
// hashing elsewhere, e.g. descriptor content hashes surfaced in logs).
func HashDescriptor(content []byte) [32]byte {
	return sha256.Sum256(content)
}
