package crypto

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/binary"

	"github.com/TerryTreepool/block-sub002/internal/errs"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/pbkdf2"
)

// Cip39Seed derives a 64-byte seed from a BIP-39 mnemonic and optional
// passphrase: PBKDF2-HMAC-SHA512 with 2048 iterations, matching the
// standard BIP-39 seed derivation (SPEC_FULL.md §4.2.2).
func Cip39Seed(mnemonic, passphrase string) []byte {
	salt := "mnemonic" + passphrase
	return pbkdf2.Key([]byte(mnemonic), []byte(salt), 2048, 64, sha512.New)
}

// ExtendedKey is a deterministic (key, chain-code) pair walked along a
// derivation path to fan out sub-keys from a single seed. The derivation
// is algorithm-compatible with BIP-32's hardened step (HMAC-SHA512 over
// the parent private key and chain code) but is used here purely to fan
// out deterministic key-generation seeds, not for any wallet/blockchain
// purpose — so there is no elliptic-curve point arithmetic and every step
// behaves like a "hardened" BIP-32 derivation.
type ExtendedKey struct {
	Key       [32]byte
	ChainCode [32]byte
}

// Bip32Master derives the master extended key from a BIP-39 seed via
// HMAC-SHA512 keyed by the constant "Bitcoin seed".
func Bip32Master(seed []byte) (*ExtendedKey, error) {
	mac := hmac.New(sha512.New, []byte("Bitcoin seed"))
	if _, err := mac.Write(seed); err != nil {
		return nil, errs.Wrap(errs.Fatal, op+".Bip32Master", "", err)
	}
	sum := mac.Sum(nil)

	var ek ExtendedKey
	copy(ek.Key[:], sum[:32])
	copy(ek.ChainCode[:], sum[32:])
	return &ek, nil
}

// Derive walks one hardened-style step of the chain at the given index.
func (ek *ExtendedKey) Derive(index uint32) (*ExtendedKey, error) {
	var data [1 + 32 + 4]byte
	data[0] = 0x00
	copy(data[1:33], ek.Key[:])
	binary.BigEndian.PutUint32(data[33:], index)

	mac := hmac.New(sha512.New, ek.ChainCode[:])
	if _, err := mac.Write(data[:]); err != nil {
		return nil, errs.Wrap(errs.Fatal, op+".Derive", "", err)
	}
	sum := mac.Sum(nil)

	var child ExtendedKey
	copy(child.Key[:], sum[:32])
	copy(child.ChainCode[:], sum[32:])
	return &child, nil
}

// DerivePath walks a sequence of chain indices from the master key.
func (ek *ExtendedKey) DerivePath(path []uint32) (*ExtendedKey, error) {
	cur := ek
	for _, idx := range path {
		next, err := cur.Derive(idx)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// deterministicReader adapts a ChaCha20 keystream, seeded by a 32-byte
// key with a zero nonce, into an io.Reader suitable as rsa.GenerateKey's
// entropy source. Production keys derive this way so that a device's
// identity is fully reproducible from its seed phrase.
type deterministicReader struct {
	cipher *chacha20.Cipher
}

func newDeterministicReader(seed [32]byte) (*deterministicReader, error) {
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, op+".newDeterministicReader", "", err)
	}
	return &deterministicReader{cipher: c}, nil
}

func (r *deterministicReader) Read(p []byte) (int, error) {
	zero := make([]byte, len(p))
	r.cipher.XORKeyStream(p, zero)
	return len(p), nil
}

// NewDeterministicRSAKey generates an RSA key pair whose randomness comes
// entirely from a ChaCha20 stream seeded by seed, making the resulting key
// fully reproducible from the seed (SPEC_FULL.md §4.2.2).
func NewDeterministicRSAKey(seed [32]byte, kt KeyType) (*PrivateKey, error) {
	bits := kt.bits()
	if bits == 0 {
		return nil, errs.New(errs.InvalidParam, op+".NewDeterministicRSAKey")
	}

	reader, err := newDeterministicReader(seed)
	if err != nil {
		return nil, err
	}

	key, err := rsa.GenerateKey(reader, bits)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, op+".NewDeterministicRSAKey", "", err)
	}
	return &PrivateKey{Type: kt, Key: key}, nil
}
