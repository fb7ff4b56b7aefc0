package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/TerryTreepool/block-sub002/internal/errs"
)

const (
	aesKeyLen = 32
	aesIVLen  = 16
	blockSize = 16
)

// AESKey is a tunnel's symmetric session key: a 256-bit key plus a 128-bit
// IV, used with AES-256-CBC and PKCS#7 padding.
type AESKey struct {
	Key [aesKeyLen]byte
	IV  [aesIVLen]byte
}

// GenerateAESKey draws a fresh random key and IV from the system CSPRNG.
func GenerateAESKey() (AESKey, error) {
	var k AESKey
	if _, err := rand.Read(k.Key[:]); err != nil {
		return k, errs.Wrap(errs.Fatal, op+".GenerateAESKey", "", err)
	}
	if _, err := rand.Read(k.IV[:]); err != nil {
		return k, errs.Wrap(errs.Fatal, op+".GenerateAESKey", "", err)
	}
	return k, nil
}

// Encrypt PKCS#7-pads data and encrypts it under AES-256-CBC.
func (k AESKey) Encrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.Key[:])
	if err != nil {
		return nil, errs.Wrap(errs.CryptoEncrypt, op+".Encrypt", "", err)
	}

	padded := pkcs7Pad(data, blockSize)
	out := make([]byte, len(padded))

	mode := cipher.NewCBCEncrypter(block, k.IV[:])
	mode.CryptBlocks(out, padded)

	return out, nil
}

// Decrypt reverses Encrypt, removing the PKCS#7 padding.
func (k AESKey) Decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errs.New(errs.InvalidFormat, op+".Decrypt")
	}

	block, err := aes.NewCipher(k.Key[:])
	if err != nil {
		return nil, errs.Wrap(errs.CryptoDecrypt, op+".Decrypt", "", err)
	}

	out := make([]byte, len(data))
	mode := cipher.NewCBCDecrypter(block, k.IV[:])
	mode.CryptBlocks(out, data)

	unpadded, err := pkcs7Unpad(out, blockSize)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoDecrypt, op+".Decrypt", "", err)
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, size int) []byte {
	padLen := size - len(data)%size
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errs.New(errs.InvalidFormat, op+".pkcs7Unpad")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > size || padLen > len(data) {
		return nil, errs.New(errs.InvalidFormat, op+".pkcs7Unpad")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errs.New(errs.InvalidFormat, op+".pkcs7Unpad")
		}
	}
	return data[:len(data)-padLen], nil
}

// KeyMixHash is an 8-byte truncated SHA-256 digest of an AES key (and
// optional salt), used by the proxy as a non-secret routing tag.
type KeyMixHash [8]byte

func (h KeyMixHash) String() string {
	return hex.EncodeToString(h[:])
}

// MixHash computes the KeyMixHash of k, optionally salted. The top bit of
// the first byte is always cleared so the value can share a namespace
// with other single-byte-tagged routing keys without sign ambiguity.
func (k AESKey) MixHash(salt *uint64) KeyMixHash {
	h := sha256.New()
	h.Write(k.Key[:])
	h.Write(k.IV[:])
	if salt != nil {
		var saltBytes [8]byte
		binary.LittleEndian.PutUint64(saltBytes[:], *salt)
		h.Write(saltBytes[:])
	}

	sum := h.Sum(nil)
	var out KeyMixHash
	copy(out[:], sum[:len(out)])
	out[0] &= 0x7f
	return out
}
