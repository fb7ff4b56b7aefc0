package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESRoundTrip(t *testing.T) {
	key, err := GenerateAESKey()
	require.NoError(t, err)

	for _, size := range []int{0, 1, 15, 16, 17, 1472, 4500} {
		plaintext := make([]byte, size)
		for i := range plaintext {
			plaintext[i] = byte(i)
		}

		ciphertext, err := key.Encrypt(plaintext)
		require.NoError(t, err)

		decrypted, err := key.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestMixHashStability(t *testing.T) {
	key, err := GenerateAESKey()
	require.NoError(t, err)

	h1 := key.MixHash(nil)
	h2 := key.MixHash(nil)
	assert.Equal(t, h1, h2)
	assert.Zero(t, h1[0]&0x80)

	salt := uint64(42)
	h3 := key.MixHash(&salt)
	assert.NotEqual(t, h1, h3)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKey(Rsa1024)
	require.NoError(t, err)

	payload := []byte("packet header extension plus body")
	signTime := uint64(1700000000)

	sig, err := Sign(priv, payload, signTime)
	require.NoError(t, err)
	assert.Len(t, sig, Rsa1024.SignatureSize())

	require.NoError(t, Verify(priv.Public(), payload, signTime, sig))

	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0xff
	assert.Error(t, Verify(priv.Public(), tampered, signTime, sig))

	badSig := append([]byte(nil), sig...)
	badSig[0] ^= 0xff
	assert.Error(t, Verify(priv.Public(), payload, signTime, badSig))
}

func TestRSAEncryptDecryptRoundTrip(t *testing.T) {
	priv, err := GenerateKey(Rsa2048)
	require.NoError(t, err)

	aesKey, err := GenerateAESKey()
	require.NoError(t, err)

	ciphertext, err := EncryptTo(priv.Public(), aesKey.Key[:])
	require.NoError(t, err)

	plaintext, err := DecryptWith(priv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, aesKey.Key[:], plaintext)
}

func TestDeterministicRSAKeyReproducible(t *testing.T) {
	seed := [32]byte{1, 2, 3, 4}

	k1, err := NewDeterministicRSAKey(seed, Rsa1024)
	require.NoError(t, err)
	k2, err := NewDeterministicRSAKey(seed, Rsa1024)
	require.NoError(t, err)

	assert.True(t, k1.Key.Equal(k2.Key))
}

func TestBip32DerivationDeterministic(t *testing.T) {
	seed := Cip39Seed("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", "")
	master, err := Bip32Master(seed)
	require.NoError(t, err)

	child1, err := master.DerivePath([]uint32{44, 0, 0})
	require.NoError(t, err)
	child2, err := master.DerivePath([]uint32{44, 0, 0})
	require.NoError(t, err)

	assert.Equal(t, child1.Key, child2.Key)

	otherChild, err := master.DerivePath([]uint32{44, 0, 1})
	require.NoError(t, err)
	assert.NotEqual(t, child1.Key, otherChild.Key)
}
