package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUintRoundTrip(t *testing.T) {
	buf := PutUint16(nil, 0xBEEF)
	buf = PutUint32(buf, 0xCAFEBABE)
	buf = PutUint64(buf, 0x1122334455667788)

	v16, rest, err := GetUint16(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v16)

	v32, rest, err := GetUint32(rest)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), v32)

	v64, rest, err := GetUint64(rest)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v64)
	assert.Empty(t, rest)
}

func TestBytesRoundTrip(t *testing.T) {
	buf, err := PutBytes(nil, []byte("hello world"))
	require.NoError(t, err)

	v, rest, err := GetBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), v)
	assert.Empty(t, rest)
}

func TestStringRoundTrip(t *testing.T) {
	buf, err := PutString(nil, "/primary/secondary")
	require.NoError(t, err)

	v, rest, err := GetString(buf)
	require.NoError(t, err)
	assert.Equal(t, "/primary/secondary", v)
	assert.Empty(t, rest)
}

func TestStringRejectsInvalidUTF8(t *testing.T) {
	_, err := PutString(nil, string([]byte{0xff, 0xfe}))
	assert.Error(t, err)
}

func TestOptionalRoundTrip(t *testing.T) {
	buf, err := PutOptional(nil, true, func(b []byte) ([]byte, error) {
		return PutString(b, "present")
	})
	require.NoError(t, err)

	var got string
	present, rest, err := GetOptional(buf, func(b []byte) ([]byte, error) {
		s, rest, err := GetString(b)
		got = s
		return rest, err
	})
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, "present", got)
	assert.Empty(t, rest)

	buf2, err := PutOptional(nil, false, func(b []byte) ([]byte, error) {
		t.Fatal("write should not be called when absent")
		return b, nil
	})
	require.NoError(t, err)
	present2, _, err := GetOptional(buf2, func(b []byte) ([]byte, error) {
		t.Fatal("read should not be called when absent")
		return b, nil
	})
	require.NoError(t, err)
	assert.False(t, present2)
}

func TestGetUint16ShortBufferIsInvalidFormat(t *testing.T) {
	_, _, err := GetUint16([]byte{0x01})
	assert.Error(t, err)
}

func TestPutBytesOverLimit(t *testing.T) {
	_, err := PutBytes(nil, make([]byte, MaxContainerLen+1))
	assert.Error(t, err)
}
