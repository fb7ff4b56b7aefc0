// Package codec implements the byte-level serialization primitives every
// higher layer (object IDs, packet headers, bodies) is built on: fixed-width
// big-endian integers, u16-length-prefixed byte strings and strings,
// presence-byte optionals, and length-prefixed vectors.
package codec

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/TerryTreepool/block-sub002/internal/errs"
)

const op = "codec"

// PutUint8 appends a single byte.
func PutUint8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

// GetUint8 reads a single byte.
func GetUint8(buf []byte) (uint8, []byte, error) {
	if len(buf) < 1 {
		return 0, nil, errs.New(errs.InvalidFormat, op+".GetUint8")
	}
	return buf[0], buf[1:], nil
}

// PutUint16 appends a big-endian u16.
func PutUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

// GetUint16 reads a big-endian u16.
func GetUint16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, errs.New(errs.InvalidFormat, op+".GetUint16")
	}
	return binary.BigEndian.Uint16(buf), buf[2:], nil
}

// PutUint32 appends a big-endian u32.
func PutUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// GetUint32 reads a big-endian u32.
func GetUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, errs.New(errs.InvalidFormat, op+".GetUint32")
	}
	return binary.BigEndian.Uint32(buf), buf[4:], nil
}

// PutUint64 appends a big-endian u64.
func PutUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// GetUint64 reads a big-endian u64.
func GetUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, errs.New(errs.InvalidFormat, op+".GetUint64")
	}
	return binary.BigEndian.Uint64(buf), buf[8:], nil
}

// PutFixedBytes appends raw bytes verbatim, with no length prefix. Used for
// fields whose length is fixed and known from context (object IDs, MACs).
func PutFixedBytes(buf []byte, v []byte) []byte {
	return append(buf, v...)
}

// GetFixedBytes reads exactly n raw bytes.
func GetFixedBytes(buf []byte, n int) ([]byte, []byte, error) {
	if len(buf) < n {
		return nil, nil, errs.New(errs.InvalidFormat, op+".GetFixedBytes")
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, buf[n:], nil
}

// MaxContainerLen bounds the u16 length prefix: a stated length beyond this
// is always a protocol violation, independent of any buffer's actual size.
const MaxContainerLen = 0xFFFF

// PutBytes appends a u16-length-prefixed byte string.
func PutBytes(buf []byte, v []byte) ([]byte, error) {
	if len(v) > MaxContainerLen {
		return nil, errs.New(errs.OutOfLimit, op+".PutBytes")
	}
	buf = PutUint16(buf, uint16(len(v)))
	return append(buf, v...), nil
}

// GetBytes reads a u16-length-prefixed byte string.
func GetBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := GetUint16(buf)
	if err != nil {
		return nil, nil, errs.Wrap(errs.InvalidFormat, op+".GetBytes", "", err)
	}
	return GetFixedBytes(rest, int(n))
}

// PutString appends a u16-length-prefixed UTF-8 string.
func PutString(buf []byte, v string) ([]byte, error) {
	if !utf8.ValidString(v) {
		return nil, errs.New(errs.InvalidFormat, op+".PutString")
	}
	return PutBytes(buf, []byte(v))
}

// GetString reads a u16-length-prefixed UTF-8 string.
func GetString(buf []byte) (string, []byte, error) {
	raw, rest, err := GetBytes(buf)
	if err != nil {
		return "", nil, err
	}
	if !utf8.Valid(raw) {
		return "", nil, errs.New(errs.InvalidFormat, op+".GetString")
	}
	return string(raw), rest, nil
}

// PutBool appends a 1-byte boolean presence/flag discriminant.
func PutBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// GetBool reads a 1-byte boolean discriminant.
func GetBool(buf []byte) (bool, []byte, error) {
	b, rest, err := GetUint8(buf)
	if err != nil {
		return false, nil, err
	}
	if b != 0 && b != 1 {
		return false, nil, errs.New(errs.InvalidFormat, op+".GetBool")
	}
	return b == 1, rest, nil
}

// PutOptional appends the presence byte and, if present, the value written
// by write.
func PutOptional(buf []byte, present bool, write func([]byte) ([]byte, error)) ([]byte, error) {
	buf = PutBool(buf, present)
	if !present {
		return buf, nil
	}
	return write(buf)
}

// GetOptional reads the presence byte and, if set, delegates to read for
// the value.
func GetOptional(buf []byte, read func([]byte) ([]byte, error)) (bool, []byte, error) {
	present, rest, err := GetBool(buf)
	if err != nil {
		return false, nil, err
	}
	if !present {
		return false, rest, nil
	}
	rest, err = read(rest)
	if err != nil {
		return false, nil, err
	}
	return true, rest, nil
}

// VecLen reads the u16 element-count prefix of a vector.
func VecLen(buf []byte) (int, []byte, error) {
	n, rest, err := GetUint16(buf)
	if err != nil {
		return 0, nil, err
	}
	return int(n), rest, nil
}

// PutVecLen appends the u16 element-count prefix of a vector.
func PutVecLen(buf []byte, n int) ([]byte, error) {
	if n > MaxContainerLen {
		return nil, errs.New(errs.OutOfLimit, op+".PutVecLen")
	}
	return PutUint16(buf, uint16(n)), nil
}
