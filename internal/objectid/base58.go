package objectid

import "math/big"

// base58Alphabet is Bitcoin's standard base58 alphabet (no 0, O, I, l).
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Index [256]int8

func init() {
	for i := range base58Index {
		base58Index[i] = -1
	}
	for i, c := range base58Alphabet {
		base58Index[byte(c)] = int8(i)
	}
}

// base58Encode is the display encoding for object IDs: no third-party
// base58 library is present anywhere in the retrieval pack, so this
// encodes directly on math/big, the conventional dependency-free approach.
func base58Encode(data []byte) string {
	zero := big.NewInt(0)
	radix := big.NewInt(58)
	mod := new(big.Int)

	x := new(big.Int).SetBytes(data)

	var out []byte
	for x.Cmp(zero) > 0 {
		x.DivMod(x, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}

	// Leading zero bytes become leading '1's.
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}

	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return string(out)
}

// base58Decode inverts base58Encode.
func base58Decode(s string) ([]byte, bool) {
	x := big.NewInt(0)
	radix := big.NewInt(58)

	for i := 0; i < len(s); i++ {
		idx := base58Index[s[i]]
		if idx < 0 {
			return nil, false
		}
		x.Mul(x, radix)
		x.Add(x, big.NewInt(int64(idx)))
	}

	decoded := x.Bytes()

	// Leading '1's become leading zero bytes.
	var leading int
	for i := 0; i < len(s) && s[i] == base58Alphabet[0]; i++ {
		leading++
	}

	out := make([]byte, leading+len(decoded))
	copy(out[leading:], decoded)
	return out, true
}
