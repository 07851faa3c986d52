package registration

import "math/big"

// b62Alphabet is a URL-safe base-62 alphabet used to embed arbitrary
// strings inside coordination-service path segments. It has no relation
// to the bech32/base64 families; it is just digits+upper+lower.
const b62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var b62Base = big.NewInt(int64(len(b62Alphabet)))

// B62 encodes s as a base-62 string. A leading sentinel byte (0x01) is
// prepended before the big-integer conversion so that inputs differing
// only in leading zero bytes still round-trip to distinct, non-empty
// output — the encoding is one-way here (node names are never
// decoded back into their source string) but must stay deterministic
// and collision-free across distinct inputs.
func B62(s string) string {
	if s == "" {
		return "0"
	}
	raw := append([]byte{0x01}, []byte(s)...)
	n := new(big.Int).SetBytes(raw)
	if n.Sign() == 0 {
		return "0"
	}

	var out []byte
	zero := big.NewInt(0)
	mod := new(big.Int)
	for n.Cmp(zero) > 0 {
		n.DivMod(n, b62Base, mod)
		out = append(out, b62Alphabet[mod.Int64()])
	}
	// DivMod produces least-significant digit first; reverse in place.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
