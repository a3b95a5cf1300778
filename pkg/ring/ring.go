// Package ring implements Chord identifier-space arithmetic: hashing keys
// and addresses onto an m-bit ring and testing circular interval membership.
package ring

import (
	"crypto/sha1"
	"fmt"
	"math/big"
)

// DefaultBits is the canonical Chord identifier width (SHA-1 output size).
const DefaultBits = 160

// Ring holds the modulus for an m-bit identifier space and provides
// hashing and interval arithmetic relative to that modulus. A Ring is
// immutable after construction and safe for concurrent use.
type Ring struct {
	bits     int
	modulus  *big.Int
	maxID    *big.Int
}

// New returns a Ring over an m-bit identifier space. Panics if bits is
// not in (0, 256], matching the bound a Config.Validate enforces before
// constructing one.
func New(bits int) *Ring {
	if bits <= 0 || bits > 256 {
		panic(fmt.Sprintf("ring: invalid bit width %d", bits))
	}
	modulus := new(big.Int).Exp(big.NewInt(2), big.NewInt(int64(bits)), nil)
	return &Ring{
		bits:    bits,
		modulus: modulus,
		maxID:   new(big.Int).Sub(modulus, big.NewInt(1)),
	}
}

// Bits returns m, the configured identifier width.
func (r *Ring) Bits() int { return r.bits }

// Modulus returns 2^m.
func (r *Ring) Modulus() *big.Int { return new(big.Int).Set(r.modulus) }

// MaxID returns 2^m - 1, the largest valid identifier.
func (r *Ring) MaxID() *big.Int { return new(big.Int).Set(r.maxID) }

// HashKey hashes arbitrary bytes to an identifier by taking SHA-1 and
// reducing it modulo 2^m. For m=160 this keeps the full SHA-1 digest.
func (r *Ring) HashKey(data []byte) *big.Int {
	sum := sha1.Sum(data)
	id := new(big.Int).SetBytes(sum[:])
	return r.mod(id)
}

// HashString hashes a string identifier the same way as HashKey.
func (r *Ring) HashString(s string) *big.Int {
	return r.HashKey([]byte(s))
}

// HashAddress derives a node identifier from its host:port endpoint.
func (r *Ring) HashAddress(host string, port int) *big.Int {
	return r.HashString(fmt.Sprintf("%s:%d", host, port))
}

// InRange reports whether id lies in (start, end] on the ring, wrapping
// around the modulus when end <= start.
func (r *Ring) InRange(id, start, end *big.Int) bool {
	if id == nil || start == nil || end == nil {
		return false
	}
	id, start, end = r.mod(id), r.mod(start), r.mod(end)

	switch start.Cmp(end) {
	case -1:
		return id.Cmp(start) > 0 && id.Cmp(end) <= 0
	case 1:
		return id.Cmp(start) > 0 || id.Cmp(end) <= 0
	default:
		return id.Cmp(start) != 0
	}
}

// Between reports whether id lies in the open interval (start, end).
func (r *Ring) Between(id, start, end *big.Int) bool {
	if id == nil || start == nil || end == nil {
		return false
	}
	id, start, end = r.mod(id), r.mod(start), r.mod(end)

	switch start.Cmp(end) {
	case -1:
		return id.Cmp(start) > 0 && id.Cmp(end) < 0
	case 1:
		return id.Cmp(start) > 0 || id.Cmp(end) < 0
	default:
		return id.Cmp(start) != 0
	}
}

// BetweenLeftIncl reports whether id lies in [start, end).
func (r *Ring) BetweenLeftIncl(id, start, end *big.Int) bool {
	if id == nil || start == nil || end == nil {
		return false
	}
	id, start, end = r.mod(id), r.mod(start), r.mod(end)

	switch start.Cmp(end) {
	case -1:
		return id.Cmp(start) >= 0 && id.Cmp(end) < 0
	case 1:
		return id.Cmp(start) >= 0 || id.Cmp(end) < 0
	default:
		return id.Cmp(start) != 0
	}
}

// Distance returns the clockwise distance (end - start) mod 2^m.
func (r *Ring) Distance(start, end *big.Int) *big.Int {
	if start == nil || end == nil {
		return new(big.Int)
	}
	start, end = r.mod(start), r.mod(end)
	return r.mod(new(big.Int).Sub(end, start))
}

// PowerOfTwo returns 2^exponent.
func (r *Ring) PowerOfTwo(exponent int) *big.Int {
	if exponent < 0 {
		return new(big.Int)
	}
	return new(big.Int).Exp(big.NewInt(2), big.NewInt(int64(exponent)), nil)
}

// AddPowerOfTwo computes (n + 2^exponent) mod 2^m, the standard formula
// for finger[i].start = (n + 2^i) mod 2^m.
func (r *Ring) AddPowerOfTwo(n *big.Int, exponent int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	n = r.mod(n)
	return r.mod(new(big.Int).Add(n, r.PowerOfTwo(exponent)))
}

// IsValidID reports whether id falls in [0, 2^m).
func (r *Ring) IsValidID(id *big.Int) bool {
	if id == nil {
		return false
	}
	return id.Sign() >= 0 && id.Cmp(r.modulus) < 0
}

// mod normalizes x into [0, 2^m), handling negative inputs.
func (r *Ring) mod(x *big.Int) *big.Int {
	result := new(big.Int).Mod(x, r.modulus)
	if result.Sign() < 0 {
		result.Add(result, r.modulus)
	}
	return result
}
