package mathx

import "math"

// Epsilon is the default tolerance for float comparisons in build space units.
const Epsilon = 1e-4

func Clamp(v, lo, hi float64) float64 {
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func NearlyZero(v float64) bool {
	return math.Abs(v) <= Epsilon
}

func NearlyEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// Lattice rounds v to the nearest integer lattice unit. Halves round away from zero.
func Lattice(v float64) int64 {
	return int64(math.Round(v))
}

// FloorDiv returns how many whole steps of size step fit into dist.
// step must be > 0.
func FloorDiv(dist, step float64) int {
	if dist <= 0 {
		return 0
	}
	return int(math.Floor(dist / step))
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func Hash3(seed uint64, x, y, z int64) uint64 {
	v := seed ^ (uint64(x) * 0x9e3779b97f4a7c15) ^ (uint64(y) * 0xc2b2ae3d27d4eb4f) ^ (uint64(z) * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

// HashString folds s into seed (FNV-1a over bytes, then mixed).
func HashString(seed uint64, s string) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return mix64(seed ^ h)
}
