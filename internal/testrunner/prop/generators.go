package prop

import "math/rand/v2"

// GenUintRange returns a generator for values in [lo, hi].
func GenUintRange(lo, hi uint64) Generator[uint64] {
	return func(r *rand.Rand, _ int) uint64 {
		if hi <= lo {
			return lo
		}
		return lo + r.Uint64N(hi-lo+1)
	}
}

// GenPowerOfTwo returns a generator for 1<<k with k in [minLog, maxLog].
func GenPowerOfTwo(minLog, maxLog uint) Generator[uint64] {
	return func(r *rand.Rand, _ int) uint64 {
		return 1 << (minLog + uint(r.IntN(int(maxLog-minLog)+1)))
	}
}

// GenOneOf picks one of the given generators uniformly per value.
func GenOneOf[T any](gens ...Generator[T]) Generator[T] {
	return func(r *rand.Rand, size int) T {
		return gens[r.IntN(len(gens))](r, size)
	}
}

// GenSlice returns a slice generator using the element generator.
// The length is uniform in [0, size].
func GenSlice[T any](elem Generator[T]) Generator[[]T] {
	return func(r *rand.Rand, size int) []T {
		n := r.IntN(max(0, size) + 1)
		out := make([]T, n)
		for i := range out {
			out[i] = elem(r, size)
		}
		return out
	}
}

// ShrinkSlice shrinks by dropping halves and then single elements, which
// suits operation sequences where element values depend on their prefix.
func ShrinkSlice[T any]() Shrinker[[]T] {
	return func(v []T) [][]T {
		if len(v) <= 1 {
			return nil
		}
		mid := len(v) / 2
		candidates := [][]T{
			append([]T(nil), v[:mid]...),
			append([]T(nil), v[mid:]...),
		}
		for i := range v {
			if len(v) > 16 {
				break
			}
			c := make([]T, 0, len(v)-1)
			c = append(c, v[:i]...)
			c = append(c, v[i+1:]...)
			candidates = append(candidates, c)
		}
		return candidates
	}
}
