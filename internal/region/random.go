package region

import "math/rand/v2"

// RandomSource supplies the entropy for randomized region placement.
type RandomSource interface {
	Uint64() uint64
}

// NewRandomSource returns a deterministic PCG-backed source for seed.
// A zero seed draws one from the runtime's random generator.
func NewRandomSource(seed uint64) RandomSource {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
