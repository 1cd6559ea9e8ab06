package doppler

import (
	"math/rand/v2"

	"github.com/dopplerai/doppler/internal/kernel"
)

// sampler wraps the logits post-processing chain of spec.md §4.10 behind
// a single deterministic RNG. math/rand/v2's PCG source is the one
// stdlib exception recorded in DESIGN.md: no third-party PRNG appears
// anywhere in the retrieval pack, so there is nothing to adapt instead.
type sampler struct {
	rng *rand.Rand
}

// newSampler seeds the PCG source from seed when non-nil, otherwise from
// the runtime's own auto-seeded top-level source — "implementation-chosen
// but stable within one generation" per spec.md §4.10, since the same
// *sampler instance backs every decode step of one generation.
func newSampler(seed *uint64) *sampler {
	var s1, s2 uint64
	if seed != nil {
		s1, s2 = *seed, *seed^0x9e3779b97f4a7c15
	} else {
		s1, s2 = rand.Uint64(), rand.Uint64()
	}
	return &sampler{rng: rand.New(rand.NewPCG(s1, s2))}
}

// next runs logits through spec.md §4.10's post-processing chain: optional
// logits soft-cap, temperature scale (or argmax when temperature == 0),
// top-k mask, softmax, top-p mask, sample.
func (s *sampler) next(logits []float32, logitSoftcap float64, cfg SamplingConfig) (int, error) {
	capped := kernel.ApplySoftcap(logits, logitSoftcap)

	if cfg.Temperature == 0 {
		return kernel.Argmax(capped), nil
	}

	scaled := kernel.ScaleByTemperature(capped, cfg.Temperature)
	masked := kernel.TopK(scaled, cfg.TopK)
	probs := kernel.Softmax(masked)
	probs = kernel.TopP(probs, cfg.TopP)
	return kernel.Sample(probs, s.rng.Float64())
}
