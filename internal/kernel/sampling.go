package kernel

import (
	"math"
	"sort"

	"github.com/dopplerai/doppler/internal/errs"
)

// Softmax converts logits into a probability distribution, subtracting
// the row max before exponentiating for numerical stability.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxV := logits[0]
	for _, v := range logits {
		if v > maxV {
			maxV = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// TopK retains the k logits with greatest value (ties broken by index
// ascending) and sets every other slot to -Inf, per spec.md §4.10/§8
// property 7. A non-positive k is a no-op (all logits retained).
func TopK(logits []float32, k int) []float32 {
	out := make([]float32, len(logits))
	copy(out, logits)
	if k <= 0 || k >= len(logits) {
		return out
	}

	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		if logits[idx[a]] != logits[idx[b]] {
			return logits[idx[a]] > logits[idx[b]]
		}
		return idx[a] < idx[b]
	})

	keep := make(map[int]bool, k)
	for _, i := range idx[:k] {
		keep[i] = true
	}
	for i := range out {
		if !keep[i] {
			out[i] = float32(math.Inf(-1))
		}
	}
	return out
}

// TopP retains the smallest prefix (in descending-probability order) of
// probs whose cumulative probability is >= p, zeroing the rest, per
// spec.md §4.10/§8 property 8. probs must already sum to ~1 (e.g. the
// output of Softmax). p <= 0 retains nothing beyond the top entry; p >=
// 1 retains everything.
func TopP(probs []float32, p float64) []float32 {
	out := make([]float32, len(probs))
	if p >= 1 {
		copy(out, probs)
		return out
	}

	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		if probs[idx[a]] != probs[idx[b]] {
			return probs[idx[a]] > probs[idx[b]]
		}
		return idx[a] < idx[b]
	})

	var cum float64
	for _, i := range idx {
		out[i] = probs[i]
		cum += float64(probs[i])
		if cum >= p {
			break
		}
	}
	return out
}

// Argmax returns the index of the greatest value, ties broken by index
// ascending. Used for the temperature==0 greedy path.
func Argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

// Sample draws an index from probs (which need not be renormalized —
// e.g. after TopK/TopP zeroing) via inverse-CDF using u, a uniform
// random draw in [0,1) supplied by the caller's RNG of choice. The first
// index whose cumulative mass reaches u times the total mass is returned.
func Sample(probs []float32, u float64) (int, error) {
	var total float64
	for _, v := range probs {
		total += float64(v)
	}
	if total <= 0 {
		return 0, errs.New(errs.ShapeMismatch, "sample: probability mass is zero", nil)
	}
	target := u * total
	var cum float64
	for i, v := range probs {
		cum += float64(v)
		if cum >= target {
			return i, nil
		}
	}
	return len(probs) - 1, nil
}

// ApplySoftcap applies `tanh(x/cap)*cap` to every logit; cap<=0 is a
// no-op, matching spec.md §4.10's optional logits soft-cap.
func ApplySoftcap(logits []float32, cap float64) []float32 {
	out := make([]float32, len(logits))
	if cap <= 0 {
		copy(out, logits)
		return out
	}
	for i, v := range logits {
		out[i] = float32(math.Tanh(float64(v)/cap) * cap)
	}
	return out
}

// ScaleByTemperature divides every logit by temperature. temperature<=0
// is the caller's signal to skip sampling and use Argmax instead; this
// function assumes temperature > 0 has already been checked.
func ScaleByTemperature(logits []float32, temperature float64) []float32 {
	out := make([]float32, len(logits))
	for i, v := range logits {
		out[i] = float32(float64(v) / temperature)
	}
	return out
}
