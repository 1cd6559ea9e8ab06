package kernel

import (
	"math"

	"github.com/dopplerai/doppler/internal/errs"
)

// RoPE applies pairwise rotation to Q and K's last dimension in place,
// per spec.md §4.6: `theta_i = base^(-2i/D)`, rotating dimension pairs
// (i, i+D/2) (the half-split layout) by angle `pos * theta_i`. Q and K are shaped
// [T, numHeads, headDim]; pos gives the absolute position of each of the
// T rows (prefill passes 0..T-1 offset by the cache's prior seqLen;
// decode passes a single absolute position).
func RoPE(q, k []float32, pos []int64, base float64, t, numHeads, headDim int) error {
	if headDim%2 != 0 {
		return errs.New(errs.ShapeMismatch, "rope: headDim must be even", nil)
	}
	if len(pos) != t {
		return errs.Newf(errs.ShapeMismatch, nil, "rope: pos has %d entries, want %d", len(pos), t)
	}
	rowElems := numHeads * headDim
	if len(q) != t*rowElems || len(k) != t*rowElems {
		return errs.Newf(errs.ShapeMismatch, nil, "rope: Q/K must have %d elements each", t*rowElems)
	}

	half := headDim / 2
	for row := 0; row < t; row++ {
		p := float64(pos[row])
		for h := 0; h < numHeads; h++ {
			base0 := row*rowElems + h*headDim
			rotatePairs(q[base0:base0+headDim], p, base, half)
			rotatePairs(k[base0:base0+headDim], p, base, half)
		}
	}
	return nil
}

func rotatePairs(vec []float32, pos, base float64, half int) {
	for i := 0; i < half; i++ {
		theta := math.Pow(base, -2*float64(i)/float64(2*half))
		angle := pos * theta
		s, c := math.Sincos(angle)
		x0, x1 := float64(vec[i]), float64(vec[i+half])
		vec[i] = float32(x0*c - x1*s)
		vec[i+half] = float32(x0*s + x1*c)
	}
}
