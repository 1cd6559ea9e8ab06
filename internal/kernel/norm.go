package kernel

import (
	"math"

	"github.com/dopplerai/doppler/internal/errs"
)

// RMSNorm computes Y = X · rsqrt(mean(X²) + eps) · W row-wise over X's
// last dimension, per spec.md §4.6.
func RMSNorm(x, w []float32, eps float32, rows, dim int) ([]float32, error) {
	if rows <= 0 || dim <= 0 {
		return nil, errs.New(errs.ShapeMismatch, "rmsnorm: rows and dim must be positive", nil)
	}
	if len(x) != rows*dim {
		return nil, errs.Newf(errs.ShapeMismatch, nil, "rmsnorm: X has %d elements, want %d", len(x), rows*dim)
	}
	if len(w) != dim {
		return nil, errs.Newf(errs.ShapeMismatch, nil, "rmsnorm: W has %d elements, want %d", len(w), dim)
	}

	out := make([]float32, rows*dim)
	for r := 0; r < rows; r++ {
		row := x[r*dim : r*dim+dim]
		var sumSq float64
		for _, v := range row {
			sumSq += float64(v) * float64(v)
		}
		meanSq := sumSq/float64(dim) + float64(eps)
		inv := float32(1.0 / math.Sqrt(meanSq))
		orow := out[r*dim : r*dim+dim]
		for i, v := range row {
			orow[i] = v * inv * w[i]
		}
	}
	return out, nil
}
