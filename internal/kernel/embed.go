package kernel

import "github.com/dopplerai/doppler/internal/errs"

// Gather performs an embedding-table lookup: table is [V, D], ids picks
// rows, producing E:[len(ids), D], per spec.md §4.6.
func Gather(table []float32, vocab, dim int, ids []int64) ([]float32, error) {
	if vocab <= 0 || dim <= 0 {
		return nil, errs.New(errs.ShapeMismatch, "gather: vocab and dim must be positive", nil)
	}
	if len(table) != vocab*dim {
		return nil, errs.Newf(errs.ShapeMismatch, nil, "gather: table has %d elements, want %d", len(table), vocab*dim)
	}

	out := make([]float32, len(ids)*dim)
	for i, id := range ids {
		if id < 0 || int(id) >= vocab {
			return nil, errs.Newf(errs.ShapeMismatch, nil, "gather: id %d out of range [0,%d)", id, vocab)
		}
		copy(out[i*dim:i*dim+dim], table[int(id)*dim:int(id)*dim+dim])
	}
	return out, nil
}

// ScatterAdd accumulates src rows into dst at the rows named by ids,
// used for MoE expert-output accumulation per spec.md §4.6. dst and src
// share the same row width dim.
func ScatterAdd(dst, src []float32, ids []int64, dim int) error {
	if dim <= 0 {
		return errs.New(errs.ShapeMismatch, "scatter_add: dim must be positive", nil)
	}
	if len(src) != len(ids)*dim {
		return errs.Newf(errs.ShapeMismatch, nil, "scatter_add: src has %d elements, want %d", len(src), len(ids)*dim)
	}
	maxID := int64(0)
	for _, id := range ids {
		if id > maxID {
			maxID = id
		}
	}
	if int64(len(dst)) < (maxID+1)*int64(dim) {
		return errs.New(errs.ShapeMismatch, "scatter_add: dst is too small for the given ids", nil)
	}

	for i, id := range ids {
		drow := dst[int(id)*dim : int(id)*dim+dim]
		srow := src[i*dim : i*dim+dim]
		for d := 0; d < dim; d++ {
			drow[d] += srow[d]
		}
	}
	return nil
}
