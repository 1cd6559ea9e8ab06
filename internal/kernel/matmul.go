package kernel

import "github.com/dopplerai/doppler/internal/errs"

// MatMul computes C[M,N] = A[M,K] @ B, where B is [K,N] normally or
// [N,K] when transposeB is set (the weight-matrix layout most manifests
// ship), per spec.md §4.6. Tiling tie-break (square-preferred, falling
// back to rectangular for small M/N) is a compiled-pipeline concern on a
// real accelerator; the CPU reference simply computes the product
// row-major without tiling.
func MatMul(a, b []float32, m, k, n int, transposeB bool) ([]float32, error) {
	if m <= 0 || k <= 0 || n <= 0 {
		return nil, errs.New(errs.ShapeMismatch, "matmul: dimensions must be positive", nil)
	}
	if len(a) != m*k {
		return nil, errs.Newf(errs.ShapeMismatch, nil, "matmul: A has %d elements, want %d", len(a), m*k)
	}
	if len(b) != k*n {
		return nil, errs.Newf(errs.ShapeMismatch, nil, "matmul: B has %d elements, want %d", len(b), k*n)
	}

	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		arow := a[i*k : i*k+k]
		orow := out[i*n : i*n+n]
		for kk := 0; kk < k; kk++ {
			av := arow[kk]
			if av == 0 {
				continue
			}
			if transposeB {
				for j := 0; j < n; j++ {
					orow[j] += av * b[j*k+kk]
				}
			} else {
				brow := b[kk*n : kk*n+n]
				for j := 0; j < n; j++ {
					orow[j] += av * brow[j]
				}
			}
		}
	}
	return out, nil
}

// MatMulQ4K computes A[M,K] @ Wq where Wq is a q4_k-encoded [N,K] weight
// matrix (transposed layout, decoded inline per row/block rather than
// materializing a dequantized copy), per spec.md §4.6.
func MatMulQ4K(a []float32, wq []byte, m, k, n int) ([]float32, error) {
	if m <= 0 || k <= 0 || n <= 0 {
		return nil, errs.New(errs.ShapeMismatch, "matmul_q4k: dimensions must be positive", nil)
	}
	if len(a) != m*k {
		return nil, errs.Newf(errs.ShapeMismatch, nil, "matmul_q4k: A has %d elements, want %d", len(a), m*k)
	}

	out := make([]float32, m*n)
	rowDecoded := make([]float32, k)
	for j := 0; j < n; j++ {
		rowBytes, err := q4kRowBytes(wq, j, k)
		if err != nil {
			return nil, err
		}
		if err := dequantizeQ4KRow(rowBytes, rowDecoded); err != nil {
			return nil, err
		}
		for i := 0; i < m; i++ {
			var sum float32
			arow := a[i*k : i*k+k]
			for kk := 0; kk < k; kk++ {
				sum += arow[kk] * rowDecoded[kk]
			}
			out[i*n+j] = sum
		}
	}
	return out, nil
}
