package kernel

import (
	"math"

	"github.com/dopplerai/doppler/internal/errs"
)

// MaskKind selects the attention masking strategy applied by
// FlashAttention, mirroring the manifest's attentionKind per spec.md §3.
type MaskKind int

const (
	MaskCausal MaskKind = iota
	MaskSliding
)

// AttentionParams bundles FlashAttention's non-tensor arguments.
type AttentionParams struct {
	Mask          MaskKind
	SlidingWindow int64 // only consulted when Mask == MaskSliding
	Scale         float64
	Softcap       float64 // 0 disables soft-capping
	// QueryPos is the absolute position of each of the T query rows,
	// used for causal/sliding bounds against the KV prefix.
	QueryPos []int64
}

// FlashAttention computes O = softmax(mask(Q·Kᵀ·scale))·V, subtracting
// the row max before exponentiating for numerical stability, per
// spec.md §4.6. Q is [T, H, D]; Kc/Vc are the cache's valid prefix,
// [seqLen, H, D] (grouped-query: H here is numQueryHeads, Kc/Vc carry
// numKVHeads with queries mapped onto KV heads by
// h_kv = h_q * numKVHeads / numQueryHeads).
func FlashAttention(q, kc, vc []float32, t, numQueryHeads, numKVHeads, headDim int, seqLen int64, p AttentionParams) ([]float32, error) {
	if t <= 0 || numQueryHeads <= 0 || numKVHeads <= 0 || headDim <= 0 {
		return nil, errs.New(errs.ShapeMismatch, "flash_attention: dimensions must be positive", nil)
	}
	if numQueryHeads%numKVHeads != 0 {
		return nil, errs.New(errs.ShapeMismatch, "flash_attention: numQueryHeads must be a multiple of numKVHeads", nil)
	}
	if len(q) != t*numQueryHeads*headDim {
		return nil, errs.Newf(errs.ShapeMismatch, nil, "flash_attention: Q has %d elements, want %d", len(q), t*numQueryHeads*headDim)
	}
	if int64(len(kc)) != seqLen*int64(numKVHeads*headDim) || int64(len(vc)) != seqLen*int64(numKVHeads*headDim) {
		return nil, errs.New(errs.ShapeMismatch, "flash_attention: K/V cache length does not match seqLen*numKVHeads*headDim", nil)
	}
	if len(p.QueryPos) != t {
		return nil, errs.Newf(errs.ShapeMismatch, nil, "flash_attention: QueryPos has %d entries, want %d", len(p.QueryPos), t)
	}

	groupSize := numQueryHeads / numKVHeads
	out := make([]float32, t*numQueryHeads*headDim)
	scores := make([]float64, seqLen)

	for row := 0; row < t; row++ {
		qPos := p.QueryPos[row]
		lowerBound := int64(0)
		if p.Mask == MaskSliding && p.SlidingWindow > 0 && qPos-p.SlidingWindow+1 > 0 {
			lowerBound = qPos - p.SlidingWindow + 1
		}
		upperBound := qPos // causal: keys at position <= query position
		if upperBound >= seqLen {
			upperBound = seqLen - 1
		}

		for hq := 0; hq < numQueryHeads; hq++ {
			hkv := hq / groupSize
			qVec := q[(row*numQueryHeads+hq)*headDim : (row*numQueryHeads+hq)*headDim+headDim]

			maxScore := math.Inf(-1)
			for pos := lowerBound; pos <= upperBound; pos++ {
				kVec := kc[(pos*int64(numKVHeads)+int64(hkv))*int64(headDim) : (pos*int64(numKVHeads)+int64(hkv))*int64(headDim)+int64(headDim)]
				var dot float64
				for d := 0; d < headDim; d++ {
					dot += float64(qVec[d]) * float64(kVec[d])
				}
				sc := dot * p.Scale
				if p.Softcap > 0 {
					sc = math.Tanh(sc/p.Softcap) * p.Softcap
				}
				scores[pos] = sc
				if sc > maxScore {
					maxScore = sc
				}
			}

			var sumExp float64
			for pos := lowerBound; pos <= upperBound; pos++ {
				e := math.Exp(scores[pos] - maxScore)
				scores[pos] = e
				sumExp += e
			}

			oVec := out[(row*numQueryHeads+hq)*headDim : (row*numQueryHeads+hq)*headDim+headDim]
			for pos := lowerBound; pos <= upperBound; pos++ {
				weight := scores[pos] / sumExp
				vVec := vc[(pos*int64(numKVHeads)+int64(hkv))*int64(headDim) : (pos*int64(numKVHeads)+int64(hkv))*int64(headDim)+int64(headDim)]
				for d := 0; d < headDim; d++ {
					oVec[d] += float32(weight) * vVec[d]
				}
			}
		}
	}
	return out, nil
}
