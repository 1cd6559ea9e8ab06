// Package layer executes one transformer block: the fixed eight-step
// order of spec.md §4.8, unified across prefill (T = |prompt|) and
// decode (T = 1) by varying only T and the KV read length.
package layer

import (
	"math"

	"github.com/dopplerai/doppler/internal/errs"
	"github.com/dopplerai/doppler/internal/kernel"
	"github.com/dopplerai/doppler/internal/kvcache"
)

// Weights holds one layer's resident parameters, already resolved to f32
// (quantized tensors are dequantized once at pipeline-creation time by
// kernel.DequantizeTensor rather than per-dispatch).
type Weights struct {
	AttnNormW []float32
	FFNNormW  []float32

	WQ, WK, WV, WO    []float32 // each row-major [outDim, hidden], used with transposeB
	WGate, WUp, WDown []float32 // dense FFN only

	// MoE fields; NumExperts == 0 means the model is dense.
	NumExperts  int
	TopKExperts int
	ExpertWGate [][]float32
	ExpertWUp   [][]float32
	ExpertWDown [][]float32
	RouterW     []float32 // [hidden, numExperts]
}

// IsMoE reports whether this layer uses expert routing for its FFN.
func (w Weights) IsMoE() bool { return w.NumExperts > 0 }

// Config carries the architecture fields a layer needs to interpret its
// weights and dispatch kernels.
type Config struct {
	HiddenDim     int
	NumHeads      int
	NumKVHeads    int
	HeadDim       int
	FFNDim        int
	NormEps       float32
	RopeBase      float64
	Activation    kernel.Activation
	Mask          kernel.MaskKind
	SlidingWindow int64
	AttnSoftcap   float64
}

// Block executes layer index layerIdx over input hidden states X:[T,H],
// returning Y:[T,H]. positions gives the absolute sequence position of
// each of the T rows (for RoPE and the causal/sliding mask bound); cache
// must already hold layerIdx's prior K/V for positions < positions[0].
func Block(layerIdx int, x []float32, t int, positions []int64, w Weights, cfg Config, cache *kvcache.Cache) ([]float32, error) {
	h := cfg.HiddenDim
	if len(x) != t*h {
		return nil, errs.Newf(errs.ShapeMismatch, nil, "layer: X has %d elements, want %d", len(x), t*h)
	}

	// 1. X_n = rmsnorm(X, attn_norm_w)
	xn, err := kernel.RMSNorm(x, w.AttnNormW, cfg.NormEps, t, h)
	if err != nil {
		return nil, err
	}

	// 2. Q,K,V = matmul_split(X_n, W_qkv); RoPE on Q,K.
	q, err := kernel.MatMul(xn, w.WQ, t, h, cfg.NumHeads*cfg.HeadDim, true)
	if err != nil {
		return nil, err
	}
	k, err := kernel.MatMul(xn, w.WK, t, h, cfg.NumKVHeads*cfg.HeadDim, true)
	if err != nil {
		return nil, err
	}
	v, err := kernel.MatMul(xn, w.WV, t, h, cfg.NumKVHeads*cfg.HeadDim, true)
	if err != nil {
		return nil, err
	}
	// RoPE rotates its Q and K arguments in place and requires both to
	// share Q's head count per call, so Q and K (which may have
	// different head counts under GQA/MQA) are rotated in two calls,
	// each paired with a same-shaped scratch buffer for the unused slot.
	qScratch := make([]float32, len(q))
	if err := kernel.RoPE(q, qScratch, positions, cfg.RopeBase, t, cfg.NumHeads, cfg.HeadDim); err != nil {
		return nil, err
	}
	kScratch := make([]float32, len(k))
	if err := kernel.RoPE(kScratch, k, positions, cfg.RopeBase, t, cfg.NumKVHeads, cfg.HeadDim); err != nil {
		return nil, err
	}

	// 3. K_cache.append(i, K); V_cache.append(i, V) — all-or-nothing commit.
	if err := cache.Append(layerIdx, kernel.BytesOfFloat32(k), kernel.BytesOfFloat32(v), int64(t)); err != nil {
		return nil, err
	}

	// 4. A = attention(Q, K_cache[i], V_cache[i], mask_kind)
	kView, vView, seqLen, err := cache.Read(layerIdx)
	if err != nil {
		return nil, err
	}
	scale := 1.0 / math.Sqrt(float64(cfg.HeadDim))
	attn, err := kernel.FlashAttention(q, kernel.Float32View(kView), kernel.Float32View(vView),
		t, cfg.NumHeads, cfg.NumKVHeads, cfg.HeadDim, seqLen,
		kernel.AttentionParams{Mask: cfg.Mask, SlidingWindow: cfg.SlidingWindow, Scale: scale, Softcap: cfg.AttnSoftcap, QueryPos: positions})
	if err != nil {
		return nil, err
	}

	// 5. X = X + matmul(A, W_o) (residual)
	attnOut, err := kernel.MatMul(attn, w.WO, t, cfg.NumHeads*cfg.HeadDim, h, true)
	if err != nil {
		return nil, err
	}
	x1 := addInPlace(append([]float32(nil), x...), attnOut)

	// 6. X_n = rmsnorm(X, ffn_norm_w)
	xn2, err := kernel.RMSNorm(x1, w.FFNNormW, cfg.NormEps, t, h)
	if err != nil {
		return nil, err
	}

	// 7. F = activation(matmul(X_n, W_gate)) ⊙ matmul(X_n, W_up) — or MoE,
	//    which folds its own W_down per expert and returns a hidden-space
	//    (not FFNDim-space) delta.
	var residual []float32
	if w.IsMoE() {
		residual, err = moeFFN(xn2, w, cfg, t, h)
		if err != nil {
			return nil, err
		}
		return addInPlace(x1, residual), nil
	}

	ffnOut, err := denseFFN(xn2, w, cfg, t, h)
	if err != nil {
		return nil, err
	}

	// 8. Y = X + matmul(F, W_down)
	down, err := kernel.MatMul(ffnOut, w.WDown, t, cfg.FFNDim, h, true)
	if err != nil {
		return nil, err
	}
	return addInPlace(x1, down), nil
}

func denseFFN(xn []float32, w Weights, cfg Config, t, h int) ([]float32, error) {
	gate, err := kernel.MatMul(xn, w.WGate, t, h, cfg.FFNDim, true)
	if err != nil {
		return nil, err
	}
	up, err := kernel.MatMul(xn, w.WUp, t, h, cfg.FFNDim, true)
	if err != nil {
		return nil, err
	}
	return kernel.GatedFFN(gate, up, cfg.Activation)
}

// moeFFN routes each of the T rows to its top-k experts (higher raw
// router score wins; ties broken by lower expert index, per spec.md
// §4.8 step 7), runs each chosen expert's own gate/up/down FFN, and
// scatter-adds the per-expert outputs (already in hidden-dim space)
// into a single [T,H] delta.
func moeFFN(xn []float32, w Weights, cfg Config, t, h int) ([]float32, error) {
	scores, err := kernel.MatMul(xn, w.RouterW, t, h, w.NumExperts, false)
	if err != nil {
		return nil, err
	}

	out := make([]float32, t*h)
	for row := 0; row < t; row++ {
		rowScores := scores[row*w.NumExperts : row*w.NumExperts+w.NumExperts]
		chosen := topKExperts(rowScores, w.TopKExperts)

		xrow := xn[row*h : row*h+h]
		orow := out[row*h : row*h+h]
		for _, expert := range chosen {
			gate, err := kernel.MatMul(xrow, w.ExpertWGate[expert], 1, h, cfg.FFNDim, true)
			if err != nil {
				return nil, err
			}
			up, err := kernel.MatMul(xrow, w.ExpertWUp[expert], 1, h, cfg.FFNDim, true)
			if err != nil {
				return nil, err
			}
			gated, err := kernel.GatedFFN(gate, up, cfg.Activation)
			if err != nil {
				return nil, err
			}
			down, err := kernel.MatMul(gated, w.ExpertWDown[expert], 1, cfg.FFNDim, h, true)
			if err != nil {
				return nil, err
			}
			for d := 0; d < h; d++ {
				orow[d] += down[d]
			}
		}
	}
	return out, nil
}

// topKExperts returns the indices of the topK greatest scores, ties
// broken by lower expert index, per spec.md §4.8 step 7.
func topKExperts(scores []float32, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0; j-- {
			a, b := idx[j-1], idx[j]
			if scores[a] < scores[b] || (scores[a] == scores[b] && a > b) {
				idx[j-1], idx[j] = idx[j], idx[j-1]
			} else {
				break
			}
		}
	}
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

func addInPlace(dst, src []float32) []float32 {
	for i := range dst {
		dst[i] += src[i]
	}
	return dst
}
