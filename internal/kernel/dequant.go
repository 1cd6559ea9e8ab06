package kernel

import (
	"math"

	"github.com/dopplerai/doppler/internal/errs"
	"github.com/dopplerai/doppler/internal/tensor"
)

// bf16ToFloat32 widens a bfloat16 value (float32's high 16 bits) to f32.
func bf16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

// dequantizeQ8_0 decodes a q8_0-encoded buffer (2-byte f16 scale + 32
// signed int8 values per block) into out.
func dequantizeQ8_0(raw []byte, out []float32) error {
	bb := tensor.Q8_0.BlockBytes()
	blockSize := tensor.Q8_0.BlockSize()
	numBlocks := len(raw) / bb
	if numBlocks*bb != len(raw) {
		return errs.New(errs.ShapeMismatch, "dequantize: q8_0 buffer length is not a multiple of the block size", nil)
	}

	pos := 0
	for blk := 0; blk < numBlocks && pos < len(out); blk++ {
		block := raw[blk*bb : (blk+1)*bb]
		scale := float16ToFloat32(uint16(block[0]) | uint16(block[1])<<8)
		vals := block[2:]
		for i := 0; i < blockSize && pos < len(out); i++ {
			out[pos] = float32(int8(vals[i])) * scale
			pos++
		}
	}
	return nil
}

// DequantizeTensor decodes raw (in dtype's on-disk encoding) into a flat
// []float32 of exactly numElements values. Its q4_k case uses the same
// row decoder as MatMulQ4K. The tensor resolver calls it to dequantize
// every weight once, at pipeline load.
func DequantizeTensor(dtype tensor.DType, raw []byte, numElements int64) ([]float32, error) {
	out := make([]float32, numElements)
	switch dtype {
	case tensor.F32:
		view := Float32View(raw)
		if int64(len(view)) != numElements {
			return nil, errs.Newf(errs.ShapeMismatch, nil, "dequantize: f32 buffer has %d elements, want %d", len(view), numElements)
		}
		copy(out, view)
	case tensor.F16:
		if int64(len(raw)) != numElements*2 {
			return nil, errs.Newf(errs.ShapeMismatch, nil, "dequantize: f16 buffer has %d bytes, want %d", len(raw), numElements*2)
		}
		for i := range out {
			out[i] = float16ToFloat32(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
		}
	case tensor.BF16:
		if int64(len(raw)) != numElements*2 {
			return nil, errs.Newf(errs.ShapeMismatch, nil, "dequantize: bf16 buffer has %d bytes, want %d", len(raw), numElements*2)
		}
		for i := range out {
			out[i] = bf16ToFloat32(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
		}
	case tensor.Q8_0:
		if err := dequantizeQ8_0(raw, out); err != nil {
			return nil, err
		}
	case tensor.Q4K:
		if err := dequantizeQ4KRow(raw, out); err != nil {
			return nil, err
		}
	default:
		return nil, errs.Newf(errs.UnsupportedDtype, nil, "dequantize: unsupported dtype %s", dtype)
	}
	return out, nil
}
