// Package tensor holds the value types shared by the manifest, the buffer
// pool, and the kernel library: dtypes, logical shapes, and tensor roles.
// It has no dependency on any other internal package, matching the
// "leaves first" dependency order the system is specified with.
package tensor

import "fmt"

// DType is a tensor element type. Quantized dtypes describe the *logical*
// element; their on-disk storage layout is dtype-specific (see
// [DType.BlockSize]/[DType.BlockBytes]) but the logical shape is always
// preserved.
type DType int

const (
	// F32 is IEEE-754 single precision.
	F32 DType = iota + 1
	// F16 is IEEE-754 half precision.
	F16
	// BF16 is bfloat16.
	BF16
	// Q8_0 is a per-block int8 quantization: one f16 scale per 32 elements.
	Q8_0
	// Q4K is a per-superblock 4-bit quantization (256-element superblocks
	// of 8 32-element sub-blocks: one f16 scale + f16 min per superblock,
	// plus a 6-bit scale/min pair per sub-block).
	Q4K
)

// ParseDType maps a manifest dtype string to a DType. Returns false for
// any name outside the supported set.
func ParseDType(s string) (DType, bool) {
	switch s {
	case "f32":
		return F32, true
	case "f16":
		return F16, true
	case "bf16":
		return BF16, true
	case "q8_0":
		return Q8_0, true
	case "q4_k":
		return Q4K, true
	default:
		return 0, false
	}
}

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case Q8_0:
		return "q8_0"
	case Q4K:
		return "q4_k"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// IsQuantized reports whether d is a block-quantized integer format whose
// storage layout differs from its logical shape's element count.
func (d DType) IsQuantized() bool {
	return d == Q8_0 || d == Q4K
}

// BlockSize returns the number of logical elements per quantization block,
// or 1 for unquantized dtypes.
func (d DType) BlockSize() int {
	switch d {
	case Q8_0:
		return 32
	case Q4K:
		return 256
	default:
		return 1
	}
}

// BlockBytes returns the on-disk byte size of one quantization block.
func (d DType) BlockBytes() int {
	switch d {
	case Q8_0:
		// 2 bytes f16 scale + 32 x int8
		return 2 + 32
	case Q4K:
		// 2 bytes f16 super-scale + 2 bytes f16 super-min + 8 sub-block
		// 6-bit scale/min pairs packed into 12 bytes + 128 bytes of packed
		// 4-bit weights (256 elements at 4 bits each).
		return 2 + 2 + 12 + 128
	default:
		return 0
	}
}

// StorageBytes returns the number of bytes required to store count logical
// elements of dtype d.
func (d DType) StorageBytes(count int64) int64 {
	switch d {
	case F32:
		return count * 4
	case F16, BF16:
		return count * 2
	case Q8_0, Q4K:
		bs := int64(d.BlockSize())
		blocks := (count + bs - 1) / bs
		return blocks * int64(d.BlockBytes())
	default:
		return 0
	}
}
