package kernel

import "unsafe"

// Float32View reinterprets a byte slice backing an f32 buffer as a
// []float32 without copying. Callers must not resize or retain the byte
// slice's backing array beyond the buffer's own lifetime.
func Float32View(b []byte) []float32 {
	if len(b)%4 != 0 {
		panic("kernel: Float32View requires a length multiple of 4")
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// BytesOfFloat32 reinterprets a []float32 as its backing bytes without
// copying.
func BytesOfFloat32(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}
