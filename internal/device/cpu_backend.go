package device

import (
	"context"
	"runtime"
)

// cpuBuffer is a plain heap allocation standing in for a GPU buffer.
type cpuBuffer struct {
	data []byte
}

func (b *cpuBuffer) Bytes() []byte { return b.data }

// cpuPipeline is a no-op compiled pipeline; CPUBackend's kernels run
// directly against Go slices rather than dispatching a compiled shader,
// so the handle only needs to remember which kernel it was compiled for.
type cpuPipeline struct {
	kernelID string
}

func (p *cpuPipeline) KernelID() string { return p.kernelID }

// CPUBackend is the reference [Backend] implementation: every kernel
// executes as ordinary Go code over byte slices instead of dispatching
// to a real accelerator. It reports the same capability/limit shape a
// WebGPU-class device would, so the rest of the engine (device probing,
// pipeline cache, buffer pool) is exercised identically to a real
// backend; only the innermost compute step differs.
type CPUBackend struct {
	maxBufferSize uint64
}

// NewCPUBackend constructs a CPUBackend. maxBufferSize caps a single
// allocation, defaulting to 1 GiB if zero.
func NewCPUBackend(maxBufferSize uint64) *CPUBackend {
	if maxBufferSize == 0 {
		maxBufferSize = 1 << 30
	}
	return &CPUBackend{maxBufferSize: maxBufferSize}
}

func (b *CPUBackend) Name() string { return "cpu-reference" }

func (b *CPUBackend) Probe(ctx context.Context) (Capabilities, error) {
	return Capabilities{
		AdapterName: "cpu-reference/" + runtime.GOARCH,
		Limits: Limits{
			MaxBufferSize:         b.maxBufferSize,
			MaxStorageBindingSize: b.maxBufferSize,
		},
		Features: Features{
			HalfPrecisionCompute: true,
			SubgroupOps:          false,
			TimestampQueries:     true,
		},
		PreferredWorkgroupSize: 64,
	}, nil
}

func (b *CPUBackend) CreateBuffer(byteSize uint64) (BufferHandle, error) {
	return &cpuBuffer{data: make([]byte, byteSize)}, nil
}

func (b *CPUBackend) DestroyBuffer(BufferHandle) {
	// Backed by the Go GC; nothing to release explicitly.
}

func (b *CPUBackend) CreateComputePipeline(kernelID string, specialization string) (PipelineHandle, error) {
	return &cpuPipeline{kernelID: kernelID}, nil
}

func (b *CPUBackend) Submit(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

func (b *CPUBackend) Close() error { return nil }
