// Package device models the accelerator-probe, pipeline-cache, and
// device-loss surface of spec.md §4.3. It is backend-agnostic: a
// [Backend] implementation is whatever actually owns buffers/compute
// pipelines (a real WebGPU binding, or — as shipped here — a CPU
// reference backend), and [Device] wraps one with capability probing,
// a shared pipeline cache, and loss tracking.
package device

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dopplerai/doppler/internal/errs"
	"github.com/dopplerai/doppler/internal/logging"
)

// Features reports the accelerator's optional capabilities, probed once
// at startup per spec.md §4.3.
type Features struct {
	HalfPrecisionCompute bool
	SubgroupOps          bool
	TimestampQueries      bool
}

// Limits reports the accelerator's buffer and binding size ceilings.
type Limits struct {
	MaxBufferSize        uint64
	MaxStorageBindingSize uint64
}

// Capabilities is the result of a one-time device probe.
type Capabilities struct {
	AdapterName          string
	Limits               Limits
	Features             Features
	PreferredWorkgroupSize int
}

// Backend is the hal-shaped surface a concrete accelerator implements.
// CreateBuffer/DestroyBuffer back the buffer pool; CreateComputePipeline
// backs the kernel library's compiled-pipeline cache; Submit models the
// single host queue of spec.md §5.
type Backend interface {
	Name() string
	Probe(ctx context.Context) (Capabilities, error)
	CreateBuffer(byteSize uint64) (BufferHandle, error)
	DestroyBuffer(BufferHandle)
	CreateComputePipeline(kernelID string, specialization string) (PipelineHandle, error)
	Submit(ctx context.Context, fn func() error) error
	Close() error
}

// BufferHandle is an opaque backend-owned buffer identity.
type BufferHandle interface {
	Bytes() []byte
}

// PipelineHandle is an opaque compiled-pipeline identity.
type PipelineHandle interface {
	KernelID() string
}

// pipelineCacheCapacity bounds the number of distinct (kernelId,
// specializationKey) compilations kept resident; eviction beyond this is
// acceptable since recompilation is idempotent (spec.md §5).
const pipelineCacheCapacity = 256

// Device wraps a Backend with the probed capability set, a shared
// compiled-pipeline cache keyed by (kernelId, specializationKey), and
// loss tracking, per spec.md §4.3.
type Device struct {
	backend Backend

	mu     sync.RWMutex
	caps   Capabilities
	probed bool
	lost   bool
	lostCh chan struct{}

	pipelines *lru.Cache[uint64, PipelineHandle]
}

// New wraps backend in a Device. The device is not probed until Probe is
// called explicitly (mirrors the teacher's explicit init→active lifecycle).
func New(backend Backend) (*Device, error) {
	cache, err := lru.New[uint64, PipelineHandle](pipelineCacheCapacity)
	if err != nil {
		return nil, errs.New(errs.UnsupportedArchitecture, "failed to construct pipeline cache", err)
	}
	return &Device{
		backend:   backend,
		lostCh:    make(chan struct{}),
		pipelines: cache,
	}, nil
}

// Probe queries the backend once and caches the result. Calling it again
// re-probes (used by tests simulating capability changes); ordinary
// callers probe exactly once at startup.
func (d *Device) Probe(ctx context.Context) (Capabilities, error) {
	caps, err := d.backend.Probe(ctx)
	if err != nil {
		return Capabilities{}, errs.New(errs.DeviceLost, "accelerator probe failed", err)
	}
	d.mu.Lock()
	d.caps = caps
	d.probed = true
	d.mu.Unlock()
	logging.Get().Info("device probed", "adapter", caps.AdapterName, "maxBufferSize", caps.Limits.MaxBufferSize)
	return caps, nil
}

// Capabilities returns the last probed capability set.
func (d *Device) Capabilities() Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

// Lost reports whether the device has entered the lost state.
func (d *Device) Lost() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lost
}

// LostChan returns a channel that closes exactly once, when the device
// transitions to lost.
func (d *Device) LostChan() <-chan struct{} {
	return d.lostCh
}

// MarkLost transitions the device to the lost state. Idempotent. Every
// buffer handle issued before this point is considered invalid per
// spec.md §4.3; callers must re-init (create a new Device).
func (d *Device) MarkLost() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return
	}
	d.lost = true
	close(d.lostCh)
	logging.Get().Warn("device lost")
}

// checkLost returns ErrDeviceLost-kind error if the device is lost.
func (d *Device) checkLost() error {
	if d.Lost() {
		return errs.New(errs.DeviceLost, "device is lost; create a new pipeline", nil)
	}
	return nil
}

// CreateBuffer allocates a raw buffer from the backend. The buffer pool
// calls this on a bucket miss; it does not itself bucket-round.
func (d *Device) CreateBuffer(byteSize uint64) (BufferHandle, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	buf, err := d.backend.CreateBuffer(byteSize)
	if err != nil {
		return nil, errs.New(errs.CapacityExceeded, "backend buffer allocation failed", err)
	}
	return buf, nil
}

// DestroyBuffer releases a raw buffer back to the backend.
func (d *Device) DestroyBuffer(h BufferHandle) {
	d.backend.DestroyBuffer(h)
}

// specializationHash combines kernelID and specializationKey into the
// cache's lookup key, per spec.md §9's "(kernelId, specializationKey) →
// compiledPipeline" lookup.
func specializationHash(kernelID, specializationKey string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(kernelID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(specializationKey)
	return h.Sum64()
}

// CompilePipeline returns the cached compiled pipeline for
// (kernelID, specializationKey), compiling on a cache miss. Misses are
// compiled under the device mutex with a second cache lookup, so racing
// compiles for the same key collapse to one backend compile; compiles
// of different keys are serialized as well.
func (d *Device) CompilePipeline(kernelID, specializationKey string) (PipelineHandle, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	key := specializationHash(kernelID, specializationKey)
	if p, ok := d.pipelines.Get(key); ok {
		return p, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pipelines.Get(key); ok {
		return p, nil
	}
	p, err := d.backend.CreateComputePipeline(kernelID, specializationKey)
	if err != nil {
		return nil, errs.Newf(errs.UnsupportedArchitecture, err, "failed to compile kernel %q", kernelID)
	}
	d.pipelines.Add(key, p)
	return p, nil
}

// Submit runs fn as the next unit of work on the device's single queue.
func (d *Device) Submit(ctx context.Context, fn func() error) error {
	if err := d.checkLost(); err != nil {
		return err
	}
	return d.backend.Submit(ctx, fn)
}

// Close releases the backend. The device transitions to lost as part of
// close so outstanding handles are recognized as invalid.
func (d *Device) Close() error {
	d.MarkLost()
	return d.backend.Close()
}
