// Package bufferpool implements the size-bucketed free-list GPU buffer
// allocator of spec.md §4.4, grounded on the buffer lifecycle shape of
// the teacher's internal/gpu Buffer/MemoryManager pair: buffers are
// reference-tracked while held by an owner, returned to a free-list on
// release, and reclaimed (here: actually freed to the device) once the
// pool's footprint crosses a high-water mark.
package bufferpool

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/dopplerai/doppler/internal/device"
	"github.com/dopplerai/doppler/internal/errs"
	"github.com/dopplerai/doppler/internal/heap"
	"github.com/dopplerai/doppler/internal/tensor"
)

// Usage tags what a buffer will be used for; it does not gate CPU-side
// behavior (the reference backend ignores it) but is recorded for
// diagnostics and mirrors the usage-flag shape a real accelerator needs.
type Usage int

const (
	UsageWeights Usage = iota
	UsageKV
	UsageScratch
	UsageStaging
)

// minBucketBytes is the smallest bucket size; requests smaller than this
// still consume a whole bucket, avoiding a proliferation of tiny buckets.
const minBucketBytes = 256

// Buffer is a pool-owned allocation. It carries a refcount of 1 while
// held by its current owner, matching spec.md §4.4's single-owner rule;
// Release returns it to the pool, after which the caller must not use it.
type Buffer struct {
	pool     *Pool
	handle   device.BufferHandle
	bucket   int64
	requested int64
	label    string
	dtype    tensor.DType
	released bool
}

// Bytes returns the buffer's backing storage. Only valid until Release.
func (b *Buffer) Bytes() []byte { return b.handle.Bytes() }

// Size returns the bucket-rounded size actually backing this buffer.
func (b *Buffer) Size() int64 { return b.bucket }

// Requested returns the originally requested byte size (≤ Size()).
func (b *Buffer) Requested() int64 { return b.requested }

// Label returns the debug label given at acquire time.
func (b *Buffer) Label() string { return b.label }

// DType returns the dtype tag set at acquire time.
func (b *Buffer) DType() tensor.DType { return b.dtype }

// handleID gives a stable identity for heap-manager bookkeeping.
func (b *Buffer) handleID() uintptr { return uintptr(unsafe.Pointer(b)) }

// LabelStats aggregates usage for one label across the pool's lifetime.
type LabelStats struct {
	Label        string
	BytesActive  int64
	BuffersActive int
}

// Stats is the pool-wide snapshot of spec.md §4.4's getStats().
type Stats struct {
	CurrentBytesAllocated int64
	CurrentBytesRequested int64
	PeakBytesAllocated    int64
	ActiveBuffers         int
	PooledBuffers         int
	HitRate               float64
	PerLabel              []LabelStats
}

// Pool is the size-bucketed free-list allocator. Safe for concurrent use;
// every acquire/release is atomic with respect to stats (spec.md §4.4's
// invariant 4).
type Pool struct {
	mu sync.Mutex

	dev  *device.Device
	heap *heap.Manager

	free map[int64][]*Buffer // bucket size -> free list (front = oldest; Acquire reuses from the back)

	currentBytesAllocated int64
	currentBytesRequested int64
	peakBytesAllocated    int64
	activeBuffers         int
	hits, misses          int64
	perLabel              map[string]*LabelStats

	highWaterBytes int64
	lowWaterBytes  int64
}

// Config configures a new Pool.
type Config struct {
	// HighWaterBytes triggers reclamation of pooled (free) buffers once
	// total pool footprint (active+pooled) exceeds it. Zero disables
	// proactive reclamation (buffers are only freed at DestroyPool).
	HighWaterBytes int64
	// LowWaterBytes is the footprint reclamation stops at. Defaults to
	// HighWaterBytes/2 if zero and HighWaterBytes > 0.
	LowWaterBytes int64
}

// New constructs a Pool over dev, registering allocations with hm.
func New(dev *device.Device, hm *heap.Manager, cfg Config) *Pool {
	low := cfg.LowWaterBytes
	if low == 0 && cfg.HighWaterBytes > 0 {
		low = cfg.HighWaterBytes / 2
	}
	return &Pool{
		dev:            dev,
		heap:           hm,
		free:           make(map[int64][]*Buffer),
		perLabel:       make(map[string]*LabelStats),
		highWaterBytes: cfg.HighWaterBytes,
		lowWaterBytes:  low,
	}
}

// nextBucket rounds byteSize up to the bucket ladder: powers of two from
// minBucketBytes upward. Monotone: bucket(n) >= n always.
func nextBucket(byteSize int64) int64 {
	if byteSize <= minBucketBytes {
		return minBucketBytes
	}
	b := int64(minBucketBytes)
	for b < byteSize {
		b <<= 1
	}
	return b
}

// Acquire returns a buffer of at least byteSize bytes, rounded to the
// next bucket. Reuses a free buffer from that bucket if one exists;
// otherwise allocates from the device.
func (p *Pool) Acquire(byteSize int64, usage Usage, label string, dtype tensor.DType) (*Buffer, error) {
	if byteSize <= 0 {
		return nil, errs.New(errs.ShapeMismatch, "bufferpool: acquire requires a positive byte size", nil)
	}
	bucket := nextBucket(byteSize)

	p.mu.Lock()
	if list := p.free[bucket]; len(list) > 0 {
		buf := list[len(list)-1]
		p.free[bucket] = list[:len(list)-1]
		buf.requested = byteSize
		buf.label = label
		buf.dtype = dtype
		buf.released = false
		p.accountAcquireLocked(buf, true)
		p.mu.Unlock()
		p.heap.Register(buf.handleID(), category(usage), bucket)
		return buf, nil

	}
	p.mu.Unlock()

	handle, err := p.dev.CreateBuffer(uint64(bucket))
	if err != nil {
		return nil, err
	}
	buf := &Buffer{pool: p, handle: handle, bucket: bucket, requested: byteSize, label: label, dtype: dtype}

	p.mu.Lock()
	p.accountAcquireLocked(buf, false)
	p.mu.Unlock()
	p.heap.Register(buf.handleID(), category(usage), bucket)

	return buf, nil
}

func category(u Usage) heap.Category {
	switch u {
	case UsageKV:
		return heap.CategoryKV
	case UsageScratch, UsageStaging:
		return heap.CategoryScratch
	default:
		return heap.CategoryWeights
	}
}

func (p *Pool) accountAcquireLocked(buf *Buffer, hit bool) {
	if hit {
		p.hits++
	} else {
		p.misses++
	}
	p.currentBytesAllocated += buf.bucket
	p.currentBytesRequested += buf.requested
	p.activeBuffers++
	if p.currentBytesAllocated > p.peakBytesAllocated {
		p.peakBytesAllocated = p.currentBytesAllocated
	}
	ls, ok := p.perLabel[buf.label]
	if !ok {
		ls = &LabelStats{Label: buf.label}
		p.perLabel[buf.label] = ls
	}
	ls.BytesActive += buf.bucket
	ls.BuffersActive++
}

// Release returns buf to its bucket's free list. Double-release is
// rejected with an error so callers notice ownership bugs rather than
// corrupting pool accounting.
func (p *Pool) Release(buf *Buffer) error {
	if buf == nil {
		return nil
	}
	p.mu.Lock()
	if buf.released {
		p.mu.Unlock()
		return errs.New(errs.ShapeMismatch, "bufferpool: double release of buffer", nil)
	}
	buf.released = true
	p.currentBytesAllocated -= buf.bucket
	p.currentBytesRequested -= buf.requested
	p.activeBuffers--
	if ls, ok := p.perLabel[buf.label]; ok {
		ls.BytesActive -= buf.bucket
		ls.BuffersActive--
	}
	p.free[buf.bucket] = append(p.free[buf.bucket], buf)
	p.mu.Unlock()

	p.heap.Unregister(buf.handleID())
	p.reclaimIfNeeded()
	return nil
}

// pooledBytes returns the total bytes currently sitting in free lists.
// Caller must hold p.mu.
func (p *Pool) pooledBytesLocked() int64 {
	var total int64
	for bucket, list := range p.free {
		total += bucket * int64(len(list))
	}
	return total
}

// reclaimIfNeeded frees pooled (not active) buffers, oldest first, until
// total footprint (active + pooled) is at or below the low-water mark.
func (p *Pool) reclaimIfNeeded() {
	if p.highWaterBytes <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	footprint := p.currentBytesAllocated + p.pooledBytesLocked()
	if footprint <= p.highWaterBytes {
		return
	}

	// Flatten all pooled buffers with a synthetic age key (insertion
	// order within each bucket) and free oldest-bucket-wise first; since
	// buckets are independent free lists we simply drain from the front
	// of each bucket's list (oldest entries) round-robin by bucket size
	// ascending, which tends to reclaim small scratch buffers before
	// large weight-sized ones.
	buckets := make([]int64, 0, len(p.free))
	for b := range p.free {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	for footprint > p.lowWaterBytes {
		freedAny := false
		for _, b := range buckets {
			list := p.free[b]
			if len(list) == 0 {
				continue
			}
			victim := list[0]
			p.free[b] = list[1:]
			p.dev.DestroyBuffer(victim.handle)
			footprint -= b
			freedAny = true
			if footprint <= p.lowWaterBytes {
				break
			}
		}
		if !freedAny {
			break
		}
	}
}

// DestroyPool frees every pooled (free-list) buffer to the device and
// zeroes the active/requested byte counters and per-label stats. Buffers
// still held by callers are not tracked by the pool, so they are not
// freed to the device here and their handles stay backed. Callers must
// not use any Buffer obtained from this pool afterward.
func (p *Pool) DestroyPool() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, list := range p.free {
		for _, buf := range list {
			p.dev.DestroyBuffer(buf.handle)
		}
	}
	p.free = make(map[int64][]*Buffer)
	p.currentBytesAllocated = 0
	p.currentBytesRequested = 0
	p.activeBuffers = 0
	p.perLabel = make(map[string]*LabelStats)
}

// GetStats returns the current pool-wide statistics snapshot.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var hitRate float64
	if total := p.hits + p.misses; total > 0 {
		hitRate = float64(p.hits) / float64(total)
	}

	pooled := 0
	for _, list := range p.free {
		pooled += len(list)
	}

	perLabel := make([]LabelStats, 0, len(p.perLabel))
	for _, ls := range p.perLabel {
		perLabel = append(perLabel, *ls)
	}
	sort.Slice(perLabel, func(i, j int) bool { return perLabel[i].Label < perLabel[j].Label })

	return Stats{
		CurrentBytesAllocated: p.currentBytesAllocated,
		CurrentBytesRequested: p.currentBytesRequested,
		PeakBytesAllocated:    p.peakBytesAllocated,
		ActiveBuffers:         p.activeBuffers,
		PooledBuffers:         pooled,
		HitRate:               hitRate,
		PerLabel:              perLabel,
	}
}
