// Package kvcache implements the per-layer key/value cache of spec.md
// §4.7: one (K, V) buffer pair per decoder layer, advanced in lockstep
// across layers, backed by [bufferpool.Buffer]s so KV memory shares the
// pool's accounting and the heap manager's budget with resident weights.
package kvcache

import (
	"github.com/dopplerai/doppler/internal/bufferpool"
	"github.com/dopplerai/doppler/internal/errs"
	"github.com/dopplerai/doppler/internal/tensor"
)

// Layout selects the KV storage layout. Only Contiguous is implemented;
// Paged is named so callers/tests can assert the field exists per
// spec.md §3's "layout (contiguous vs paged)" attribute.
type Layout string

const (
	LayoutContiguous Layout = "contiguous"
	LayoutPaged      Layout = "paged"
)

// Stats mirrors spec.md §4.7's stats() result.
type Stats struct {
	Allocated  int64
	Used       int64
	Efficiency float64
	SeqLen     int64
	MaxSeqLen  int64
	Layout     Layout
}

type layerEntry struct {
	k, v    *bufferpool.Buffer
	written bool // this round, at the current pending token count
}

// Cache holds one (K, V) pair per layer. Not safe for concurrent use
// beyond the single-generation invariant spec.md §5 already requires of
// its caller (the layer engine / pipeline).
type Cache struct {
	pool *bufferpool.Pool

	numLayers   int
	numKVHeads  int
	headDim     int64
	maxSeqLen   int64
	dtype       tensor.DType
	rowBytes    int64 // bytes per token per layer, across all kv heads

	layers []layerEntry

	seqLen        int64
	pendingTokens int64
	pendingCount  int
}

// Config describes the cache shape, taken directly from the manifest's
// architecture block.
type Config struct {
	NumLayers  int
	NumKVHeads int
	HeadDim    int64
	MaxSeqLen  int64
	DType      tensor.DType
}

// New allocates a K and V buffer per layer from pool, each sized for
// [MaxSeqLen, NumKVHeads, HeadDim] in DType, per spec.md §4.7's "On
// pipeline creation, each entry is allocated for
// [max_context, num_kv_heads, head_dim]".
func New(pool *bufferpool.Pool, cfg Config) (*Cache, error) {
	if cfg.NumLayers <= 0 || cfg.NumKVHeads <= 0 || cfg.HeadDim <= 0 || cfg.MaxSeqLen <= 0 {
		return nil, errs.New(errs.ShapeMismatch, "kvcache: config fields must all be positive", nil)
	}

	rowElems := int64(cfg.NumKVHeads) * cfg.HeadDim
	rowBytes := cfg.DType.StorageBytes(rowElems)
	totalBytes := rowBytes * cfg.MaxSeqLen

	c := &Cache{
		pool:       pool,
		numLayers:  cfg.NumLayers,
		numKVHeads: cfg.NumKVHeads,
		headDim:    cfg.HeadDim,
		maxSeqLen:  cfg.MaxSeqLen,
		dtype:      cfg.DType,
		rowBytes:   rowBytes,
		layers:     make([]layerEntry, cfg.NumLayers),
	}

	for i := 0; i < cfg.NumLayers; i++ {
		k, err := pool.Acquire(totalBytes, bufferpool.UsageKV, "kv.k", cfg.DType)
		if err != nil {
			c.releaseAllocated(i)
			return nil, err
		}
		v, err := pool.Acquire(totalBytes, bufferpool.UsageKV, "kv.v", cfg.DType)
		if err != nil {
			_ = pool.Release(k)
			c.releaseAllocated(i)
			return nil, err
		}
		c.layers[i] = layerEntry{k: k, v: v}
	}

	return c, nil
}

func (c *Cache) releaseAllocated(upTo int) {
	for i := 0; i < upTo; i++ {
		_ = c.pool.Release(c.layers[i].k)
		_ = c.pool.Release(c.layers[i].v)
	}
}

// Append writes newTokens worth of K/V rows for layerIdx at the current
// sequence position. Fails with CapacityExceeded (and writes nothing)
// when seqLen + newTokens > maxSeqLen. The global seqLen only advances
// once every layer has appended for this round, giving the all-or-
// nothing commit semantics of spec.md §4.8: if any layer's append fails,
// seqLen never advances past its pre-round value.
func (c *Cache) Append(layerIdx int, kNew, vNew []byte, newTokens int64) error {
	if layerIdx < 0 || layerIdx >= c.numLayers {
		return errs.Newf(errs.ShapeMismatch, nil, "kvcache: layer index %d out of range [0,%d)", layerIdx, c.numLayers)
	}
	if newTokens <= 0 {
		return errs.New(errs.ShapeMismatch, "kvcache: newTokens must be positive", nil)
	}
	if c.pendingCount > 0 && c.pendingTokens != newTokens {
		return errs.New(errs.ShapeMismatch, "kvcache: newTokens must match across layers within one round", nil)
	}
	if c.seqLen+newTokens > c.maxSeqLen {
		return errs.Newf(errs.CapacityExceeded, nil, "kvcache: append would grow seqLen to %d, exceeding maxSeqLen %d", c.seqLen+newTokens, c.maxSeqLen)
	}

	entry := &c.layers[layerIdx]
	if entry.written {
		return errs.Newf(errs.ShapeMismatch, nil, "kvcache: layer %d already appended this round", layerIdx)
	}

	want := newTokens * c.rowBytes
	if int64(len(kNew)) != want || int64(len(vNew)) != want {
		return errs.Newf(errs.ShapeMismatch, nil, "kvcache: K/V payload size %d/%d, want %d", len(kNew), len(vNew), want)
	}

	off := c.seqLen * c.rowBytes
	copy(entry.k.Bytes()[off:off+want], kNew)
	copy(entry.v.Bytes()[off:off+want], vNew)
	entry.written = true
	c.pendingTokens = newTokens
	c.pendingCount++

	if c.pendingCount == c.numLayers {
		c.seqLen += newTokens
		c.pendingCount = 0
		c.pendingTokens = 0
		for i := range c.layers {
			c.layers[i].written = false
		}
	}

	return nil
}

// Read returns the valid K/V prefix for layerIdx: if this layer has
// already appended within the in-progress round, the view includes
// those rows even though the cache-wide seqLen has not advanced yet
// (later layers in the same round still need the earlier layers'
// freshly-appended rows to be visible to attention before commit).
func (c *Cache) Read(layerIdx int) (kView, vView []byte, seqLen int64, err error) {
	if layerIdx < 0 || layerIdx >= c.numLayers {
		return nil, nil, 0, errs.Newf(errs.ShapeMismatch, nil, "kvcache: layer index %d out of range [0,%d)", layerIdx, c.numLayers)
	}
	effective := c.seqLen
	if c.layers[layerIdx].written {
		effective += c.pendingTokens
	}
	n := effective * c.rowBytes
	return c.layers[layerIdx].k.Bytes()[:n], c.layers[layerIdx].v.Bytes()[:n], effective, nil
}

// Reset sets every layer's seqLen to 0 without freeing any buffer.
func (c *Cache) Reset() {
	c.seqLen = 0
	c.pendingTokens = 0
	c.pendingCount = 0
	for i := range c.layers {
		c.layers[i].written = false
	}
}

// SeqLen returns the committed (cache-wide) sequence length.
func (c *Cache) SeqLen() int64 { return c.seqLen }

// MaxSeqLen returns the configured maximum sequence length.
func (c *Cache) MaxSeqLen() int64 { return c.maxSeqLen }

// Stats reports the cache's current usage.
func (c *Cache) Stats() Stats {
	allocated := c.rowBytes * c.maxSeqLen * int64(c.numLayers) * 2
	used := c.rowBytes * c.seqLen * int64(c.numLayers) * 2
	var efficiency float64
	if allocated > 0 {
		efficiency = float64(used) / float64(allocated)
	}
	return Stats{
		Allocated:  allocated,
		Used:       used,
		Efficiency: efficiency,
		SeqLen:     c.seqLen,
		MaxSeqLen:  c.maxSeqLen,
		Layout:     LayoutContiguous,
	}
}

// Release returns every layer's K/V buffer to the pool. The cache must
// not be used afterward.
func (c *Cache) Release() {
	c.releaseAllocated(c.numLayers)
}
