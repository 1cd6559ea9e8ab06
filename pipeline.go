package doppler

import (
	"context"
	"sync"
	"unsafe"

	"golang.org/x/sync/semaphore"

	"github.com/dopplerai/doppler/internal/bufferpool"
	"github.com/dopplerai/doppler/internal/device"
	"github.com/dopplerai/doppler/internal/errs"
	"github.com/dopplerai/doppler/internal/heap"
	"github.com/dopplerai/doppler/internal/kernel"
	"github.com/dopplerai/doppler/internal/kvcache"
	"github.com/dopplerai/doppler/internal/layer"
	"github.com/dopplerai/doppler/internal/logging"
	"github.com/dopplerai/doppler/internal/shardstore"
	"github.com/dopplerai/doppler/internal/tensor"
	"github.com/dopplerai/doppler/internal/tokenizer"
)

// PipelineOptions configures CreatePipeline. Backend and KVStore default
// to a CPU reference backend and an in-memory key-value store when nil;
// a nil DirStore leaves the directory backend out. A pipeline can thus be
// built with zero external wiring for tests; production callers supply a
// real accelerator backend and/or a directory-rooted store.
type PipelineOptions struct {
	Config              RuntimeConfig
	Backend             device.Backend
	DirStore            shardstore.Backend
	KVStore             shardstore.Backend
	Tokenizer           tokenizer.Tokenizer
	HeapBudgetBytes     int64
	BufferPoolHighWater int64
	OnProgress          ProgressFunc
}

// Pipeline is spec.md §4.9's model-level orchestrator: it owns the
// manifest, every resident weight, the per-layer KV cache, and the
// runtime knobs frozen at creation time. Only one Generate call may be
// in flight at a time (§5's single-generation invariant).
type Pipeline struct {
	modelID  string
	manifest *Manifest
	config   RuntimeConfig

	dev  *device.Device
	hm   *heap.Manager
	pool *bufferpool.Pool
	kv   *kvcache.Cache

	embed       []float32
	outputEmbed []float32 // nil when tied to embed
	finalNormW  []float32
	layers      []layer.Weights
	layerCfg    layer.Config

	tok tokenizer.Tokenizer

	gen *semaphore.Weighted

	mu       sync.Mutex
	unloaded bool
}

// maskKindFor maps the manifest's attention kind to the kernel's mask
// kind. Hybrid models (alternating full/sliding per layer) are run under
// a single sliding mask for every layer.
func maskKindFor(a AttentionKind) kernel.MaskKind {
	switch a {
	case AttentionSliding, AttentionHybrid:
		return kernel.MaskSliding
	default:
		return kernel.MaskCausal
	}
}

func activationFor(a Activation) kernel.Activation {
	switch a {
	case ActivationGELU:
		return kernel.ActivationGELU
	case ActivationReLU:
		return kernel.ActivationReLU
	default:
		return kernel.ActivationSiLU
	}
}

// CreatePipeline builds a ready-to-generate Pipeline for modelID: reads
// and validates the manifest, resolves every tensor the inference plan
// requires into resident weights, allocates the KV cache, and probes the
// device — exactly the five steps of spec.md §4.9's createPipeline,
// reported through opts.OnProgress as they complete.
func CreatePipeline(ctx context.Context, modelID string, opts PipelineOptions) (*Pipeline, error) {
	cfg := opts.Config
	if cfg.Inference.Batching.MaxTokens == 0 {
		// A zero-value PipelineOptions.Config (the common case for
		// callers who only want to override a couple of fields) reads as
		// "not configured" — fall back to the default wholesale rather
		// than per-field, since RuntimeConfig carries a slice field
		// (Debug.Probes) and so isn't comparable with ==.
		cfg = DefaultRuntimeConfig()
	}

	kv := opts.KVStore
	if kv == nil {
		kv = shardstore.NewKVStore(shardstore.NewInMemoryKV())
	}
	pref := shardstore.Preference(cfg.Loading.Storage.Preference)
	store, err := shardstore.Open(pref, opts.DirStore, kv)
	if err != nil {
		return nil, err
	}
	ms := store.Model(modelID)

	progress := newProgressReporter(opts.OnProgress)

	progress.emit(StageManifest, 0, "reading manifest")
	manifestBytes, err := ms.ReadManifest(ctx)
	if err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(manifestBytes)
	if err != nil {
		return nil, err
	}
	progress.emit(StageManifest, 1, "manifest parsed")

	if err := verifyManifestShards(ctx, ms, manifest); err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		backend = device.NewCPUBackend(0)
	}
	dev, err := device.New(backend)
	if err != nil {
		return nil, err
	}
	if _, err := dev.Probe(ctx); err != nil {
		return nil, err
	}

	hm := heap.New(heap.Config{BudgetBytes: opts.HeapBudgetBytes})
	pool := bufferpool.New(dev, hm, bufferpool.Config{HighWaterBytes: opts.BufferPoolHighWater})

	resolver := NewTensorResolver(ms, manifest)

	progress.emit(StageShards, 0, "resolving weights")
	p := &Pipeline{
		modelID:  modelID,
		manifest: manifest,
		config:   cfg,
		dev:      dev,
		hm:       hm,
		pool:     pool,
		gen:      semaphore.NewWeighted(1),
	}

	if err := p.loadWeights(ctx, resolver, progress); err != nil {
		return nil, err
	}
	progress.emit(StageShards, 1, "weights resident")

	progress.emit(StageLayers, 0, "building layer configuration")
	arch := manifest.Architecture()
	p.layerCfg = layer.Config{
		HiddenDim:     int(arch.HiddenDim),
		NumHeads:      arch.NumHeads,
		NumKVHeads:    arch.NumKVHeads,
		HeadDim:       int(arch.HeadDim),
		FFNDim:        int(arch.FFNDim),
		NormEps:       float32(arch.NormEps),
		RopeBase:      arch.RopeBase,
		Activation:    activationFor(arch.Activation),
		Mask:          maskKindFor(arch.AttentionKind),
		SlidingWindow: arch.SlidingWindow,
		AttnSoftcap:   arch.Softcap,
	}
	progress.emit(StageLayers, 1, "layer configuration ready")

	progress.emit(StageGPUTransfer, 0, "allocating KV cache")
	cache, err := kvcache.New(pool, kvcache.Config{
		NumLayers:  arch.NumLayers,
		NumKVHeads: arch.NumKVHeads,
		HeadDim:    arch.HeadDim,
		MaxSeqLen:  arch.MaxContext,
		// K/V rows are appended as raw float32 bytes (layer.Block writes
		// kernel.BytesOfFloat32 and reads back via kernel.Float32View), so
		// the cache's storage dtype is always f32 regardless of the
		// manifest's on-disk weight quantization.
		DType: tensor.F32,
	})
	if err != nil {
		return nil, err
	}
	p.kv = cache
	progress.emit(StageGPUTransfer, 1, "KV cache allocated")

	progress.emit(StagePipeline, 0, "constructing tokenizer")
	if opts.Tokenizer != nil {
		p.tok = opts.Tokenizer
	} else {
		vocabData, err := ms.ReadShard(ctx, manifest.Tokenizer().File)
		if err != nil {
			return nil, err
		}
		vt, err := tokenizer.ParseVocabFile(vocabData)
		if err != nil {
			return nil, err
		}
		p.tok = vt
	}
	progress.emit(StagePipeline, 1, "pipeline ready")

	progress.emit(StageComplete, 1, "complete")
	logging.Get().Info("pipeline created", "modelId", modelID, "numLayers", arch.NumLayers)
	return p, nil
}

// verifyManifestShards runs shardstore's whole-model integrity check over
// every shard manifest declares, per spec.md §8's scenario S5: a package
// with a tampered shard fails CreatePipeline with [errs.Corrupt] rather
// than surfacing as a garbled inference result somewhere downstream.
// Missing shards are left for loadWeights' own ReadShard calls to report,
// since a shard absent from the store (as opposed to present-but-wrong)
// is already a clear NotFound at the point it's actually needed.
func verifyManifestShards(ctx context.Context, store *shardstore.ModelStore, manifest *Manifest) error {
	shards := manifest.Shards()
	descs := make([]shardstore.ShardDescriptor, len(shards))
	for i, s := range shards {
		descs[i] = shardstore.ShardDescriptor{Index: s.Index, Filename: s.Filename, SHA256: s.SHA256}
	}
	_, corrupt, err := store.VerifyIntegrity(ctx, descs)
	if err != nil {
		return err
	}
	if len(corrupt) > 0 {
		return errs.Newf(errs.Corrupt, nil, "model %q: %d shard(s) failed integrity verification: %v", manifest.ModelID(), len(corrupt), corrupt)
	}
	return nil
}

// loadWeights resolves every tensor the inference plan requires and
// assembles per-layer Weights plus the token embedding, (untied) output
// embedding, and final norm. Weights are dequantized once here rather
// than per-dispatch (see DESIGN.md's Kernel Library entry).
func (p *Pipeline) loadWeights(ctx context.Context, resolver *TensorResolver, progress *progressReporter) error {
	arch := p.manifest.Architecture()
	p.layers = make([]layer.Weights, arch.NumLayers)
	for i := range p.layers {
		p.layers[i].NumExperts = arch.NumExperts
		p.layers[i].TopKExperts = arch.TopKExperts
		if arch.NumExperts > 0 {
			p.layers[i].ExpertWGate = make([][]float32, arch.NumExperts)
			p.layers[i].ExpertWUp = make([][]float32, arch.NumExperts)
			p.layers[i].ExpertWDown = make([][]float32, arch.NumExperts)
		}
	}

	infos := p.manifest.Tensors()
	total := len(infos)
	var weightBytes int64
	for i, info := range infos {
		data, err := resolver.Resolve(ctx, info.Name)
		if err != nil {
			return err
		}
		weightBytes += int64(len(data)) * 4

		if err := p.assignTensor(info, data); err != nil {
			return err
		}

		if total > 0 && i%8 == 0 {
			progress.emit(StageShards, float64(i)/float64(total), info.Name)
		}
	}

	// Weights are plain Go slices, not bufferpool.Buffers (see
	// DESIGN.md), so the heap manager tracks their aggregate footprint
	// under one synthetic handle rather than per-tensor.
	p.hm.Register(uintptr(unsafe.Pointer(p)), heap.CategoryWeights, weightBytes)
	return nil
}

func (p *Pipeline) assignTensor(info TensorInfo, data []float32) error {
	switch info.Role {
	case tensor.RoleTokenEmbedding:
		p.embed = data
		return nil
	case tensor.RoleOutputEmbedding:
		p.outputEmbed = data
		return nil
	case tensor.RoleFinalNorm:
		p.finalNormW = data
		return nil
	}

	if info.LayerIndex < 0 || info.LayerIndex >= len(p.layers) {
		return nil // aux tensor, not required by the plan
	}
	w := &p.layers[info.LayerIndex]

	switch info.Role {
	case tensor.RoleAttnNorm:
		w.AttnNormW = data
	case tensor.RoleFFNNorm:
		w.FFNNormW = data
	case tensor.RoleAttnQ:
		w.WQ = data
	case tensor.RoleAttnK:
		w.WK = data
	case tensor.RoleAttnV:
		w.WV = data
	case tensor.RoleAttnO:
		w.WO = data
	case tensor.RoleFFNGate:
		w.WGate = data
	case tensor.RoleFFNUp:
		w.WUp = data
	case tensor.RoleFFNDown:
		w.WDown = data
	case tensor.RoleRouter:
		w.RouterW = data
	case tensor.RoleExpertWeight:
		_, kind, expertIdx, ok := tensor.ParseExpertTensor(info.Name)
		if !ok || expertIdx >= len(w.ExpertWGate) {
			return errs.Newf(errs.InvalidManifest, nil, "tensor %q: cannot resolve expert index for layer %d", info.Name, info.LayerIndex)
		}
		switch kind {
		case tensor.ExpertGate:
			w.ExpertWGate[expertIdx] = data
		case tensor.ExpertUp:
			w.ExpertWUp[expertIdx] = data
		case tensor.ExpertDown:
			w.ExpertWDown[expertIdx] = data
		}
	}
	return nil
}

// MemoryStats is the root package's view of the heap manager's snapshot
// plus the buffer pool's stats, per spec.md §4.9's getMemoryStats().
type MemoryStats struct {
	Heap heap.Snapshot
	Pool bufferpool.Stats
}

// GetMemoryStats returns a point-in-time snapshot of the pipeline's
// resident memory.
func (p *Pipeline) GetMemoryStats() MemoryStats {
	return MemoryStats{Heap: p.hm.Snapshot(), Pool: p.pool.GetStats()}
}

// GetKVCacheStats returns the KV cache's current usage.
func (p *Pipeline) GetKVCacheStats() kvcache.Stats {
	return p.kv.Stats()
}

// Stats aggregates the pipeline-level counters spec.md §4.9's getStats()
// exposes on top of the heap/pool/KV breakdowns.
type Stats struct {
	ModelID   string
	NumLayers int
	Memory    MemoryStats
	KVCache   kvcache.Stats
}

// GetStats returns the full pipeline-level statistics snapshot.
func (p *Pipeline) GetStats() Stats {
	return Stats{
		ModelID:   p.modelID,
		NumLayers: len(p.layers),
		Memory:    p.GetMemoryStats(),
		KVCache:   p.kv.Stats(),
	}
}

// ClearKVCache resets the KV cache to empty without freeing its buffers,
// a full fence per spec.md §5: the next generation sees an empty cache.
func (p *Pipeline) ClearKVCache() {
	p.kv.Reset()
}

// Unload releases every tracked buffer in a deterministic order — KV
// first, weights last — and transitions the pipeline to a terminal state
// that rejects further calls, per spec.md §4.9. Unload is idempotent.
func (p *Pipeline) Unload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unloaded {
		return nil
	}
	p.unloaded = true

	p.kv.Release()
	p.hm.Unregister(uintptr(unsafe.Pointer(p)))
	p.pool.DestroyPool()
	err := p.dev.Close()
	logging.Get().Info("pipeline unloaded", "modelId", p.modelID)
	return err
}

func (p *Pipeline) checkNotUnloaded() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unloaded {
		return errs.New(errs.DeviceLost, "pipeline has been unloaded", nil)
	}
	return nil
}
