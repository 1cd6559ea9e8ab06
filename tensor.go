package doppler

import (
	"context"

	"github.com/dopplerai/doppler/internal/cache"
	"github.com/dopplerai/doppler/internal/errs"
	"github.com/dopplerai/doppler/internal/kernel"
	"github.com/dopplerai/doppler/internal/shardstore"
)

// shardCacheCapacity bounds how many full shards the resolver keeps
// resident at once; a shard not in the working set is simply re-read
// from the store on the next Resolve.
const shardCacheCapacity = 64

// TensorResolver turns a manifest's logical tensor descriptors into
// resident []float32 data, per spec.md §4.2's "tensor resolver" role:
// locate a tensor's shard and byte range, then decode it (dequantizing
// if needed) into the shape the layer engine operates on.
type TensorResolver struct {
	store    *shardstore.ModelStore
	manifest *Manifest

	shardCache *cache.Cache[int, []byte] // shard index -> full shard bytes
}

// NewTensorResolver constructs a resolver over a model-scoped store handle
// and a parsed, validated manifest for that same model.
func NewTensorResolver(store *shardstore.ModelStore, manifest *Manifest) *TensorResolver {
	return &TensorResolver{store: store, manifest: manifest, shardCache: cache.New[int, []byte](shardCacheCapacity)}
}

// Resolve reads and dequantizes the named tensor's data from its backing
// shard, returning a flat []float32 of exactly the tensor's logical
// element count (shape.NumElements()).
func (r *TensorResolver) Resolve(ctx context.Context, name string) ([]float32, error) {
	info, ok := r.manifest.Tensor(name)
	if !ok {
		return nil, errs.Newf(errs.NotFound, nil, "tensor %q not present in manifest", name)
	}

	shardData, err := r.shardBytes(ctx, info.ShardIndex)
	if err != nil {
		return nil, err
	}
	if info.ByteOffset < 0 || info.ByteOffset+info.ByteLength > int64(len(shardData)) {
		return nil, errs.Newf(errs.Corrupt, nil, "tensor %q: byte range [%d,%d) exceeds shard size %d", name, info.ByteOffset, info.ByteOffset+info.ByteLength, len(shardData))
	}
	raw := shardData[info.ByteOffset : info.ByteOffset+info.ByteLength]

	return kernel.DequantizeTensor(info.DType, raw, info.Shape.NumElements())
}

func (r *TensorResolver) shardBytes(ctx context.Context, shardIdx int) ([]byte, error) {
	if data, ok := r.shardCache.Get(shardIdx); ok {
		return data, nil
	}

	var filename string
	found := false
	for _, s := range r.manifest.Shards() {
		if s.Index == shardIdx {
			filename = s.Filename
			found = true
			break
		}
	}
	if !found {
		return nil, errs.Newf(errs.Corrupt, nil, "manifest references unknown shard index %d", shardIdx)
	}

	data, err := r.store.ReadShard(ctx, filename)
	if err != nil {
		return nil, err
	}

	r.shardCache.Set(shardIdx, data)
	return data, nil
}
