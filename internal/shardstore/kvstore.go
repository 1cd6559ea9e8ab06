package shardstore

import (
	"context"
	"sync"

	"github.com/dopplerai/doppler/internal/errs"
)

// KVStore is the flat key-value backend of spec.md §4.1, keyed by
// modelID + "/" + name. The default binding is an in-process map; a
// production binding to a real KV service is a constructor argument
// (KVBackend), not a compile-time choice.
type KVStore struct {
	backend KVBackend
}

// KVBackend is the minimal surface a real key-value service needs to
// implement to back a KVStore (e.g. an etcd, Redis, or object-store
// client adapter).
type KVBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	DeletePrefix(ctx context.Context, prefix string) error
	Keys(ctx context.Context) ([]string, error)
}

// NewKVStore wraps backend as a shardstore.Backend. Pass NewInMemoryKV()
// for the default in-process binding.
func NewKVStore(backend KVBackend) *KVStore {
	return &KVStore{backend: backend}
}

func (k *KVStore) Name() string { return "key-value" }

func key(modelID, name string) string { return modelID + "/" + name }

func (k *KVStore) Has(ctx context.Context, modelID string) (bool, error) {
	keys, err := k.backend.Keys(ctx)
	if err != nil {
		return false, err
	}
	prefix := modelID + "/"
	for _, kk := range keys {
		if len(kk) > len(prefix) && kk[:len(prefix)] == prefix {
			return true, nil
		}
	}
	return false, nil
}

func (k *KVStore) List(ctx context.Context) ([]string, error) {
	keys, err := k.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, kk := range keys {
		for i := len(kk) - 1; i >= 0; i-- {
			if kk[i] == '/' {
				id := kk[:i]
				if !seen[id] {
					seen[id] = true
					out = append(out, id)
				}
				break
			}
		}
	}
	return out, nil
}

func (k *KVStore) Read(ctx context.Context, modelID, name string) ([]byte, error) {
	data, ok, err := k.backend.Get(ctx, key(modelID, name))
	if err != nil {
		return nil, errs.New(errs.Corrupt, "kvstore: read failed", err)
	}
	if !ok {
		return nil, errs.Newf(errs.NotFound, nil, "kvstore: %s/%s not found", modelID, name)
	}
	return data, nil
}

func (k *KVStore) Write(ctx context.Context, modelID, name string, data []byte) error {
	if err := k.backend.Set(ctx, key(modelID, name), data); err != nil {
		return errs.New(errs.NotFound, "kvstore: write failed", err)
	}
	return nil
}

func (k *KVStore) Delete(ctx context.Context, modelID string) error {
	if err := k.backend.DeletePrefix(ctx, modelID+"/"); err != nil {
		return errs.New(errs.NotFound, "kvstore: delete failed", err)
	}
	return nil
}

// InMemoryKV is the default in-process KVBackend: a mutex-guarded map,
// standing in for a real KV service binding.
type InMemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemoryKV constructs an empty in-process KVBackend.
func NewInMemoryKV() *InMemoryKV {
	return &InMemoryKV{data: make(map[string][]byte)}
}

func (m *InMemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *InMemoryKV) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *InMemoryKV) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *InMemoryKV) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	return out, nil
}
