package shardstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
)

func TestDirStoreWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	ds := NewDirStore(filepath.Join(t.TempDir(), "models"))
	s, err := Open(PreferDirectory, ds, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.WriteShard(ctx, "model-a", "manifest.json", []byte(`{"modelId":"model-a"}`)); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}
	got, err := s.ReadManifest(ctx, "model-a")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if string(got) != `{"modelId":"model-a"}` {
		t.Errorf("ReadManifest = %q", got)
	}
	if s.Backend("model-a") != "directory" {
		t.Errorf("Backend() = %q, want directory", s.Backend("model-a"))
	}
}

func TestKVStoreWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := NewKVStore(NewInMemoryKV())
	s, err := Open(PreferKeyValue, nil, kv)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.WriteShard(ctx, "model-b", "shard-0.bin", []byte("shard-bytes")); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}
	got, err := s.ReadShard(ctx, "model-b", "shard-0.bin")
	if err != nil {
		t.Fatalf("ReadShard: %v", err)
	}
	if string(got) != "shard-bytes" {
		t.Errorf("ReadShard = %q", got)
	}
}

func TestVerifyShardDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	ds := NewDirStore(t.TempDir())
	s, _ := Open(PreferDirectory, ds, nil)

	payload := []byte("shard payload bytes")
	if err := s.WriteShard(ctx, "m", "shard-0.bin", payload); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}
	sum := sha256.Sum256(payload)
	wantHex := hex.EncodeToString(sum[:])

	if err := s.VerifyShard(ctx, "m", "shard-0.bin", wantHex); err != nil {
		t.Errorf("VerifyShard on unmodified shard: %v", err)
	}

	// Corrupt and re-verify.
	if err := s.WriteShard(ctx, "m", "shard-0.bin", []byte("tampered")); err != nil {
		t.Fatalf("WriteShard (tamper): %v", err)
	}
	if err := s.VerifyShard(ctx, "m", "shard-0.bin", wantHex); err == nil {
		t.Fatal("expected Corrupt error after tamper")
	}
}

func TestVerifyIntegrityClassifiesMissingAndCorruptShards(t *testing.T) {
	ctx := context.Background()
	ds := NewDirStore(t.TempDir())
	s, _ := Open(PreferDirectory, ds, nil)

	shard0 := []byte("shard zero payload")
	shard1 := []byte("shard one payload")
	if err := s.WriteShard(ctx, "m", "shard-0.bin", shard0); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}
	if err := s.WriteShard(ctx, "m", "shard-1.bin", shard1); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}
	sum0 := sha256.Sum256(shard0)
	sum1 := sha256.Sum256(shard1)
	descs := []ShardDescriptor{
		{Index: 0, Filename: "shard-0.bin", SHA256: hex.EncodeToString(sum0[:])},
		{Index: 1, Filename: "shard-1.bin", SHA256: hex.EncodeToString(sum1[:])},
		{Index: 2, Filename: "shard-2.bin", SHA256: "deadbeef"},
	}

	missing, corrupt, err := s.VerifyIntegrity(ctx, "m", descs)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if len(missing) != 1 || missing[0] != 2 {
		t.Errorf("missing = %v, want [2]", missing)
	}
	if len(corrupt) != 0 {
		t.Errorf("corrupt = %v, want none before tampering", corrupt)
	}

	// Flip a byte in shard 1 and re-verify: scenario S5.
	if err := s.WriteShard(ctx, "m", "shard-1.bin", []byte("SHARD one payload")); err != nil {
		t.Fatalf("WriteShard (tamper): %v", err)
	}
	missing, corrupt, err = s.VerifyIntegrity(ctx, "m", descs)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if len(corrupt) != 1 || corrupt[0] != 1 {
		t.Errorf("corrupt = %v, want [1]", corrupt)
	}
	if len(missing) != 1 || missing[0] != 2 {
		t.Errorf("missing = %v, want [2]", missing)
	}
}

func TestModelStoreScopesCallsToOneModel(t *testing.T) {
	ctx := context.Background()
	ds := NewDirStore(t.TempDir())
	s, _ := Open(PreferDirectory, ds, nil)

	a := s.Model("model-a")
	b := s.Model("model-b")

	if err := a.WriteShard(ctx, "shard-0.bin", []byte("a-bytes")); err != nil {
		t.Fatalf("a.WriteShard: %v", err)
	}
	if err := b.WriteShard(ctx, "shard-0.bin", []byte("b-bytes")); err != nil {
		t.Fatalf("b.WriteShard: %v", err)
	}

	got, err := a.ReadShard(ctx, "shard-0.bin")
	if err != nil {
		t.Fatalf("a.ReadShard: %v", err)
	}
	if string(got) != "a-bytes" {
		t.Errorf("a.ReadShard = %q, want a-bytes", got)
	}
	if a.ModelID() != "model-a" {
		t.Errorf("a.ModelID() = %q", a.ModelID())
	}
	if a.Backend() != "directory" {
		t.Errorf("a.Backend() = %q, want directory", a.Backend())
	}

	if err := a.Delete(ctx); err != nil {
		t.Fatalf("a.Delete: %v", err)
	}
	if _, err := a.ReadShard(ctx, "shard-0.bin"); err == nil {
		t.Error("expected NotFound after a.Delete")
	}
	if _, err := b.ReadShard(ctx, "shard-0.bin"); err != nil {
		t.Errorf("b.ReadShard after a.Delete: %v, want model-b untouched", err)
	}
}

func TestListModelsUnionsBothBackends(t *testing.T) {
	ctx := context.Background()
	ds := NewDirStore(t.TempDir())
	kv := NewKVStore(NewInMemoryKV())
	s, err := Open(PreferAuto, ds, kv)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.WriteShard(ctx, "dir-model", "manifest.json", []byte("{}")); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}

	models, err := s.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	found := false
	for _, m := range models {
		if m == "dir-model" {
			found = true
		}
	}
	if !found {
		t.Errorf("ListModels = %v, want to include dir-model", models)
	}
}

func TestReadMissingModelReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	ds := NewDirStore(t.TempDir())
	s, _ := Open(PreferDirectory, ds, nil)

	if _, err := s.ReadManifest(ctx, "absent"); err == nil {
		t.Fatal("expected NotFound error for absent model")
	}
}

func TestDeleteRemovesFromBackend(t *testing.T) {
	ctx := context.Background()
	ds := NewDirStore(t.TempDir())
	s, _ := Open(PreferDirectory, ds, nil)

	if err := s.WriteShard(ctx, "gone", "manifest.json", []byte("{}")); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.ReadManifest(ctx, "gone"); err == nil {
		t.Fatal("expected NotFound after Delete")
	}
}
