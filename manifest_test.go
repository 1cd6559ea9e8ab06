package doppler

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"
)

// tinyManifest builds a minimal valid two-layer dense transformer manifest,
// encoded as JSON, for use across the parse tests below.
func tinyManifest(t *testing.T) []byte {
	t.Helper()

	type tensorDoc struct {
		ShardIndex int     `json:"shardIndex"`
		ByteOffset int64   `json:"byteOffset"`
		ByteLength int64   `json:"byteLength"`
		DType      string  `json:"dtype"`
		Shape      []int64 `json:"shape"`
	}

	tensors := map[string]tensorDoc{
		"token_embd.weight": {0, 0, 16, "f32", []int64{4, 4}},
		"output_norm.weight": {0, 16, 16, "f32", []int64{4, 4}},
	}
	layerTensors := []string{"attn_q", "attn_k", "attn_v", "attn_output", "attn_norm", "ffn_gate", "ffn_up", "ffn_down", "ffn_norm"}
	offset := int64(32)
	for layer := 0; layer < 2; layer++ {
		for _, comp := range layerTensors {
			name := "blk." + strconv.Itoa(layer) + "." + comp + ".weight"
			tensors[name] = tensorDoc{0, offset, 16, "f32", []int64{4, 4}}
			offset += 16
		}
	}

	doc := map[string]any{
		"modelId":   "tiny-test-model",
		"modelType": "transformer",
		"architecture": map[string]any{
			"hiddenDim": 4, "numLayers": 2, "numHeads": 1, "numKVHeads": 1,
			"headDim": 4, "ffnDim": 8, "vocabSize": 4, "maxContext": 128,
			"ropeBase": 10000.0, "normEps": 1e-5,
			"activation": "silu", "attentionKind": "full",
		},
		"quantization": map[string]any{
			"weights":    map[string]any{"dtype": "f32"},
			"embeddings": map[string]any{"dtype": "f32"},
		},
		"shards": []map[string]any{
			{"index": 0, "filename": "shard-0.bin", "offset": 0, "size": offset, "sha256": strings.Repeat("a", 64)},
		},
		"tensors":   tensors,
		"tokenizer": map[string]any{"file": "tokenizer.json"},
		"inference": map[string]any{"steps": []string{"rmsnorm", "qkv_rope", "kv_append", "attention", "residual", "rmsnorm", "ffn", "residual"}},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return data
}

func TestParseManifestValid(t *testing.T) {
	m, err := ParseManifest(tinyManifest(t))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.ModelID() != "tiny-test-model" {
		t.Errorf("ModelID() = %q", m.ModelID())
	}
	if m.Architecture().NumLayers != 2 {
		t.Errorf("NumLayers = %d, want 2", m.Architecture().NumLayers)
	}
	if _, ok := m.Tensor("token_embd.weight"); !ok {
		t.Error("expected token_embd.weight tensor")
	}
	if got := m.TotalSize(); got <= 0 {
		t.Errorf("TotalSize() = %d, want > 0", got)
	}
}

func TestParseManifestRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseManifest([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed JSON")
	} else if k, ok := KindOf(err); !ok || k != KindInvalidManifest {
		t.Errorf("KindOf(err) = (%v, %v), want (KindInvalidManifest, true)", k, ok)
	}
}

func TestParseManifestRejectsSchemaViolation(t *testing.T) {
	data := tinyManifest(t)
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	delete(doc, "tokenizer")
	data, _ = json.Marshal(doc)

	_, err := ParseManifest(data)
	if err == nil {
		t.Fatal("expected schema validation error for missing tokenizer")
	}
	if k, ok := KindOf(err); !ok || k != KindInvalidManifest {
		t.Errorf("KindOf(err) = (%v, %v), want (KindInvalidManifest, true)", k, ok)
	}
}

func TestParseManifestRejectsTensorOutsideShard(t *testing.T) {
	data := tinyManifest(t)
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	tensors := doc["tensors"].(map[string]any)
	embd := tensors["token_embd.weight"].(map[string]any)
	embd["byteOffset"] = 1_000_000.0
	data, _ = json.Marshal(doc)

	_, err := ParseManifest(data)
	if err == nil {
		t.Fatal("expected error for tensor range outside shard bounds")
	}
	if k, ok := KindOf(err); !ok || k != KindInvalidManifest {
		t.Errorf("KindOf(err) = (%v, %v), want (KindInvalidManifest, true)", k, ok)
	}
}

func TestParseManifestRejectsMissingLayerTensor(t *testing.T) {
	data := tinyManifest(t)
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	tensors := doc["tensors"].(map[string]any)
	delete(tensors, "blk.0.attn_q.weight")
	data, _ = json.Marshal(doc)

	_, err := ParseManifest(data)
	if err == nil {
		t.Fatal("expected error for missing required layer tensor")
	}
	if k, ok := KindOf(err); !ok || k != KindInvalidManifest {
		t.Errorf("KindOf(err) = (%v, %v), want (KindInvalidManifest, true)", k, ok)
	}
}

func TestParseManifestRejectsUnknownDtype(t *testing.T) {
	data := tinyManifest(t)
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	quant := doc["quantization"].(map[string]any)
	weights := quant["weights"].(map[string]any)
	weights["dtype"] = "int4"
	data, _ = json.Marshal(doc)

	if _, err := ParseManifest(data); err == nil {
		t.Fatal("expected error for unknown quantization dtype")
	}
}

// TestManifestSerializeRoundTrip checks spec.md §8 Property 2:
// parse(serialize(m)) == m. Manifest's internal fields are unexported and
// Tensors is a map, so equality is checked getter-by-getter rather than
// via reflect.DeepEqual on the struct itself.
func TestManifestSerializeRoundTrip(t *testing.T) {
	original, err := ParseManifest(tinyManifest(t))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	data, err := original.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	roundTripped, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest(Serialize(m)): %v", err)
	}

	if roundTripped.ModelID() != original.ModelID() {
		t.Errorf("ModelID = %q, want %q", roundTripped.ModelID(), original.ModelID())
	}
	if roundTripped.ModelType() != original.ModelType() {
		t.Errorf("ModelType = %q, want %q", roundTripped.ModelType(), original.ModelType())
	}
	if roundTripped.Architecture() != original.Architecture() {
		t.Errorf("Architecture = %+v, want %+v", roundTripped.Architecture(), original.Architecture())
	}
	if roundTripped.Quantization() != original.Quantization() {
		t.Errorf("Quantization = %+v, want %+v", roundTripped.Quantization(), original.Quantization())
	}
	if roundTripped.TotalSize() != original.TotalSize() {
		t.Errorf("TotalSize = %d, want %d", roundTripped.TotalSize(), original.TotalSize())
	}

	wantShards := original.Shards()
	gotShards := roundTripped.Shards()
	if len(gotShards) != len(wantShards) {
		t.Fatalf("Shards len = %d, want %d", len(gotShards), len(wantShards))
	}
	for i := range wantShards {
		if gotShards[i] != wantShards[i] {
			t.Errorf("Shards[%d] = %+v, want %+v", i, gotShards[i], wantShards[i])
		}
	}

	for _, want := range original.Tensors() {
		got, ok := roundTripped.Tensor(want.Name)
		if !ok {
			t.Errorf("tensor %q missing after round trip", want.Name)
			continue
		}
		if got != want {
			t.Errorf("tensor %q = %+v, want %+v", want.Name, got, want)
		}
	}

	if roundTripped.Tokenizer() != original.Tokenizer() {
		// EOSId is a *int; compare by value since both are nil here.
		if (roundTripped.Tokenizer().EOSId == nil) != (original.Tokenizer().EOSId == nil) {
			t.Errorf("Tokenizer().EOSId presence mismatch")
		}
	}
	if strings.Join(roundTripped.InferencePlan().Steps, ",") != strings.Join(original.InferencePlan().Steps, ",") {
		t.Errorf("InferencePlan = %v, want %v", roundTripped.InferencePlan(), original.InferencePlan())
	}
}

func TestClassifyTensorRolePublicWrapper(t *testing.T) {
	role, idx := ClassifyTensorRole("blk.7.attn_q.weight")
	if role.String() != "attn-q" || idx != 7 {
		t.Errorf("ClassifyTensorRole = (%v, %d)", role, idx)
	}
}
