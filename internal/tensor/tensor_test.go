package tensor

import "testing"

func TestParseDType(t *testing.T) {
	cases := map[string]DType{"f32": F32, "f16": F16, "bf16": BF16, "q8_0": Q8_0, "q4_k": Q4K}
	for name, want := range cases {
		got, ok := ParseDType(name)
		if !ok || got != want {
			t.Errorf("ParseDType(%q) = (%v, %v), want (%v, true)", name, got, ok, want)
		}
	}
	if _, ok := ParseDType("int4"); ok {
		t.Error("ParseDType(\"int4\") should fail, unsupported dtype")
	}
}

func TestStorageBytes(t *testing.T) {
	if got := F32.StorageBytes(10); got != 40 {
		t.Errorf("F32.StorageBytes(10) = %d, want 40", got)
	}
	if got := F16.StorageBytes(10); got != 20 {
		t.Errorf("F16.StorageBytes(10) = %d, want 20", got)
	}
	// Q4K blocks of 256 elements; 300 elements spans 2 blocks.
	want := int64(2) * int64(Q4K.BlockBytes())
	if got := Q4K.StorageBytes(300); got != want {
		t.Errorf("Q4K.StorageBytes(300) = %d, want %d", got, want)
	}
}

func TestShapeValidate(t *testing.T) {
	if err := (Shape{4, 8, 16}).Validate(); err != nil {
		t.Errorf("unexpected error for valid shape: %v", err)
	}
	if err := (Shape{4, 0, 16}).Validate(); err == nil {
		t.Error("expected error for non-positive dimension")
	}
	if err := (Shape{4, -1}).Validate(); err == nil {
		t.Error("expected error for negative dimension")
	}
}

func TestShapeNumElements(t *testing.T) {
	if got := (Shape{2, 3, 4}).NumElements(); got != 24 {
		t.Errorf("NumElements() = %d, want 24", got)
	}
	if got := (Shape{}).NumElements(); got != 0 {
		t.Errorf("NumElements() of empty shape = %d, want 0", got)
	}
}

func TestClassifyRole(t *testing.T) {
	cases := []struct {
		name     string
		wantRole Role
		wantIdx  int
	}{
		{"token_embd.weight", RoleTokenEmbedding, -1},
		{"output.weight", RoleOutputEmbedding, -1},
		{"output_norm.weight", RoleFinalNorm, -1},
		{"blk.0.attn_q.weight", RoleAttnQ, 0},
		{"blk.12.attn_k.weight", RoleAttnK, 12},
		{"blk.3.ffn_gate.weight", RoleFFNGate, 3},
		{"blk.3.ffn_down_exp.weight", RoleExpertWeight, 3},
		{"blk.5.attn_norm.weight", RoleAttnNorm, 5},
		{"something.unexpected", RoleAux, -1},
		{"blk.2.mystery_tensor", RoleAux, 2},
	}
	for _, c := range cases {
		role, idx := ClassifyRole(c.name)
		if role != c.wantRole || idx != c.wantIdx {
			t.Errorf("ClassifyRole(%q) = (%v, %d), want (%v, %d)", c.name, role, idx, c.wantRole, c.wantIdx)
		}
	}
}
