package tensor

import (
	"regexp"
	"strconv"
)

// Role classifies a tensor by the part of the transformer it feeds.
type Role int

const (
	// RoleAux is the role assigned to any tensor the naming rules below
	// don't recognize. Aux tensors are never required by an inference plan.
	RoleAux Role = iota
	RoleTokenEmbedding
	RoleOutputEmbedding
	RoleAttnQ
	RoleAttnK
	RoleAttnV
	RoleAttnO
	RoleFFNGate
	RoleFFNUp
	RoleFFNDown
	RoleExpertWeight
	RoleAttnNorm
	RoleFFNNorm
	RoleFinalNorm
	RoleRouter
)

func (r Role) String() string {
	switch r {
	case RoleTokenEmbedding:
		return "token-embedding"
	case RoleOutputEmbedding:
		return "output-embedding"
	case RoleAttnQ:
		return "attn-q"
	case RoleAttnK:
		return "attn-k"
	case RoleAttnV:
		return "attn-v"
	case RoleAttnO:
		return "attn-o"
	case RoleFFNGate:
		return "ffn-gate"
	case RoleFFNUp:
		return "ffn-up"
	case RoleFFNDown:
		return "ffn-down"
	case RoleExpertWeight:
		return "expert-weight"
	case RoleAttnNorm:
		return "attn-norm"
	case RoleFFNNorm:
		return "ffn-norm"
	case RoleFinalNorm:
		return "final-norm"
	case RoleRouter:
		return "router"
	default:
		return "aux"
	}
}

// blockTensor is the GGUF-style "blk.<i>.<component>.weight" naming
// convention, grounded on the tensor names loaded by the pack's
// ollama-reverse model loaders (e.g. "blk.0.attn_q.weight",
// "blk.0.ffn_gate.weight", "token_embd.weight", "output_norm.weight").
// An optional numeric segment before ".weight" names a per-expert tensor
// (e.g. "blk.0.ffn_gate_exp.3.weight"); see [ParseExpertTensor].
var blockTensor = regexp.MustCompile(`^blk\.(\d+)\.([a-z0-9_]+)(?:\.\d+)?(?:\.weight)?$`)

var componentRole = map[string]Role{
	"attn_q":       RoleAttnQ,
	"attn_k":       RoleAttnK,
	"attn_v":       RoleAttnV,
	"attn_output":  RoleAttnO,
	"attn_o":       RoleAttnO,
	"ffn_gate":     RoleFFNGate,
	"ffn_up":       RoleFFNUp,
	"ffn_down":     RoleFFNDown,
	"ffn_gate_exp": RoleExpertWeight,
	"ffn_up_exp":   RoleExpertWeight,
	"ffn_down_exp": RoleExpertWeight,
	"ffn_gate_inp": RoleRouter,
	"attn_norm":    RoleAttnNorm,
	"ffn_norm":     RoleFFNNorm,
}

// ClassifyRole maps a tensor name to its Role using a fixed rule set,
// exactly as spec.md's classifyTensorRole: a deterministic, total
// function with no manifest-dependent state. Unrecognized names get
// [RoleAux] and layerIdx -1.
func ClassifyRole(name string) (role Role, layerIdx int) {
	switch name {
	case "token_embd.weight", "tok_embeddings.weight":
		return RoleTokenEmbedding, -1
	case "output.weight", "output_embd.weight":
		return RoleOutputEmbedding, -1
	case "output_norm.weight", "norm.weight", "final_norm.weight":
		return RoleFinalNorm, -1
	}

	if m := blockTensor.FindStringSubmatch(name); m != nil {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return RoleAux, -1
		}
		if role, ok := componentRole[m[2]]; ok {
			return role, idx
		}
		return RoleAux, idx
	}

	return RoleAux, -1
}

var expertTensor = regexp.MustCompile(`^blk\.(\d+)\.(ffn_gate_exp|ffn_up_exp|ffn_down_exp)\.(\d+)\.weight$`)

// ExpertKind distinguishes the three per-expert FFN projections.
type ExpertKind int

const (
	ExpertGate ExpertKind = iota
	ExpertUp
	ExpertDown
)

// ParseExpertTensor extracts the layer index, projection kind, and expert
// index from a per-expert tensor name (e.g.
// "blk.3.ffn_gate_exp.7.weight" -> layerIdx=3, kind=ExpertGate,
// expertIdx=7). ok is false for any name outside this convention.
func ParseExpertTensor(name string) (layerIdx int, kind ExpertKind, expertIdx int, ok bool) {
	m := expertTensor.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, 0, false
	}
	layerIdx, err1 := strconv.Atoi(m[1])
	expertIdx, err2 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil {
		return 0, 0, 0, false
	}
	switch m[2] {
	case "ffn_gate_exp":
		kind = ExpertGate
	case "ffn_up_exp":
		kind = ExpertUp
	case "ffn_down_exp":
		kind = ExpertDown
	}
	return layerIdx, kind, expertIdx, true
}
