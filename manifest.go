package doppler

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"sync"

	"github.com/dopplerai/doppler/internal/errs"
	"github.com/dopplerai/doppler/internal/tensor"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/manifest.schema.json
var manifestSchemaJSON []byte

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		res, err := jsonschema.UnmarshalJSON(bytes.NewReader(manifestSchemaJSON))
		if err != nil {
			manifestSchemaErr = err
			return
		}
		const resourceURL = "manifest.schema.json"
		if err := c.AddResource(resourceURL, res); err != nil {
			manifestSchemaErr = err
			return
		}
		manifestSchema, manifestSchemaErr = c.Compile(resourceURL)
	})
	return manifestSchema, manifestSchemaErr
}

// ModelType enumerates the model families a manifest can describe. Only
// [ModelTransformer] is implemented by this engine; the others are
// extension points named by spec.md §3.
type ModelType string

const (
	ModelTransformer ModelType = "transformer"
	ModelDiffusion   ModelType = "diffusion"
	ModelEnergy      ModelType = "energy"
)

// AttentionKind selects the masking strategy the layer engine applies.
type AttentionKind string

const (
	AttentionFull    AttentionKind = "full"
	AttentionSliding AttentionKind = "sliding"
	AttentionHybrid  AttentionKind = "hybrid"
	AttentionGQA     AttentionKind = "gqa"
)

// Activation selects the FFN gating nonlinearity.
type Activation string

const (
	ActivationSiLU Activation = "silu"
	ActivationGELU Activation = "gelu"
	ActivationReLU Activation = "relu"
)

// Architecture describes the transformer shape, exactly per spec.md §3.
type Architecture struct {
	HiddenDim     int64
	NumLayers     int
	NumHeads      int
	NumKVHeads    int
	HeadDim       int64
	FFNDim        int64
	VocabSize     int64
	MaxContext    int64
	RopeBase      float64
	NormEps       float64
	Activation    Activation
	AttentionKind AttentionKind
	SlidingWindow int64 // 0 when AttentionKind != sliding/hybrid
	Softcap       float64 // attention softcap; 0 disables
	LogitSoftcap  float64 // logits softcap; 0 disables
	NumExperts    int     // 0 for a dense model
	TopKExperts   int     // consulted only when NumExperts > 0
}

// QuantPolicy describes the quantization applied to one class of tensors.
type QuantPolicy struct {
	DType     tensor.DType
	GroupSize int64
}

// Quantization groups the per-class quantization policy, per spec.md §3.
type Quantization struct {
	Weights    QuantPolicy
	Embeddings QuantPolicy
}

// ShardInfo describes one fixed-size shard file, per spec.md §3.
type ShardInfo struct {
	Index    int
	Filename string
	Offset   int64
	Size     int64
	SHA256   string
}

// TensorInfo is the resolved location and type of one named tensor, per
// spec.md §3's tensor descriptor. Role and LayerIndex are derived by
// [tensor.ClassifyRole], not carried in the wire format.
type TensorInfo struct {
	Name       string
	ShardIndex int
	ByteOffset int64
	ByteLength int64
	DType      tensor.DType
	Shape      tensor.Shape
	Role       tensor.Role
	LayerIndex int // -1 for non-layer tensors
}

// TokenizerRef points at the tokenizer files shipped alongside the shards.
type TokenizerRef struct {
	File      string
	ModelFile string
	EOSId     *int
}

// InferencePlan is the ordered list of step kinds the layer engine
// executes per block, per spec.md §3's "inference (layer plan)".
type InferencePlan struct {
	Steps []string
}

// Manifest is the parsed, validated, and frozen description of one model
// package. There is no exported mutator: once returned from [ParseManifest]
// a Manifest never changes, per spec.md §4.2 ("On success the manifest is
// frozen; no post-parse mutation is permitted").
type Manifest struct {
	modelID      string
	modelType    ModelType
	architecture Architecture
	quant        Quantization
	shards       []ShardInfo
	tensors      map[string]TensorInfo
	tokenizer    TokenizerRef
	plan         InferencePlan
	totalSize    int64
}

func (m *Manifest) ModelID() string             { return m.modelID }
func (m *Manifest) ModelType() ModelType         { return m.modelType }
func (m *Manifest) Architecture() Architecture   { return m.architecture }
func (m *Manifest) Quantization() Quantization   { return m.quant }
func (m *Manifest) Shards() []ShardInfo          { return append([]ShardInfo(nil), m.shards...) }
func (m *Manifest) Tokenizer() TokenizerRef       { return m.tokenizer }
func (m *Manifest) InferencePlan() InferencePlan { return m.plan }
func (m *Manifest) TotalSize() int64             { return m.totalSize }

// Tensor looks up a tensor descriptor by name.
func (m *Manifest) Tensor(name string) (TensorInfo, bool) {
	t, ok := m.tensors[name]
	return t, ok
}

// Tensors returns every tensor descriptor, in no particular order.
func (m *Manifest) Tensors() []TensorInfo {
	out := make([]TensorInfo, 0, len(m.tensors))
	for _, t := range m.tensors {
		out = append(out, t)
	}
	return out
}

// rawManifest mirrors the JSON wire format for decoding before validation.
type rawManifest struct {
	ModelID      string `json:"modelId"`
	ModelType    string `json:"modelType"`
	Architecture struct {
		HiddenDim     int64   `json:"hiddenDim"`
		NumLayers     int     `json:"numLayers"`
		NumHeads      int     `json:"numHeads"`
		NumKVHeads    int     `json:"numKVHeads"`
		HeadDim       int64   `json:"headDim"`
		FFNDim        int64   `json:"ffnDim"`
		VocabSize     int64   `json:"vocabSize"`
		MaxContext    int64   `json:"maxContext"`
		RopeBase      float64 `json:"ropeBase"`
		NormEps       float64 `json:"normEps"`
		Activation    string  `json:"activation"`
		AttentionKind string  `json:"attentionKind"`
		SlidingWindow int64   `json:"slidingWindow,omitempty"`
		Softcap       float64 `json:"softcap,omitempty"`
		LogitSoftcap  float64 `json:"logitSoftcap,omitempty"`
		NumExperts    int     `json:"numExperts"`
		TopKExperts   int     `json:"topKExperts"`
	} `json:"architecture"`
	Quantization struct {
		Weights    rawQuantPolicy `json:"weights"`
		Embeddings rawQuantPolicy `json:"embeddings"`
	} `json:"quantization"`
	Shards []struct {
		Index    int    `json:"index"`
		Filename string `json:"filename"`
		Offset   int64  `json:"offset"`
		Size     int64  `json:"size"`
		SHA256   string `json:"sha256"`
	} `json:"shards"`
	Tensors map[string]struct {
		ShardIndex int     `json:"shardIndex"`
		ByteOffset int64   `json:"byteOffset"`
		ByteLength int64   `json:"byteLength"`
		DType      string  `json:"dtype"`
		Shape      []int64 `json:"shape"`
	} `json:"tensors"`
	Tokenizer struct {
		File      string `json:"file"`
		ModelFile string `json:"modelFile"`
		EOSId     *int   `json:"eosId,omitempty"`
	} `json:"tokenizer"`
	Inference struct {
		Steps []string `json:"steps"`
	} `json:"inference"`
}

type rawQuantPolicy struct {
	DType     string `json:"dtype"`
	GroupSize int64  `json:"groupSize,omitempty"`
}

// ParseManifest strictly parses and validates a manifest document: JSON
// schema validation first (structural shape), then the cross-field
// checks (tensor-in-shard containment, dtype whitelist, plan-tensor
// presence). Any violation fails with [KindInvalidManifest]. TotalSize
// is computed as the sum of shard sizes; shard offsets are not checked.
func ParseManifest(data []byte) (*Manifest, error) {
	schema, err := compiledManifestSchema()
	if err != nil {
		return nil, errs.New(errs.InvalidManifest, "manifest schema failed to compile", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, errs.New(errs.InvalidManifest, "manifest is not valid JSON", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, errs.New(errs.InvalidManifest, "manifest failed schema validation", err)
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errs.New(errs.InvalidManifest, "manifest JSON decode failed", err)
	}

	m := &Manifest{
		modelID:   raw.ModelID,
		modelType: ModelType(raw.ModelType),
		tokenizer: TokenizerRef{File: raw.Tokenizer.File, ModelFile: raw.Tokenizer.ModelFile, EOSId: raw.Tokenizer.EOSId},
		plan:      InferencePlan{Steps: raw.Inference.Steps},
	}

	a := raw.Architecture
	wQuant, ok := tensor.ParseDType(raw.Quantization.Weights.DType)
	if !ok {
		return nil, errs.Newf(errs.InvalidManifest, nil, "unknown weights quantization dtype %q", raw.Quantization.Weights.DType)
	}
	eQuant, ok := tensor.ParseDType(raw.Quantization.Embeddings.DType)
	if !ok {
		return nil, errs.Newf(errs.InvalidManifest, nil, "unknown embeddings quantization dtype %q", raw.Quantization.Embeddings.DType)
	}
	m.quant = Quantization{
		Weights:    QuantPolicy{DType: wQuant, GroupSize: raw.Quantization.Weights.GroupSize},
		Embeddings: QuantPolicy{DType: eQuant, GroupSize: raw.Quantization.Embeddings.GroupSize},
	}
	m.architecture = Architecture{
		HiddenDim: a.HiddenDim, NumLayers: a.NumLayers, NumHeads: a.NumHeads, NumKVHeads: a.NumKVHeads,
		HeadDim: a.HeadDim, FFNDim: a.FFNDim, VocabSize: a.VocabSize, MaxContext: a.MaxContext,
		RopeBase: a.RopeBase, NormEps: a.NormEps,
		Activation: Activation(a.Activation), AttentionKind: AttentionKind(a.AttentionKind),
		SlidingWindow: a.SlidingWindow, Softcap: a.Softcap, LogitSoftcap: a.LogitSoftcap,
		NumExperts: a.NumExperts, TopKExperts: a.TopKExperts,
	}

	if m.architecture.AttentionKind == AttentionSliding || m.architecture.AttentionKind == AttentionHybrid {
		if m.architecture.SlidingWindow <= 0 {
			return nil, errs.New(errs.InvalidManifest, "sliding/hybrid attention requires a positive slidingWindow", nil)
		}
	}

	// Shards; totalSize is the sum of their sizes.
	var totalSize int64
	m.shards = make([]ShardInfo, 0, len(raw.Shards))
	for _, s := range raw.Shards {
		m.shards = append(m.shards, ShardInfo{Index: s.Index, Filename: s.Filename, Offset: s.Offset, Size: s.Size, SHA256: s.SHA256})
		totalSize += s.Size
	}
	m.totalSize = totalSize

	shardByIndex := make(map[int]ShardInfo, len(m.shards))
	for _, s := range m.shards {
		shardByIndex[s.Index] = s
	}

	// Tensors, with shard-containment invariant and role classification.
	m.tensors = make(map[string]TensorInfo, len(raw.Tensors))
	for name, t := range raw.Tensors {
		dt, ok := tensor.ParseDType(t.DType)
		if !ok {
			return nil, errs.Newf(errs.InvalidManifest, nil, "tensor %q: unknown dtype %q", name, t.DType)
		}
		shp := tensor.Shape(t.Shape)
		if err := shp.Validate(); err != nil {
			return nil, errs.Newf(errs.InvalidManifest, err, "tensor %q: invalid shape", name)
		}
		shard, ok := shardByIndex[t.ShardIndex]
		if !ok {
			return nil, errs.Newf(errs.InvalidManifest, nil, "tensor %q: references unknown shard %d", name, t.ShardIndex)
		}
		if t.ByteOffset < 0 || t.ByteOffset+t.ByteLength > shard.Size {
			return nil, errs.Newf(errs.InvalidManifest, nil,
				"tensor %q: range [%d,%d) does not lie inside shard %d (size %d)",
				name, t.ByteOffset, t.ByteOffset+t.ByteLength, t.ShardIndex, shard.Size)
		}

		role, layerIdx := tensor.ClassifyRole(name)
		m.tensors[name] = TensorInfo{
			Name: name, ShardIndex: t.ShardIndex, ByteOffset: t.ByteOffset, ByteLength: t.ByteLength,
			DType: dt, Shape: shp, Role: role, LayerIndex: layerIdx,
		}
	}

	if err := m.checkPlanTensorsPresent(); err != nil {
		return nil, err
	}

	return m, nil
}

// requiredLayerRoles are the tensor roles a dense (non-MoE) transformer
// layer needs; a manifest may additionally carry RoleExpertWeight tensors
// for MoE layers, which this check does not require per-layer (MoE expert
// counts vary per manifest and are validated by the layer engine instead).
var requiredLayerRoles = []tensor.Role{
	tensor.RoleAttnQ, tensor.RoleAttnK, tensor.RoleAttnV, tensor.RoleAttnO,
	tensor.RoleAttnNorm, tensor.RoleFFNNorm,
}

// checkPlanTensorsPresent enforces spec.md §3's "every tensor required by
// the inference plan is present": token embedding, final norm, and the
// core attention/norm tensors for every layer in architecture.NumLayers.
func (m *Manifest) checkPlanTensorsPresent() error {
	haveEmbedding := false
	haveFinalNorm := false
	layerHas := make([]map[tensor.Role]bool, m.architecture.NumLayers)
	for i := range layerHas {
		layerHas[i] = make(map[tensor.Role]bool)
	}

	for _, t := range m.tensors {
		switch t.Role {
		case tensor.RoleTokenEmbedding:
			haveEmbedding = true
		case tensor.RoleFinalNorm:
			haveFinalNorm = true
		default:
			if t.LayerIndex >= 0 && t.LayerIndex < len(layerHas) {
				layerHas[t.LayerIndex][t.Role] = true
			}
		}
	}

	if !haveEmbedding {
		return errs.New(errs.InvalidManifest, "manifest is missing a token-embedding tensor required by the inference plan", nil)
	}
	if !haveFinalNorm {
		return errs.New(errs.InvalidManifest, "manifest is missing a final-norm tensor required by the inference plan", nil)
	}
	for i, has := range layerHas {
		for _, role := range requiredLayerRoles {
			if !has[role] {
				return errs.Newf(errs.InvalidManifest, nil, "layer %d is missing a %s tensor required by the inference plan", i, role)
			}
		}
		hasFFN := has[tensor.RoleFFNGate] && has[tensor.RoleFFNUp] && has[tensor.RoleFFNDown]
		hasMoE := has[tensor.RoleExpertWeight]
		if !hasFFN && !hasMoE {
			return errs.Newf(errs.InvalidManifest, nil, "layer %d is missing dense FFN or MoE expert tensors", i)
		}
		if m.architecture.NumExperts > 0 && !has[tensor.RoleRouter] {
			return errs.Newf(errs.InvalidManifest, nil, "layer %d is missing a router tensor required by MoE architecture", i)
		}
	}
	return nil
}

// ClassifyTensorRole exposes [tensor.ClassifyRole] at the package boundary,
// per spec.md §4.2.
func ClassifyTensorRole(name string) (tensor.Role, int) {
	return tensor.ClassifyRole(name)
}

// Serialize reconstructs m's manifest.json document from its exported
// fields, per spec.md §8 Property 2: ParseManifest(m.Serialize()) parses
// to a Manifest equal to m. Role and LayerIndex are dropped (Tensors'
// wire format never carried them; [ClassifyTensorRole] recomputes both
// from the tensor name on parse), and map iteration order means repeated
// Serialize calls on the same Manifest need not byte-for-byte match one
// another — only the parsed result is guaranteed equal.
func (m *Manifest) Serialize() ([]byte, error) {
	var raw rawManifest
	raw.ModelID = m.modelID
	raw.ModelType = string(m.modelType)

	a := m.architecture
	raw.Architecture.HiddenDim = a.HiddenDim
	raw.Architecture.NumLayers = a.NumLayers
	raw.Architecture.NumHeads = a.NumHeads
	raw.Architecture.NumKVHeads = a.NumKVHeads
	raw.Architecture.HeadDim = a.HeadDim
	raw.Architecture.FFNDim = a.FFNDim
	raw.Architecture.VocabSize = a.VocabSize
	raw.Architecture.MaxContext = a.MaxContext
	raw.Architecture.RopeBase = a.RopeBase
	raw.Architecture.NormEps = a.NormEps
	raw.Architecture.Activation = string(a.Activation)
	raw.Architecture.AttentionKind = string(a.AttentionKind)
	raw.Architecture.SlidingWindow = a.SlidingWindow
	raw.Architecture.Softcap = a.Softcap
	raw.Architecture.LogitSoftcap = a.LogitSoftcap
	raw.Architecture.NumExperts = a.NumExperts
	raw.Architecture.TopKExperts = a.TopKExperts

	raw.Quantization.Weights = rawQuantPolicy{DType: m.quant.Weights.DType.String(), GroupSize: m.quant.Weights.GroupSize}
	raw.Quantization.Embeddings = rawQuantPolicy{DType: m.quant.Embeddings.DType.String(), GroupSize: m.quant.Embeddings.GroupSize}

	raw.Shards = make([]struct {
		Index    int    `json:"index"`
		Filename string `json:"filename"`
		Offset   int64  `json:"offset"`
		Size     int64  `json:"size"`
		SHA256   string `json:"sha256"`
	}, len(m.shards))
	for i, s := range m.shards {
		raw.Shards[i] = struct {
			Index    int    `json:"index"`
			Filename string `json:"filename"`
			Offset   int64  `json:"offset"`
			Size     int64  `json:"size"`
			SHA256   string `json:"sha256"`
		}{Index: s.Index, Filename: s.Filename, Offset: s.Offset, Size: s.Size, SHA256: s.SHA256}
	}

	raw.Tensors = make(map[string]struct {
		ShardIndex int     `json:"shardIndex"`
		ByteOffset int64   `json:"byteOffset"`
		ByteLength int64   `json:"byteLength"`
		DType      string  `json:"dtype"`
		Shape      []int64 `json:"shape"`
	}, len(m.tensors))
	for name, t := range m.tensors {
		raw.Tensors[name] = struct {
			ShardIndex int     `json:"shardIndex"`
			ByteOffset int64   `json:"byteOffset"`
			ByteLength int64   `json:"byteLength"`
			DType      string  `json:"dtype"`
			Shape      []int64 `json:"shape"`
		}{ShardIndex: t.ShardIndex, ByteOffset: t.ByteOffset, ByteLength: t.ByteLength, DType: t.DType.String(), Shape: []int64(t.Shape)}
	}

	raw.Tokenizer.File = m.tokenizer.File
	raw.Tokenizer.ModelFile = m.tokenizer.ModelFile
	raw.Tokenizer.EOSId = m.tokenizer.EOSId
	raw.Inference.Steps = append([]string(nil), m.plan.Steps...)

	return json.Marshal(raw)
}

// MarshalJSON implements [json.Marshaler] in terms of [Manifest.Serialize],
// so a Manifest can be embedded directly in a larger JSON document (e.g.
// dopplerctl's diagnostics output).
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return m.Serialize()
}
