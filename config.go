package doppler

import (
	"encoding/json"

	"github.com/dopplerai/doppler/internal/errs"
	"gopkg.in/yaml.v3"
)

// StoragePreference selects which shard-store backend [CreatePipeline]
// prefers, per spec.md §6's "loading.storage.backend".
type StoragePreference string

const (
	StorageDirectory StoragePreference = "directory"
	StorageKeyValue  StoragePreference = "key-value"
	StorageAuto      StoragePreference = "auto"
)

// ToolingIntent gates the diagnostics CLI surface, per spec.md §7:
// [RuntimeConfig.RequireToolingIntent], which every dopplerctl subcommand
// calls, fails with [KindIntentRequired] when the intent is empty. A
// Pipeline does not consult the intent.
type ToolingIntent string

const (
	IntentNone        ToolingIntent = ""
	IntentVerify      ToolingIntent = "verify"
	IntentInvestigate ToolingIntent = "investigate"
	IntentCalibrate   ToolingIntent = "calibrate"
)

// ContextFullPolicy selects what happens when a decode step would grow the
// KV cache past the architecture's max context, per spec.md §9's open
// question on context-length policy (see SPEC_FULL.md §4.9).
type ContextFullPolicy string

const (
	// ContextFullStop ends the stream cleanly, as if EOS had been reached.
	ContextFullStop ContextFullPolicy = "stop"
	// ContextFullError fails the in-flight generation with CapacityExceeded.
	ContextFullError ContextFullPolicy = "error"
)

// SamplingConfig is spec.md §6's `inference.sampling` block.
type SamplingConfig struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	TopP        float64 `json:"topP" yaml:"topP"`
	TopK        int     `json:"topK" yaml:"topK"`
	Seed        *uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// BatchingConfig is spec.md §6's `inference.batching` block.
type BatchingConfig struct {
	MaxTokens int `json:"maxTokens" yaml:"maxTokens"`
}

// ChatTemplateConfig is spec.md §6's `inference.chatTemplate` block.
type ChatTemplateConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// InferenceConfig groups the generation-time knobs of spec.md §6.
type InferenceConfig struct {
	Sampling      SamplingConfig     `json:"sampling" yaml:"sampling"`
	Batching      BatchingConfig     `json:"batching" yaml:"batching"`
	ChatTemplate  ChatTemplateConfig `json:"chatTemplate" yaml:"chatTemplate"`
	OnContextFull ContextFullPolicy  `json:"onContextFull" yaml:"onContextFull"`
}

// StorageConfig is spec.md §6's `loading.storage` block.
type StorageConfig struct {
	Preference StoragePreference `json:"preference" yaml:"preference"`
	RootName   string            `json:"rootName,omitempty" yaml:"rootName,omitempty"`
}

// LoadingConfig groups model-loading knobs.
type LoadingConfig struct {
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// ProbeSpec is one tap from spec.md §6's `debug.probes` list: inspect an
// intermediate tensor value without modifying the pipeline.
type ProbeSpec struct {
	TensorName string `json:"tensorName" yaml:"tensorName"`
	Token      *int   `json:"token,omitempty" yaml:"token,omitempty"`
	Indices    []int  `json:"indices,omitempty" yaml:"indices,omitempty"`
}

// DebugConfig groups inspection-only knobs that never affect generation
// output.
type DebugConfig struct {
	Probes []ProbeSpec `json:"probes,omitempty" yaml:"probes,omitempty"`
}

// SharedConfig groups knobs that apply outside of generation itself.
type SharedConfig struct {
	ToolingIntent ToolingIntent `json:"toolingIntent" yaml:"toolingIntent"`
}

// RuntimeConfig is the full external configuration surface of spec.md §6.
// It is resolved once, at [CreatePipeline] time, and frozen on the
// resulting Pipeline: spec.md §9 forbids post-creation mutation of
// global/pipeline configuration.
type RuntimeConfig struct {
	Inference InferenceConfig `json:"inference" yaml:"inference"`
	Loading   LoadingConfig   `json:"loading" yaml:"loading"`
	Shared    SharedConfig    `json:"shared" yaml:"shared"`
	Debug     DebugConfig     `json:"debug" yaml:"debug"`
}

// DefaultRuntimeConfig returns the configuration a Pipeline uses when none
// is supplied: greedy-leaning sampling disabled (temperature 1, full
// top-p/top-k), a generous per-generation cap, directory storage
// auto-detection, and the context-full policy set to stop.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Inference: InferenceConfig{
			Sampling:      SamplingConfig{Temperature: 1.0, TopP: 1.0, TopK: 0},
			Batching:      BatchingConfig{MaxTokens: 256},
			ChatTemplate:  ChatTemplateConfig{Enabled: false},
			OnContextFull: ContextFullStop,
		},
		Loading: LoadingConfig{
			Storage: StorageConfig{Preference: StorageAuto},
		},
		Shared: SharedConfig{ToolingIntent: IntentNone},
	}
}

// LoadConfigJSON decodes a RuntimeConfig from JSON, as produced by a
// `doppler.config.json` sibling to a model's manifest.json.
func LoadConfigJSON(data []byte) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RuntimeConfig{}, errs.New(errs.InvalidManifest, "config JSON decode failed", err)
	}
	if err := cfg.validate(); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

// LoadConfigYAML decodes a RuntimeConfig from a human-edited
// `doppler.yaml`, using the same field layout as [LoadConfigJSON].
func LoadConfigYAML(data []byte) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RuntimeConfig{}, errs.New(errs.InvalidManifest, "config YAML decode failed", err)
	}
	if err := cfg.validate(); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

func (c RuntimeConfig) validate() error {
	s := c.Inference.Sampling
	if s.Temperature < 0 {
		return errs.New(errs.InvalidManifest, "inference.sampling.temperature must be >= 0", nil)
	}
	if s.TopP < 0 || s.TopP > 1 {
		return errs.New(errs.InvalidManifest, "inference.sampling.topP must be in [0,1]", nil)
	}
	if s.TopK < 0 {
		return errs.New(errs.InvalidManifest, "inference.sampling.topK must be >= 0", nil)
	}
	if c.Inference.Batching.MaxTokens < 1 {
		return errs.New(errs.InvalidManifest, "inference.batching.maxTokens must be >= 1", nil)
	}
	switch c.Inference.OnContextFull {
	case ContextFullStop, ContextFullError, "":
	default:
		return errs.Newf(errs.InvalidManifest, nil, "inference.onContextFull: unknown policy %q", c.Inference.OnContextFull)
	}
	switch c.Loading.Storage.Preference {
	case StorageDirectory, StorageKeyValue, StorageAuto, "":
	default:
		return errs.Newf(errs.InvalidManifest, nil, "loading.storage.preference: unknown value %q", c.Loading.Storage.Preference)
	}
	switch c.Shared.ToolingIntent {
	case IntentNone, IntentVerify, IntentInvestigate, IntentCalibrate:
	default:
		return errs.Newf(errs.InvalidManifest, nil, "shared.toolingIntent: unknown value %q", c.Shared.ToolingIntent)
	}
	return nil
}

// RequireToolingIntent fails with [KindIntentRequired] unless the config
// carries one of the diagnostics intents, per spec.md §7's gating of the
// diagnostics CLI surface.
func (c RuntimeConfig) RequireToolingIntent() error {
	if c.Shared.ToolingIntent == IntentNone {
		return errs.New(errs.IntentRequired, "operation requires shared.tooling.intent to be set", nil)
	}
	return nil
}
