package doppler

import (
	"time"

	"github.com/dopplerai/doppler/internal/logging"
	"github.com/dopplerai/doppler/internal/tokenizer"
)

// GenerateOptions configures one [Pipeline.Generate] call. Every sampling
// field overrides the pipeline's RuntimeConfig.Inference.Sampling default
// when set; a nil field inherits the pipeline's configured value.
type GenerateOptions struct {
	// Prompt is encoded via the pipeline's tokenizer. Ignored if PromptIDs
	// is non-empty.
	Prompt string
	// Messages, when non-empty and chatTemplate is enabled, are formatted
	// via the tokenizer's chat template before encoding in place of Prompt.
	Messages []tokenizer.Message
	// PromptIDs bypasses tokenization entirely, for callers that already
	// hold token ids (e.g. continuing a prior session's output).
	PromptIDs []int

	MaxTokens   int
	Temperature *float64
	TopP        *float64
	TopK        *int
	Seed        *uint64
}

// Token is one streamed generation step.
type Token struct {
	ID    int
	Piece string
}

// GenerationMetrics is spec.md §4.10's per-generation metrics block,
// finalized once the stream resolves (naturally, by cancellation, or by
// error).
type GenerationMetrics struct {
	TTFTMs        float64
	PrefillTokens int
	PrefillTimeMs float64
	DecodeTokens  int
	DecodeTimeMs  float64
	TotalTimeMs   float64
	TokensPerSec  float64
}

// GenerationSession is the pull-based stream handle [Pipeline.Generate]
// returns: each call to [GenerationSession.Next] advances the decode loop
// by exactly one token, matching spec.md §5's single-suspension-point
// model (no background goroutine races the pipeline's KV cache).
type GenerationSession struct {
	id       string
	pipeline *Pipeline
	sampler  *sampler

	sampling      SamplingConfig
	logitSoftcap  float64
	onContextFull ContextFullPolicy
	maxTokens     int
	maxContext    int64
	eosID         int
	hasEOS        bool

	pendingLogits []float32

	tokensGenerated int
	start           time.Time

	// stopNext/stopErr, when stopNext is true, short-circuit the next
	// Next() call: the token that triggered the stop condition has
	// already been emitted, so this call only finalizes the stream.
	stopNext bool
	stopErr  error

	done    bool
	err     error
	metrics GenerationMetrics
}

// ID uniquely identifies this generation, for correlating logs/metrics
// across a streamed call.
func (s *GenerationSession) ID() string {
	return s.id
}

// Metrics returns the session's metrics. Times after the stream resolves
// are final; before that, DecodeTokens/DecodeTimeMs reflect tokens
// emitted so far.
func (s *GenerationSession) Metrics() GenerationMetrics {
	return s.metrics
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}

// finish transitions the session to its terminal state exactly once,
// finalizing metrics and releasing the pipeline's single-generation
// semaphore so a subsequent Generate call may proceed.
func (s *GenerationSession) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.metrics.TotalTimeMs = msSince(s.start)
	if s.metrics.DecodeTimeMs > 0 {
		s.metrics.TokensPerSec = float64(s.metrics.DecodeTokens) / s.metrics.DecodeTimeMs
	}
	logging.Get().Debug("generation finished", "sessionId", s.id, "decodeTokens", s.metrics.DecodeTokens, "err", err)
	s.pipeline.gen.Release(1)
}
