package doppler

import (
	"context"
	"time"

	"github.com/dopplerai/doppler/internal/errs"
	"github.com/dopplerai/doppler/internal/kernel"
	"github.com/dopplerai/doppler/internal/layer"
	"github.com/dopplerai/doppler/internal/tokenizer"
	"github.com/google/uuid"
)

// Generate starts one streaming generation, per spec.md §4.10: tokenize,
// then prefill (one pipeline pass over the whole prompt). The returned
// session's Next method drives the decode loop one token at a time.
// Only one generation may be in flight per pipeline at a time (§5); a
// concurrent call fails with [errs.AlreadyGenerating] without touching
// any pipeline state.
func (p *Pipeline) Generate(ctx context.Context, opts GenerateOptions) (*GenerationSession, error) {
	if err := p.checkNotUnloaded(); err != nil {
		return nil, err
	}
	if !p.gen.TryAcquire(1) {
		return nil, errs.New(errs.AlreadyGenerating, "a generation is already in progress on this pipeline", nil)
	}

	sess, err := p.startSession(ctx, opts)
	if err != nil {
		p.gen.Release(1)
		return nil, err
	}
	return sess, nil
}

// tokenizeInput resolves opts to a concrete id sequence: PromptIDs takes
// priority, then chat-template formatting (when enabled and messages are
// supplied), then plain Prompt encoding.
func (p *Pipeline) tokenizeInput(opts GenerateOptions) ([]int, error) {
	if len(opts.PromptIDs) > 0 {
		return opts.PromptIDs, nil
	}

	text := opts.Prompt
	if p.config.Inference.ChatTemplate.Enabled && len(opts.Messages) > 0 {
		formatted, err := p.tok.ApplyChatTemplate(opts.Messages, "chatml")
		if err != nil {
			return nil, err
		}
		text = formatted
	}
	return p.tok.Encode(text, tokenizer.EncodeOptions{})
}

// startSession runs tokenize + prefill synchronously and returns a
// session positioned to decode its first token on the first Next() call.
func (p *Pipeline) startSession(ctx context.Context, opts GenerateOptions) (*GenerationSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New(errs.Aborted, "generate: cancelled before prefill", err)
	}

	ids, err := p.tokenizeInput(opts)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errs.New(errs.ShapeMismatch, "generate: prompt encodes to zero tokens", nil)
	}

	arch := p.manifest.Architecture()
	startPos := p.kv.SeqLen()
	if startPos+int64(len(ids)) > arch.MaxContext {
		return nil, errs.Newf(errs.CapacityExceeded, nil,
			"generate: prompt would grow context to %d, exceeding maxContext %d", startPos+int64(len(ids)), arch.MaxContext)
	}

	sampling := p.config.Inference.Sampling
	if opts.Temperature != nil {
		sampling.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		sampling.TopP = *opts.TopP
	}
	if opts.TopK != nil {
		sampling.TopK = *opts.TopK
	}
	seed := sampling.Seed
	if opts.Seed != nil {
		seed = opts.Seed
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.Inference.Batching.MaxTokens
	}

	start := time.Now()

	positions := make([]int64, len(ids))
	idx64 := make([]int64, len(ids))
	for i, id := range ids {
		positions[i] = startPos + int64(i)
		idx64[i] = int64(id)
	}

	logits, err := p.forwardAndLogits(idx64, len(ids), positions)
	if err != nil {
		return nil, err
	}

	eosID, hasEOS := 0, false
	if p.manifest.Tokenizer().EOSId != nil {
		eosID, hasEOS = *p.manifest.Tokenizer().EOSId, true
	} else if id, ok := p.tok.EOSId(); ok {
		eosID, hasEOS = id, true
	}

	sess := &GenerationSession{
		id:            uuid.NewString(),
		pipeline:      p,
		sampler:       newSampler(seed),
		sampling:      sampling,
		logitSoftcap:  arch.LogitSoftcap,
		onContextFull: p.config.Inference.OnContextFull,
		maxTokens:     maxTokens,
		maxContext:    arch.MaxContext,
		eosID:         eosID,
		hasEOS:        hasEOS,
		pendingLogits: logits,
		start:         start,
		metrics: GenerationMetrics{
			PrefillTokens: len(ids),
			PrefillTimeMs: msSince(start),
		},
	}
	return sess, nil
}

// forwardAndLogits embeds ids, runs every layer, and returns the logits
// for the final row only — the one position the decode loop ever needs.
func (p *Pipeline) forwardAndLogits(ids []int64, t int, positions []int64) ([]float32, error) {
	arch := p.manifest.Architecture()
	h := int(arch.HiddenDim)

	x, err := kernel.Gather(p.embed, int(arch.VocabSize), h, ids)
	if err != nil {
		return nil, err
	}

	for i := range p.layers {
		x, err = layer.Block(i, x, t, positions, p.layers[i], p.layerCfg, p.kv)
		if err != nil {
			return nil, err
		}
	}

	lastRow := x[(t-1)*h : t*h]
	normed, err := kernel.RMSNorm(lastRow, p.finalNormW, p.layerCfg.NormEps, 1, h)
	if err != nil {
		return nil, err
	}

	lmHead := p.outputEmbed
	if lmHead == nil {
		lmHead = p.embed // tied embeddings
	}
	return kernel.MatMul(normed, lmHead, 1, h, int(arch.VocabSize), true)
}

// Next advances the decode loop by one token. ok is false once the
// stream has resolved, whether naturally (err == nil), by cancellation
// (err is Aborted-kind, per spec.md §4.10: already-streamed text remains
// valid), or by an error translated from a kernel/allocator failure.
func (s *GenerationSession) Next(ctx context.Context) (Token, bool, error) {
	if s.done {
		return Token{}, false, s.err
	}

	if s.stopNext {
		s.finish(s.stopErr)
		return Token{}, false, s.err
	}

	if err := ctx.Err(); err != nil {
		s.finish(errs.New(errs.Aborted, "generate: cancelled", err))
		return Token{}, false, s.err
	}

	stepStart := time.Now()

	id, err := s.sampler.next(s.pendingLogits, s.logitSoftcap, s.sampling)
	if err != nil {
		s.finish(err)
		return Token{}, false, s.err
	}
	piece, err := s.pipeline.tok.DecodePiece(id)
	if err != nil {
		s.finish(err)
		return Token{}, false, s.err
	}

	s.tokensGenerated++
	s.metrics.DecodeTokens++
	if s.tokensGenerated == 1 {
		s.metrics.TTFTMs = msSince(s.start)
	}

	stop := s.tokensGenerated >= s.maxTokens
	if s.hasEOS && id == s.eosID {
		stop = true
	}
	naturalStop := stop // maxTokens/EOS, decided before context capacity enters the picture

	// The sampled token's own K/V is committed to the cache regardless of
	// whether this step also happens to be the stream's last (maxTokens
	// or EOS), per spec.md §8 scenario S2: a maxTokens=10 generation ends
	// with KV.seqLen covering all 10 decoded tokens, not 9. Context-full is
	// the one case that genuinely skips the append: there is no cache row
	// left to write into.
	if s.pipeline.kv.SeqLen()+1 > s.maxContext {
		stop = true
		if !naturalStop && s.onContextFull == ContextFullError {
			s.stopErr = errs.New(errs.CapacityExceeded, "generate: context is full", nil)
		}
	} else {
		pos := []int64{s.pipeline.kv.SeqLen()}
		logits, fwdErr := s.pipeline.forwardAndLogits([]int64{int64(id)}, 1, pos)
		if fwdErr != nil {
			stop = true
			s.stopErr = fwdErr
		} else if !stop {
			s.pendingLogits = logits
		}
	}

	s.metrics.DecodeTimeMs += msSince(stepStart)

	if stop {
		s.stopNext = true
	}
	return Token{ID: id, Piece: piece}, true, nil
}
