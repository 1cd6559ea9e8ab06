package doppler

import (
	"context"
	"testing"

	"github.com/dopplerai/doppler/internal/tokenizer"
)

// TestGenerateDeterministicGreedyDecode exercises spec.md's "dummy
// two-layer model" scenario: with temperature 0 (argmax decoding), two
// independent generations over the same prompt on freshly-created
// pipelines must produce byte-identical token sequences.
func TestGenerateDeterministicGreedyDecode(t *testing.T) {
	run := func() []int {
		p := newFixturePipeline(t, DefaultRuntimeConfig(), 128)
		defer p.Unload()

		temp := 0.0
		sess, err := p.Generate(context.Background(), GenerateOptions{PromptIDs: []int{0, 1}, MaxTokens: 3, Temperature: &temp})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		var ids []int
		for {
			tok, ok, err := sess.Next(context.Background())
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !ok {
				break
			}
			ids = append(ids, tok.ID)
		}
		return ids
	}

	a := run()
	b := run()
	if len(a) == 0 {
		t.Fatal("expected at least one generated token")
	}
	if len(a) != len(b) {
		t.Fatalf("non-deterministic token count: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("non-deterministic token at %d: %v vs %v", i, a, b)
		}
	}
}

func TestGenerateStopsAtMaxTokens(t *testing.T) {
	p := newFixturePipeline(t, DefaultRuntimeConfig(), 128)
	defer p.Unload()

	temp := 0.0
	sess, err := p.Generate(context.Background(), GenerateOptions{PromptIDs: []int{0}, MaxTokens: 2, Temperature: &temp})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var n int
	for {
		_, ok, err := sess.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		n++
	}
	if n != 2 {
		t.Errorf("emitted %d tokens, want exactly MaxTokens=2", n)
	}
	m := sess.Metrics()
	if m.DecodeTokens != 2 {
		t.Errorf("Metrics().DecodeTokens = %d, want 2", m.DecodeTokens)
	}
	if m.TTFTMs < 0 || m.TotalTimeMs < 0 {
		t.Errorf("Metrics() has negative timing: %+v", m)
	}
}

// TestGenerateCommitsStoppingTokenKVToCache checks spec.md §8 scenario S2:
// a one-token prompt with MaxTokens=10 ends with KV.seqLen covering the
// prefill token plus all 10 decoded tokens — including the 10th, which is
// also the one that triggers the maxTokens stop. A generator that drops
// the stopping token's own K/V would leave seqLen at 10, not 11.
func TestGenerateCommitsStoppingTokenKVToCache(t *testing.T) {
	ds, modelID := fixtureModel(t, 128)
	// No <eos> in this tokenizer's specials, so the run below is guaranteed
	// to stop at MaxTokens rather than risk an earlier EOS draw.
	noEOSTok, err := tokenizer.NewVocabTokenizer([]string{"a", "b", "c", "d"}, nil)
	if err != nil {
		t.Fatalf("NewVocabTokenizer: %v", err)
	}
	p, err := CreatePipeline(context.Background(), modelID, PipelineOptions{
		Config:    DefaultRuntimeConfig(),
		DirStore:  ds,
		Tokenizer: noEOSTok,
	})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	defer p.Unload()

	temp := 0.0
	sess, err := p.Generate(context.Background(), GenerateOptions{PromptIDs: []int{0}, MaxTokens: 10, Temperature: &temp})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var n int
	for {
		_, ok, err := sess.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		n++
	}
	if n != 10 {
		t.Fatalf("emitted %d tokens, want exactly MaxTokens=10", n)
	}
	if got := p.kv.SeqLen(); got != 11 {
		t.Errorf("KV.SeqLen() = %d, want 11 (1 prefill token + 10 decoded tokens)", got)
	}
}

// TestGenerateCancellationStopsStreamWithAborted checks spec.md §5's
// cancellation contract: a context cancelled before a Next() call
// terminates the stream with Aborted, without discarding tokens already
// emitted on prior calls.
func TestGenerateCancellationStopsStreamWithAborted(t *testing.T) {
	p := newFixturePipeline(t, DefaultRuntimeConfig(), 128)
	defer p.Unload()

	ctx, cancel := context.WithCancel(context.Background())
	temp := 0.0
	sess, err := p.Generate(ctx, GenerateOptions{PromptIDs: []int{0}, MaxTokens: 50, Temperature: &temp})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	tok, ok, err := sess.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a token before cancellation, got tok=%v ok=%v err=%v", tok, ok, err)
	}

	cancel()
	if _, ok, err := sess.Next(ctx); ok || err == nil {
		t.Fatalf("expected cancellation to end the stream with an error, got ok=%v err=%v", ok, err)
	} else if k, kok := KindOf(err); !kok || k != KindAborted {
		t.Errorf("KindOf(err) = (%v, %v), want (KindAborted, true)", k, kok)
	}

	// The semaphore must have been released so a subsequent Generate call
	// on the same pipeline succeeds.
	sess2, err := p.Generate(context.Background(), GenerateOptions{PromptIDs: []int{0}, MaxTokens: 1})
	if err != nil {
		t.Fatalf("Generate after cancellation: %v", err)
	}
	if _, _, err := sess2.Next(context.Background()); err != nil {
		t.Fatalf("Next on post-cancellation session: %v", err)
	}
}

func TestGenerateRejectsEmptyPromptIDs(t *testing.T) {
	p := newFixturePipeline(t, DefaultRuntimeConfig(), 128)
	defer p.Unload()

	if _, err := p.Generate(context.Background(), GenerateOptions{PromptIDs: nil, Prompt: ""}); err == nil {
		t.Fatal("expected an error for a prompt that encodes to zero tokens")
	}
}
