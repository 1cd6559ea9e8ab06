package doppler

import "testing"

func TestSamplerGreedyAtZeroTemperatureIsArgmax(t *testing.T) {
	s := newSampler(nil)
	logits := []float32{0.1, 0.2, 5.0, -1.0}
	cfg := SamplingConfig{Temperature: 0}

	for i := 0; i < 5; i++ {
		id, err := s.next(logits, 0, cfg)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if id != 2 {
			t.Errorf("next() = %d, want 2 (the argmax index) on iteration %d", id, i)
		}
	}
}

func TestSamplerTopKOneIsDeterministic(t *testing.T) {
	s := newSampler(nil)
	logits := []float32{1, 2, 9, 3}
	cfg := SamplingConfig{Temperature: 1, TopP: 1, TopK: 1}

	for i := 0; i < 10; i++ {
		id, err := s.next(logits, 0, cfg)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if id != 2 {
			t.Errorf("next() = %d, want 2 (the only candidate kept by topK=1)", id)
		}
	}
}

func TestSamplerSeededIsReproducible(t *testing.T) {
	logits := []float32{1, 1.5, 1.2, 0.9, 2.0, 1.8}
	cfg := SamplingConfig{Temperature: 1, TopP: 1, TopK: 0}
	seed := uint64(42)

	draw := func() []int {
		s := newSampler(&seed)
		var ids []int
		for i := 0; i < 20; i++ {
			id, err := s.next(logits, 0, cfg)
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			ids = append(ids, id)
		}
		return ids
	}

	a, b := draw(), draw()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seeded sampler not reproducible at draw %d: %v vs %v", i, a, b)
		}
	}
}

func TestSamplerDifferentSeedsCanDiverge(t *testing.T) {
	logits := []float32{1, 1.5, 1.2, 0.9, 2.0, 1.8}
	cfg := SamplingConfig{Temperature: 1, TopP: 1, TopK: 0}
	s1seed, s2seed := uint64(1), uint64(2)
	s1, s2 := newSampler(&s1seed), newSampler(&s2seed)

	diverged := false
	for i := 0; i < 50; i++ {
		id1, err := s1.next(logits, 0, cfg)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		id2, err := s2.next(logits, 0, cfg)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if id1 != id2 {
			diverged = true
			break
		}
	}
	if !diverged {
		t.Error("expected two differently-seeded samplers to diverge across 50 draws")
	}
}

func TestSamplerRespectsExplicitZeroTopP(t *testing.T) {
	// topP <= 0 means "keep only the top entry" (kernel.TopP's documented
	// semantics) and must not be silently coerced to 1.0 — the sampler
	// passes cfg.TopP straight through.
	s := newSampler(nil)
	logits := []float32{0.1, 0.2, 5.0, -1.0}
	cfg := SamplingConfig{Temperature: 1, TopP: 0, TopK: 0}

	for i := 0; i < 10; i++ {
		id, err := s.next(logits, 0, cfg)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if id != 2 {
			t.Errorf("next() = %d, want 2 (the only mass topP<=0 retains)", id)
		}
	}
}
