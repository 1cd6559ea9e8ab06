package device

import (
	"context"
	"testing"
)

func TestProbeReportsCapabilities(t *testing.T) {
	d, err := New(NewCPUBackend(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	caps, err := d.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if caps.Limits.MaxBufferSize == 0 {
		t.Error("expected non-zero MaxBufferSize")
	}
}

func TestCompilePipelineCaches(t *testing.T) {
	d, _ := New(NewCPUBackend(0))
	p1, err := d.CompilePipeline("matmul", "f32")
	if err != nil {
		t.Fatalf("CompilePipeline: %v", err)
	}
	p2, err := d.CompilePipeline("matmul", "f32")
	if err != nil {
		t.Fatalf("CompilePipeline: %v", err)
	}
	if p1 != p2 {
		t.Error("expected cached pipeline to be returned on second compile")
	}
	p3, err := d.CompilePipeline("matmul", "f16")
	if err != nil {
		t.Fatalf("CompilePipeline: %v", err)
	}
	if p3 == p1 {
		t.Error("different specialization keys should yield different pipelines")
	}
}

func TestMarkLostRejectsFurtherWork(t *testing.T) {
	d, _ := New(NewCPUBackend(0))
	d.MarkLost()
	if !d.Lost() {
		t.Fatal("expected Lost() to be true")
	}
	if _, err := d.CreateBuffer(16); err == nil {
		t.Fatal("expected error after device lost")
	}
	select {
	case <-d.LostChan():
	default:
		t.Error("expected LostChan to be closed")
	}
}

func TestSubmitRunsFn(t *testing.T) {
	d, _ := New(NewCPUBackend(0))
	ran := false
	if err := d.Submit(context.Background(), func() error { ran = true; return nil }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !ran {
		t.Error("expected submitted function to run")
	}
}
