package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.EscalateThreshold != 0.7 {
		t.Fatalf("threshold = %v", cfg.Pipeline.EscalateThreshold)
	}
	if cfg.Server.Addr != ":8311" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}

func TestFromYAMLKeepsDefaultsForOmittedFields(t *testing.T) {
	cfg, err := FromYAML([]byte("pipeline:\n  escalate_threshold: 0.85\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.EscalateThreshold != 0.85 {
		t.Fatalf("threshold = %v", cfg.Pipeline.EscalateThreshold)
	}
	if cfg.Analyzer.Model != "gpt-4o-mini" {
		t.Fatalf("model default lost: %q", cfg.Analyzer.Model)
	}
	if cfg.Pipeline.Lanes.Audit != "audit" {
		t.Fatalf("lane default lost: %q", cfg.Pipeline.Lanes.Audit)
	}
}

func TestStageForBackfillsPolicyFields(t *testing.T) {
	p := Pipeline{Stages: map[string]Stage{
		StageAnalysis: {Tries: 5},
	}}
	s := p.StageFor(StageAnalysis)
	if s.Tries != 5 {
		t.Fatalf("tries = %d", s.Tries)
	}
	if s.Timeout() != 120*time.Second {
		t.Fatalf("timeout = %v, want the analysis default", s.Timeout())
	}
	// A stage absent from the map gets the built-in policy whole.
	if got := p.StageFor(StageAudit); got.Tries != 1 || got.EnqueueDelay() != 10*time.Second {
		t.Fatalf("audit stage = %+v", got)
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.EscalateThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected threshold error")
	}
}

func TestValidateRejectsDuplicateLanes(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Lanes.Audit = cfg.Pipeline.Lanes.Analysis
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicates lane") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateRejectsUnknownStage(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Stages["cleanup"] = Stage{Tries: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown stage error")
	}
}

func TestValidateRequiresVectorHostWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Vectors.Enabled = true
	cfg.Vectors.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected vectors.host error")
	}
}

func TestWorkerIntervalFloor(t *testing.T) {
	if (Pipeline{}).WorkerInterval() != 2*time.Second {
		t.Fatal("zero interval should fall back to 2s")
	}
	if (Pipeline{WorkerIntervalSeconds: 7}).WorkerInterval() != 7*time.Second {
		t.Fatal("configured interval ignored")
	}
}
