package coordinator

import (
	"testing"
	"time"

	"github.com/sureshkrishnan-v/xdplb/internal/config"
	"github.com/sureshkrishnan-v/xdplb/internal/health"
)

func TestEffectiveTargets_ExcludesOpenBreaker(t *testing.T) {
	targets := map[string]config.TargetConfig{
		"10.0.0.1:80": {IP: "10.0.0.1", Port: 80, Weight: 50},
		"10.0.0.2:80": {IP: "10.0.0.2", Port: 80, Weight: 50},
	}
	isOpen := func(key string) bool { return key == "10.0.0.1:80" }

	out := effectiveTargets(targets, nil, isOpen, nil)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].Port != 80 || out[0].IP.String() != "10.0.0.2" {
		t.Errorf("unexpected surviving target: %+v", out[0])
	}
}

func TestEffectiveTargets_ExcludesDrainingTarget(t *testing.T) {
	targets := map[string]config.TargetConfig{
		"10.0.0.1:80": {IP: "10.0.0.1", Port: 80, Weight: 50},
		"10.0.0.2:80": {IP: "10.0.0.2", Port: 80, Weight: 50},
	}
	isDrained := func(key string) bool { return key == "10.0.0.1:80" }

	out := effectiveTargets(targets, nil, nil, isDrained)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].IP.String() != "10.0.0.2" {
		t.Errorf("unexpected surviving target: %+v", out[0])
	}
}

func TestEffectiveTargets_AllUnhealthyFallsBackToOriginalWeights(t *testing.T) {
	targets := map[string]config.TargetConfig{
		"10.0.0.1:80": {IP: "10.0.0.1", Port: 80, Weight: 100},
		"10.0.0.2:80": {IP: "10.0.0.2", Port: 80, Weight: 50},
	}
	snapshot := map[string]health.TargetHealth{
		"10.0.0.1:80": {Status: health.StatusUnhealthy},
		"10.0.0.2:80": {Status: health.StatusUnhealthy},
	}

	out := effectiveTargets(targets, snapshot, nil, nil)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 (original weight vector retained)", len(out))
	}
	weights := make(map[string]uint8, len(out))
	for _, tgt := range out {
		weights[tgt.IP.String()] = tgt.Weight
	}
	if weights["10.0.0.1"] != 100 || weights["10.0.0.2"] != 50 {
		t.Errorf("weights = %+v, want original configured weights", weights)
	}
}

func TestEffectiveTargets_AllBreakersOpenFallsBackToOriginalWeights(t *testing.T) {
	targets := map[string]config.TargetConfig{
		"10.0.0.1:80": {IP: "10.0.0.1", Port: 80, Weight: 50},
		"10.0.0.2:80": {IP: "10.0.0.2", Port: 80, Weight: 50},
	}
	isOpen := func(key string) bool { return true }

	out := effectiveTargets(targets, nil, isOpen, nil)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 (original weight vector retained)", len(out))
	}
}

func TestEffectiveTargets_ScalesByHealthRamp(t *testing.T) {
	targets := map[string]config.TargetConfig{
		"10.0.0.1:80": {IP: "10.0.0.1", Port: 80, Weight: 100},
	}
	snapshot := map[string]health.TargetHealth{
		"10.0.0.1:80": {Status: health.StatusHealthy},
	}

	out := effectiveTargets(targets, snapshot, nil, nil)
	if len(out) != 1 || out[0].Weight != 100 {
		t.Fatalf("out = %+v, want a single target at weight 100", out)
	}
}

func TestEffectiveTargets_NoHealthRecordDefaultsToFullWeight(t *testing.T) {
	targets := map[string]config.TargetConfig{
		"10.0.0.1:80": {IP: "10.0.0.1", Port: 80, Weight: 10},
	}

	out := effectiveTargets(targets, map[string]health.TargetHealth{}, nil, nil)
	if len(out) != 1 || out[0].Weight != 10 {
		t.Fatalf("out = %+v, want a single target at weight 10", out)
	}
}

func TestBuildHealthSpec_NilUsesKindNone(t *testing.T) {
	spec := buildHealthSpec(nil)
	if spec.Kind != health.KindNone {
		t.Errorf("Kind = %v, want KindNone", spec.Kind)
	}
}

func TestBuildHealthSpec_OverridesOnlySetFields(t *testing.T) {
	hc := &config.HealthCheckSpec{Kind: "http", IntervalMs: 1000}
	spec := buildHealthSpec(hc)

	if spec.Kind != health.KindHTTP {
		t.Errorf("Kind = %v, want KindHTTP", spec.Kind)
	}
	if spec.Interval != time.Second {
		t.Errorf("Interval = %v, want 1s", spec.Interval)
	}
	if spec.Path != "/" {
		t.Errorf("Path = %q, want default /", spec.Path)
	}
}

func TestBuildCBConfig_NilUsesDefaults(t *testing.T) {
	cfg := buildCBConfig(nil)
	if cfg.MinRequests == 0 {
		t.Error("expected non-zero default MinRequests")
	}
}

func TestBuildCBConfig_OverridesErrorThreshold(t *testing.T) {
	cfg := buildCBConfig(&config.CircuitConfig{ErrorThresholdPc: 75})
	if cfg.ErrorThresholdPc != 75 {
		t.Errorf("ErrorThresholdPc = %v, want 75", cfg.ErrorThresholdPc)
	}
}
