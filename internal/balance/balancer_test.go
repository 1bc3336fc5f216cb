package balance

import (
	"testing"
	"time"

	"github.com/drover-dev/drover/pkg/models"
)

func candidate(id string, load, capacity int) *models.Agent {
	return &models.Agent{
		ID:            id,
		CurrentLoad:   load,
		MaxConcurrent: capacity,
	}
}

func TestSelectEmpty(t *testing.T) {
	b := New()
	if got := b.Select(nil); got != nil {
		t.Errorf("expected nil for no candidates, got %v", got)
	}
}

func TestSelectPrefersLowerUtilization(t *testing.T) {
	b := New()
	busy := candidate("busy", 3, 4)
	idle := candidate("idle", 0, 4)

	if got := b.Select([]*models.Agent{busy, idle}); got.ID != "idle" {
		t.Errorf("expected idle, got %s", got.ID)
	}
}

func TestSelectTieBrokenByID(t *testing.T) {
	b := New()
	x := candidate("x", 1, 4)
	a := candidate("a", 1, 4)

	if got := b.Select([]*models.Agent{x, a}); got.ID != "a" {
		t.Errorf("expected a on tie, got %s", got.ID)
	}
	// Order of candidates must not matter.
	if got := b.Select([]*models.Agent{a, x}); got.ID != "a" {
		t.Errorf("expected a on tie regardless of order, got %s", got.ID)
	}
}

func TestSelectWeightOffsetsUtilization(t *testing.T) {
	// With alpha 1.0 and lambda 1.0, one fast sample dominates the weight.
	b := New(WithAlpha(1.0), WithLambda(1.0))

	fast := candidate("fast", 2, 4)
	slow := candidate("slow", 1, 4)
	b.RecordSample("fast", 100*time.Millisecond) // weight 10
	b.RecordSample("slow", 10*time.Second)       // weight 0.1

	// fast: 0.5 - 10 = -9.5, slow: 0.25 - 0.1 = 0.15.
	if got := b.Select([]*models.Agent{fast, slow}); got.ID != "fast" {
		t.Errorf("expected weight to outrank utilization, got %s", got.ID)
	}
}

func TestWeightDefaultsBeforeSamples(t *testing.T) {
	b := New()
	if got := b.Weight("unseen"); got != initialWeight {
		t.Errorf("expected initial weight %v, got %v", initialWeight, got)
	}
}

func TestRecordSampleEMA(t *testing.T) {
	b := New(WithLambda(0.5))

	// score(1s) = 1.0: weight = 0.5*1.0 + 0.5*1.0 = 1.0
	b.RecordSample("a1", time.Second)
	if got := b.Weight("a1"); got != 1.0 {
		t.Errorf("expected weight 1.0, got %v", got)
	}

	// score(0.5s) = 2.0: weight = 0.5*1.0 + 0.5*2.0 = 1.5
	b.RecordSample("a1", 500*time.Millisecond)
	if got := b.Weight("a1"); got != 1.5 {
		t.Errorf("expected weight 1.5, got %v", got)
	}
}

func TestRecordSampleClampsTinyDurations(t *testing.T) {
	b := New(WithLambda(1.0))
	b.RecordSample("a1", 0)
	// Floor of 1ms gives a score of 1000.
	if got := b.Weight("a1"); got != 1000 {
		t.Errorf("expected clamped score 1000, got %v", got)
	}
}

func TestSamplesRingOrder(t *testing.T) {
	b := New(WithSampleWindow(3))
	for _, d := range []time.Duration{1, 2, 3, 4} {
		b.RecordSample("a1", d*time.Second)
	}

	samples := b.Samples("a1")
	if len(samples) != 3 {
		t.Fatalf("expected 3 retained samples, got %d", len(samples))
	}
	// Oldest first: 2s, 3s, 4s (1s was overwritten).
	for i, want := range []time.Duration{2, 3, 4} {
		if samples[i].Elapsed != want*time.Second {
			t.Errorf("sample %d: expected %v, got %v", i, want*time.Second, samples[i].Elapsed)
		}
	}
}

func TestSamplesUnknownAgent(t *testing.T) {
	b := New()
	if got := b.Samples("ghost"); got != nil {
		t.Errorf("expected nil samples, got %v", got)
	}
}

func TestForget(t *testing.T) {
	b := New()
	b.RecordSample("a1", time.Second)
	b.Forget("a1")

	if got := b.Weight("a1"); got != initialWeight {
		t.Errorf("expected weight reset to initial after forget, got %v", got)
	}
	if _, ok := b.Weights()["a1"]; ok {
		t.Error("expected a1 absent from weights map after forget")
	}
}

func TestSetAlpha(t *testing.T) {
	b := New(WithAlpha(0.0))
	fast := candidate("fast", 2, 4)
	slow := candidate("slow", 1, 4)
	b.RecordSample("fast", 100*time.Millisecond)

	// alpha 0: pure utilization, slow (0.25) beats fast (0.5).
	if got := b.Select([]*models.Agent{fast, slow}); got.ID != "slow" {
		t.Fatalf("expected slow with alpha 0, got %s", got.ID)
	}

	b.SetAlpha(1.0)
	if got := b.Select([]*models.Agent{fast, slow}); got.ID != "fast" {
		t.Errorf("expected fast after raising alpha, got %s", got.ID)
	}
}
