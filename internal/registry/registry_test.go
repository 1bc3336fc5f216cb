package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drover-dev/drover/pkg/models"
)

// firstSelector picks the candidate with the lowest ID. Deterministic stand-in
// for the balancer.
type firstSelector struct{}

func (firstSelector) Select(candidates []*models.Agent) *models.Agent {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.ID < best.ID {
			best = a
		}
	}
	return best
}

func healthyAgent(id string, specs ...models.Specialization) *models.Agent {
	if len(specs) == 0 {
		specs = []models.Specialization{models.SpecCode}
	}
	return &models.Agent{
		ID:              id,
		Transport:       models.TransportNetwork,
		Address:         "http://localhost:8080",
		Specializations: specs,
		MaxConcurrent:   2,
		Health:          models.HealthHealthy,
		LastHeartbeat:   time.Now(),
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New(5 * time.Minute)
	if err := r.Register(healthyAgent("a1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.Get("a1")
	if got == nil || got.ID != "a1" {
		t.Fatalf("expected agent a1, got %v", got)
	}

	// Get hands out a copy, not the live record.
	got.CurrentLoad = 99
	if r.Get("a1").CurrentLoad != 0 {
		t.Error("Get must return a copy")
	}

	if got := r.Get("ghost"); got != nil {
		t.Errorf("expected nil for unknown agent, got %v", got)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(5 * time.Minute)
	if err := r.Register(healthyAgent("a1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := r.Register(healthyAgent("a1"))
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Errorf("expected ErrDuplicateAgent, got %v", err)
	}
}

func TestRegisterInvalid(t *testing.T) {
	r := New(5 * time.Minute)
	agent := healthyAgent("a1")
	agent.MaxConcurrent = 0
	if err := r.Register(agent); err == nil {
		t.Error("expected validation error")
	}
}

func TestUnregister(t *testing.T) {
	r := New(5 * time.Minute)
	if err := r.Register(healthyAgent("a1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Unregister("a1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Unregister("a1"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestSnapshotSorted(t *testing.T) {
	r := New(5 * time.Minute)
	for _, id := range []string{"c", "a", "b"} {
		if err := r.Register(healthyAgent(id)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(snap))
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap[i].ID != want {
			t.Errorf("expected %s at position %d, got %s", want, i, snap[i].ID)
		}
	}
}

func TestCandidatesSpecializationMatch(t *testing.T) {
	r := New(5 * time.Minute)
	r.Register(healthyAgent("coder", models.SpecCode))
	r.Register(healthyAgent("thinker", models.SpecReasoning))

	got := r.Candidates(models.SpecCode)
	if len(got) != 1 || got[0].ID != "coder" {
		t.Errorf("expected only coder, got %v", got)
	}
}

func TestCandidatesGeneralFallback(t *testing.T) {
	r := New(5 * time.Minute)
	r.Register(healthyAgent("generalist", models.SpecGeneral))
	r.Register(healthyAgent("thinker", models.SpecReasoning))

	// No embedding specialist registered: generalist steps in.
	got := r.Candidates(models.SpecEmbedding)
	if len(got) != 1 || got[0].ID != "generalist" {
		t.Errorf("expected generalist fallback, got %v", got)
	}
}

func TestCandidatesPreferSpecialistOverGeneral(t *testing.T) {
	r := New(5 * time.Minute)
	r.Register(healthyAgent("generalist", models.SpecGeneral))
	r.Register(healthyAgent("coder", models.SpecCode))

	got := r.Candidates(models.SpecCode)
	if len(got) != 1 || got[0].ID != "coder" {
		t.Errorf("expected specialist to shadow generalist, got %v", got)
	}
}

func TestCandidatesExcludeUnavailable(t *testing.T) {
	r := New(5 * time.Minute)
	now := time.Now()
	r.SetClock(func() time.Time { return now })

	stale := healthyAgent("stale")
	stale.LastHeartbeat = now.Add(-10 * time.Minute)
	sick := healthyAgent("sick")
	sick.Health = models.HealthUnhealthy
	sick.LastHeartbeat = now
	fresh := healthyAgent("fresh")
	fresh.LastHeartbeat = now

	for _, a := range []*models.Agent{stale, sick, fresh} {
		if err := r.Register(a); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got := r.Candidates(models.SpecCode)
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Errorf("expected only fresh, got %v", got)
	}
}

func TestAcquireForClaimsSlot(t *testing.T) {
	r := New(5 * time.Minute)
	r.Register(healthyAgent("a1"))

	chosen := r.AcquireFor(models.SpecCode, firstSelector{})
	if chosen == nil || chosen.ID != "a1" {
		t.Fatalf("expected a1, got %v", chosen)
	}
	if chosen.CurrentLoad != 1 {
		t.Errorf("expected returned copy to carry the claimed slot, got load %d", chosen.CurrentLoad)
	}
	if r.Get("a1").CurrentLoad != 1 {
		t.Errorf("expected live load 1, got %d", r.Get("a1").CurrentLoad)
	}
}

func TestAcquireForRespectsCapacity(t *testing.T) {
	r := New(5 * time.Minute)
	agent := healthyAgent("a1")
	agent.MaxConcurrent = 2
	r.Register(agent)

	if r.AcquireFor(models.SpecCode, firstSelector{}) == nil {
		t.Fatal("expected first acquire to succeed")
	}
	if r.AcquireFor(models.SpecCode, firstSelector{}) == nil {
		t.Fatal("expected second acquire to succeed")
	}
	if got := r.AcquireFor(models.SpecCode, firstSelector{}); got != nil {
		t.Errorf("expected nil at capacity, got %v", got)
	}

	r.Release("a1")
	if r.AcquireFor(models.SpecCode, firstSelector{}) == nil {
		t.Error("expected acquire to succeed after release")
	}
}

func TestAcquireForNoCandidates(t *testing.T) {
	r := New(5 * time.Minute)
	if got := r.AcquireFor(models.SpecCode, firstSelector{}); got != nil {
		t.Errorf("expected nil from empty registry, got %v", got)
	}
}

func TestAcquireForConcurrentNeverOversubscribes(t *testing.T) {
	r := New(5 * time.Minute)
	agent := healthyAgent("a1")
	agent.MaxConcurrent = 5
	r.Register(agent)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.AcquireFor(models.SpecCode, firstSelector{}) != nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 5 {
		t.Errorf("expected exactly 5 acquisitions, got %d", acquired)
	}
	if load := r.Get("a1").CurrentLoad; load != 5 {
		t.Errorf("expected load 5, got %d", load)
	}
}

func TestReleaseIsNoOpBelowZeroAndUnknown(t *testing.T) {
	r := New(5 * time.Minute)
	r.Register(healthyAgent("a1"))

	r.Release("a1")
	r.Release("ghost")
	if load := r.Get("a1").CurrentLoad; load != 0 {
		t.Errorf("expected load 0, got %d", load)
	}
}

func TestSetHealth(t *testing.T) {
	r := New(5 * time.Minute)
	agent := healthyAgent("a1")
	heartbeat := agent.LastHeartbeat
	r.Register(agent)

	r.SetHealth("a1", false, time.Now())
	got := r.Get("a1")
	if got.Health != models.HealthUnhealthy {
		t.Errorf("expected unhealthy, got %s", got.Health)
	}
	// Failed probe keeps the old heartbeat.
	if !got.LastHeartbeat.Equal(heartbeat) {
		t.Error("failed probe must not refresh the heartbeat")
	}

	at := time.Now().Add(time.Minute)
	r.SetHealth("a1", true, at)
	got = r.Get("a1")
	if got.Health != models.HealthHealthy {
		t.Errorf("expected healthy, got %s", got.Health)
	}
	if !got.LastHeartbeat.Equal(at) {
		t.Error("successful probe must refresh the heartbeat")
	}
}

func TestSetWeight(t *testing.T) {
	r := New(5 * time.Minute)
	r.Register(healthyAgent("a1"))
	r.SetWeight("a1", 2.5)
	if got := r.Get("a1").Weight; got != 2.5 {
		t.Errorf("expected weight 2.5, got %v", got)
	}
	// Unknown agent is a no-op.
	r.SetWeight("ghost", 1.0)
}
