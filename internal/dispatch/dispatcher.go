// Package dispatch pulls ready tasks, selects agents, and drives transport
// invocations with timeout and failure handling.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/drover-dev/drover/internal/balance"
	"github.com/drover-dev/drover/internal/cache"
	"github.com/drover-dev/drover/internal/registry"
	"github.com/drover-dev/drover/internal/scheduler"
	"github.com/drover-dev/drover/internal/transport"
	"github.com/drover-dev/drover/pkg/models"
)

const (
	// DefaultBatchSize is how many ready tasks one cycle pulls.
	DefaultBatchSize = 16
	// DefaultCycleInterval is the pause between dispatch cycles when the
	// scheduler trigger stays quiet.
	DefaultCycleInterval = 500 * time.Millisecond
	// DefaultMaxInFlight bounds concurrently executing transport calls.
	DefaultMaxInFlight = 64
	// DefaultNetworkTimeout bounds one network transport call.
	DefaultNetworkTimeout = 180 * time.Second
	// DefaultShellTimeout bounds one remote-shell transport call.
	DefaultShellTimeout = 60 * time.Second
)

// Metrics receives dispatch observations. Implementations must be
// best-effort and never fail the caller.
type Metrics interface {
	TaskCompleted(spec models.Specialization, agentID string, status models.TaskStatus)
	TaskDuration(spec models.Specialization, elapsed time.Duration)
	AgentLoad(agentID string, active int, utilization float64)
}

// Config holds dispatcher tuning knobs.
type Config struct {
	// BatchSize is how many ready tasks one cycle pulls.
	BatchSize int
	// CycleInterval is the pause between cycles.
	CycleInterval time.Duration
	// MaxInFlight bounds concurrently executing transport calls.
	MaxInFlight int64
	// MaxRequeues fails a task after that many no-agent cycles.
	// Zero means requeue forever.
	MaxRequeues int
	// NetworkTimeout bounds one network transport call.
	NetworkTimeout time.Duration
	// ShellTimeout bounds one remote-shell transport call.
	ShellTimeout time.Duration
	// CacheTTL is the TTL for stored results.
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = DefaultCycleInterval
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = DefaultNetworkTimeout
	}
	if c.ShellTimeout <= 0 {
		c.ShellTimeout = DefaultShellTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = cache.DefaultTTL
	}
	return c
}

// Dispatcher drives the dispatch loop.
type Dispatcher struct {
	cfg       Config
	sched     *scheduler.Scheduler
	reg       *registry.Registry
	bal       *balance.Balancer
	cache     cache.Cache
	invokers  map[models.Transport]transport.Invoker
	metrics   Metrics
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	mu        sync.Mutex // guards cfg fields adjusted at runtime
	batchSize int
}

// New creates a Dispatcher. results may be a cache.Nop; metrics may be nil.
func New(cfg Config, sched *scheduler.Scheduler, reg *registry.Registry, bal *balance.Balancer,
	results cache.Cache, invokers map[models.Transport]transport.Invoker, metrics Metrics) *Dispatcher {
	cfg = cfg.withDefaults()
	if results == nil {
		results = cache.Nop{}
	}
	return &Dispatcher{
		cfg:       cfg,
		sched:     sched,
		reg:       reg,
		bal:       bal,
		cache:     results,
		invokers:  invokers,
		metrics:   metrics,
		sem:       semaphore.NewWeighted(cfg.MaxInFlight),
		batchSize: cfg.BatchSize,
	}
}

// SetBatchSize adjusts the per-cycle batch at runtime (config hot-reload).
func (d *Dispatcher) SetBatchSize(n int) {
	if n <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batchSize = n
}

func (d *Dispatcher) currentBatchSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batchSize
}

// Run executes dispatch cycles until ctx is cancelled, then waits for
// in-flight invocations to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
		case <-d.sched.Trigger():
		}
		d.Cycle(ctx)
	}
}

// Cycle pulls one batch of ready tasks and dispatches each. Exported so
// tests and the engine can step the dispatcher deterministically.
func (d *Dispatcher) Cycle(ctx context.Context) {
	for _, task := range d.sched.Ready(d.currentBatchSize()) {
		d.dispatchOne(ctx, task)
	}
}

// dispatchOne routes a single ready task: cache short-circuit first, then
// agent selection and transport invocation.
func (d *Dispatcher) dispatchOne(ctx context.Context, task *models.Task) {
	// Cache short-circuit: a hit completes the task without touching the
	// registry or any load counter.
	key := cache.Key(task.Specialization, task.Payload)
	if result, ok := d.cache.Get(ctx, key); ok {
		applied, err := d.sched.Complete(task.ID, result)
		if err != nil {
			log.Printf("[dispatch] complete cached task %s: %v", task.ID, err)
			return
		}
		if applied {
			d.observeCompletion(task, "cache", models.TaskStatusCompleted)
		}
		return
	}

	agent := d.reg.AcquireFor(task.Specialization, d.bal)
	if agent == nil {
		d.requeue(task)
		return
	}

	invoker, ok := d.invokers[agent.Transport]
	if !ok {
		// Misconfiguration: the agent kind has no transport bound.
		d.reg.Release(agent.ID)
		d.failTask(task, agent.ID, fmt.Errorf("no transport bound for kind %q", agent.Transport))
		return
	}

	if err := d.sched.MarkDispatched(task.ID, agent.ID); err != nil {
		// Cancelled (or otherwise moved on) since the ready snapshot.
		d.reg.Release(agent.ID)
		return
	}

	if !d.sem.TryAcquire(1) {
		// In-flight executor is saturated; put the task back.
		d.reg.Release(agent.ID)
		d.undispatch(task)
		return
	}

	d.publishAgentLoad(agent.ID)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		d.execute(ctx, task, agent, invoker, key)
	}()
}

// execute performs the transport call with the configured timeout and
// records the outcome. The agent's load slot is released on every exit path.
func (d *Dispatcher) execute(ctx context.Context, task *models.Task, agent *models.Agent,
	invoker transport.Invoker, key string) {
	defer func() {
		d.reg.Release(agent.ID)
		d.publishAgentLoad(agent.ID)
	}()

	timeout := d.cfg.NetworkTimeout
	if agent.Transport == models.TransportShell {
		timeout = d.cfg.ShellTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	outcome, err := invoker.Invoke(callCtx, agent, task)
	elapsed := time.Since(start)

	if err != nil {
		// No retry at this layer: a retry would risk duplicating the side
		// effects of an inference or tool call. Callers re-submit
		// explicitly if they want another attempt.
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("dispatch timeout after %s: %w", timeout, err)
		}
		d.failTask(task, agent.ID, err)
		return
	}

	applied, err := d.sched.Complete(task.ID, outcome.Result)
	if err != nil {
		log.Printf("[dispatch] complete task %s: %v", task.ID, err)
		return
	}

	// The transport call genuinely ran, so the result and the latency sample
	// are valid even when the task was cancelled while in flight. Only the
	// completion observation is tied to the transition actually applying.
	d.cache.Set(ctx, key, outcome.Result, d.cfg.CacheTTL)
	d.bal.RecordSample(agent.ID, elapsed)
	d.reg.SetWeight(agent.ID, d.bal.Weight(agent.ID))
	if d.metrics != nil {
		d.metrics.TaskDuration(task.Specialization, elapsed)
	}
	if applied {
		d.observeCompletion(task, agent.ID, models.TaskStatusCompleted)
	}
}

// requeue leaves the task pending for the next cycle, failing it once the
// configured requeue cap is exceeded.
func (d *Dispatcher) requeue(task *models.Task) {
	count := d.sched.NoteRequeue(task.ID)
	if d.cfg.MaxRequeues > 0 && count > d.cfg.MaxRequeues {
		d.failTask(task, "", fmt.Errorf("no agent available after %d dispatch cycles", count))
		return
	}
}

// undispatch reverts the in_progress transition for a task whose transport
// call never started, returning it to the ready queue.
func (d *Dispatcher) undispatch(task *models.Task) {
	if err := d.sched.Undispatch(task.ID); err != nil {
		log.Printf("[dispatch] undispatch task %s: %v", task.ID, err)
	}
}

// failTask records a failure with the captured error.
func (d *Dispatcher) failTask(task *models.Task, agentID string, err error) {
	if ferr := d.sched.Fail(task.ID, err.Error()); ferr != nil {
		log.Printf("[dispatch] fail task %s: %v", task.ID, ferr)
		return
	}
	d.observeCompletion(task, agentID, models.TaskStatusFailed)
}

// observeCompletion emits completion metrics, best-effort.
func (d *Dispatcher) observeCompletion(task *models.Task, agentID string, status models.TaskStatus) {
	if d.metrics == nil {
		return
	}
	d.metrics.TaskCompleted(task.Specialization, agentID, status)
}

// publishAgentLoad emits the agent's live load gauge.
func (d *Dispatcher) publishAgentLoad(agentID string) {
	if d.metrics == nil {
		return
	}
	if agent := d.reg.Get(agentID); agent != nil {
		d.metrics.AgentLoad(agent.ID, agent.CurrentLoad, agent.Utilization())
	}
}
