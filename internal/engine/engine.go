package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drover-dev/drover/internal/balance"
	"github.com/drover-dev/drover/internal/cache"
	"github.com/drover-dev/drover/internal/config"
	"github.com/drover-dev/drover/internal/discovery"
	"github.com/drover-dev/drover/internal/dispatch"
	"github.com/drover-dev/drover/internal/health"
	"github.com/drover-dev/drover/internal/metrics"
	"github.com/drover-dev/drover/internal/registry"
	"github.com/drover-dev/drover/internal/scheduler"
	"github.com/drover-dev/drover/internal/sshexec"
	"github.com/drover-dev/drover/internal/state"
	"github.com/drover-dev/drover/internal/transport"
	"github.com/drover-dev/drover/pkg/models"
)

// Engine is the single-process coordinator: it owns the registry, balancer,
// scheduler, dispatcher, health monitor, and background loops, and exposes
// the inbound operations callers use.
type Engine struct {
	cfg *config.Config

	reg     *registry.Registry
	bal     *balance.Balancer
	sched   *scheduler.Scheduler
	disp    *dispatch.Dispatcher
	monitor *health.Monitor

	results  cache.Cache
	store    *state.DB
	metrics  *metrics.Metrics
	sshExec  *sshexec.Executor
	detector discovery.Detector
	probers  map[models.Transport]transport.Prober
	logger   *DebugLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures an Engine before construction completes.
type Option func(*Engine)

// WithStore attaches the persistence collaborator.
func WithStore(db *state.DB) Option {
	return func(e *Engine) { e.store = db }
}

// WithCache attaches the result cache backend.
func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.results = c }
}

// WithMetrics attaches the metrics collaborator.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDetector attaches the bootstrap-only capability detector.
func WithDetector(d discovery.Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// WithLogger attaches a debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// New constructs an Engine from configuration. Transports are bound per
// agent kind: HTTP for network agents, the pooled SSH executor for shell
// agents.
func New(cfg *config.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}

	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = NopLogger()
	}
	setPackageLogger(e.logger)

	e.reg = registry.New(cfg.Health.StalenessWindow)
	e.bal = balance.New(
		balance.WithAlpha(cfg.Balancer.Alpha),
		balance.WithLambda(cfg.Balancer.Lambda),
		balance.WithSampleWindow(cfg.Balancer.SampleWindow),
	)
	e.sched = scheduler.New(storeOrNil(e.store))

	e.sshExec = sshexec.New(sshexec.Config{
		DefaultUser:    cfg.SSH.DefaultUser,
		KeyFile:        cfg.SSH.KeyFile,
		KnownHostsFile: cfg.SSH.KnownHostsFile,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		PersistTimeout: cfg.SSH.PersistTimeout,
		MaxSessions:    cfg.SSH.MaxSessions,
		MaxAttempts:    cfg.SSH.MaxAttempts,
		RetryBackoff:   cfg.SSH.RetryBackoff,
	})

	httpTransport := transport.NewHTTP()
	shellTransport := transport.NewShell(e.sshExec)
	invokers := map[models.Transport]transport.Invoker{
		models.TransportNetwork: httpTransport,
		models.TransportShell:   shellTransport,
	}
	e.probers = map[models.Transport]transport.Prober{
		models.TransportNetwork: httpTransport,
		models.TransportShell:   shellTransport,
	}

	if e.results == nil {
		e.results = cache.NewMemory(cfg.Cache.MaxEntries)
	}

	var dispatchMetrics dispatch.Metrics
	if e.metrics != nil {
		dispatchMetrics = e.metrics
	}
	e.disp = dispatch.New(dispatch.Config{
		BatchSize:      cfg.Dispatch.BatchSize,
		CycleInterval:  cfg.Dispatch.CycleInterval,
		MaxInFlight:    cfg.Dispatch.MaxInFlight,
		MaxRequeues:    cfg.Dispatch.MaxRequeues,
		NetworkTimeout: cfg.Dispatch.NetworkTimeout,
		ShellTimeout:   cfg.Dispatch.ShellTimeout,
		CacheTTL:       cfg.Cache.TTL,
	}, e.sched, e.reg, e.bal, e.results, invokers, dispatchMetrics)

	e.monitor = health.New(e.reg, e.probers, cfg.Health.Interval, cfg.Health.ProbeTimeout)
	return e
}

// storeOrNil keeps a typed-nil *state.DB out of the scheduler's interface
// field.
func storeOrNil(db *state.DB) scheduler.Store {
	if db == nil {
		return nil
	}
	return db
}

// Start registers statically configured agents and launches the background
// loops: dispatch, health probing, balancer weight review, and retention
// cleanup.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	for _, ac := range e.cfg.Agents {
		agent, err := agentFromConfig(ac)
		if err != nil {
			cancel()
			e.started = false
			return fmt.Errorf("static agent %s: %w", ac.ID, err)
		}
		if err := e.reg.Register(agent); err != nil {
			cancel()
			e.started = false
			return err
		}
		debugLog("engine", "registered static agent %s (%s %s)", agent.ID, agent.Transport, agent.Address)
	}

	e.runLoop("dispatch", func() { e.disp.Run(runCtx) })
	e.runLoop("health", func() { e.monitor.Run(runCtx) })
	e.runLoop("review", func() { e.reviewLoop(runCtx) })
	e.runLoop("cleanup", func() { e.cleanupLoop(runCtx) })
	return nil
}

func (e *Engine) runLoop(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		debugLog(name, "loop started")
		fn()
		debugLog(name, "loop stopped")
	}()
}

// Stop cancels the background loops, waits for in-flight work, and releases
// pooled connections.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.started = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.sshExec.Close()
}

// reviewLoop periodically mirrors balancer weights onto the agent records so
// status snapshots carry fresh scores.
func (e *Engine) reviewLoop(ctx context.Context) {
	const interval = 300 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, weight := range e.bal.Weights() {
				e.reg.SetWeight(id, weight)
			}
			debugLog("review", "scored %d agents", len(e.bal.Weights()))
		}
	}
}

// cleanupLoop purges terminal records past retention and sweeps idle SSH
// connections.
func (e *Engine) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Retention.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tasks, workflows := e.sched.Cleanup(e.cfg.Retention.TaskTTL)
			evicted := e.sshExec.Sweep()
			if e.store != nil {
				cutoff := time.Now().Add(-e.cfg.Retention.TaskTTL)
				if _, err := e.store.DeleteTerminalBefore(cutoff); err != nil {
					debugLog("cleanup", "store cleanup failed: %v", err)
				}
			}
			debugLog("cleanup", "purged %d tasks, %d workflows, evicted %d ssh connections",
				tasks, workflows, evicted)
		}
	}
}

// RegisterAgent validates, pre-flight-probes, and registers an agent.
// Network agents with no model or specializations are filled in through the
// capability detector when one is attached. The pre-flight probe gates
// registration: an unreachable agent is rejected.
func (e *Engine) RegisterAgent(ctx context.Context, agent *models.Agent) (string, error) {
	if agent.Transport == models.TransportNetwork && e.detector != nil &&
		(agent.Model == "" || len(agent.Specializations) == 0) {
		caps, err := e.detector.Detect(ctx, agent.Address)
		if err != nil {
			return "", fmt.Errorf("capability detection for %s: %w", agent.Address, err)
		}
		if agent.Model == "" && len(caps.Models) > 0 {
			agent.Model = caps.Models[0]
		}
		if len(agent.Specializations) == 0 {
			agent.Specializations = []models.Specialization{caps.Specialization}
		}
	}

	if err := agent.Validate(); err != nil {
		return "", err
	}

	prober, ok := e.probers[agent.Transport]
	if !ok {
		return "", fmt.Errorf("no prober bound for kind %q", agent.Transport)
	}
	if err := prober.Probe(ctx, agent); err != nil {
		return "", fmt.Errorf("pre-flight probe failed: %w", err)
	}
	agent.Health = models.HealthHealthy
	agent.LastHeartbeat = time.Now()

	if err := e.reg.Register(agent); err != nil {
		return "", err
	}
	debugLog("engine", "registered agent %s (%s %s)", agent.ID, agent.Transport, agent.Address)
	return agent.ID, nil
}

// UnregisterAgent removes an agent. In-flight tasks assigned to it finish
// on their own; their slot release becomes a no-op.
func (e *Engine) UnregisterAgent(id string) error {
	if err := e.reg.Unregister(id); err != nil {
		return err
	}
	e.bal.Forget(id)
	if e.metrics != nil {
		e.metrics.DropAgent(id)
	}
	debugLog("engine", "unregistered agent %s", id)
	return nil
}

// SubmitTask submits a single task and returns its ID.
func (e *Engine) SubmitTask(def scheduler.TaskDef) (string, error) {
	return e.sched.SubmitTask(def)
}

// SubmitWorkflow submits a set of tasks as one workflow and returns its ID.
func (e *Engine) SubmitWorkflow(defs []scheduler.TaskDef) (string, error) {
	return e.sched.SubmitWorkflow(defs)
}

// GetTask returns a snapshot of the task.
func (e *Engine) GetTask(id string) (*models.Task, error) {
	return e.sched.Task(id)
}

// GetWorkflowStatus returns a snapshot of the workflow and its tasks.
func (e *Engine) GetWorkflowStatus(id string) (*scheduler.WorkflowSnapshot, error) {
	return e.sched.WorkflowStatus(id)
}

// Cancel cancels a task or workflow by ID.
func (e *Engine) Cancel(id string) error {
	return e.sched.Cancel(id)
}

// Agents returns a snapshot of all registered agents.
func (e *Engine) Agents() []*models.Agent {
	return e.reg.Snapshot()
}

// Counts returns the number of tasks per status.
func (e *Engine) Counts() map[models.TaskStatus]int {
	return e.sched.Counts()
}

// Degraded reports whether the persistence collaborator has failed and the
// engine is running on its in-memory view alone.
func (e *Engine) Degraded() bool {
	return e.store != nil && e.store.Degraded()
}

// ApplyConfig folds hot-reloadable settings from a fresh config into the
// running engine: balancer alpha and dispatch batch size.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.bal.SetAlpha(cfg.Balancer.Alpha)
	e.disp.SetBatchSize(cfg.Dispatch.BatchSize)
	debugLog("config", "applied: alpha=%v batch_size=%d",
		cfg.Balancer.Alpha, cfg.Dispatch.BatchSize)
}

// agentFromConfig converts a static agent definition into a validated agent.
func agentFromConfig(ac config.AgentConfig) (*models.Agent, error) {
	transportKind, err := models.ParseTransport(ac.Transport)
	if err != nil {
		return nil, err
	}
	specs := make([]models.Specialization, 0, len(ac.Specializations))
	for _, raw := range ac.Specializations {
		spec, err := models.ParseSpecialization(raw)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	agent := &models.Agent{
		ID:              ac.ID,
		Transport:       transportKind,
		Address:         ac.Address,
		Model:           ac.Model,
		Specializations: specs,
		MaxConcurrent:   ac.MaxConcurrent,
		Health:          models.HealthUnknown,
	}
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	return agent, nil
}
