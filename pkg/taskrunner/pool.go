package taskrunner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/models"
	"github.com/carebridge/woundwatch/pkg/processingstore"
)

// Pool manages the task runner workers.
type Pool struct {
	podID     string
	store     *processingstore.Store
	cfg       *config.Config
	auditor   *audit.Service
	executors map[string]StageExecutor
	workers   []*Worker
	logger    *slog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Task cancel registry: session_id → cancel funcs of in-flight tasks.
	mu          sync.RWMutex
	activeTasks map[string]map[string]context.CancelFunc
	started     bool

	// Orphan recovery state
	orphans orphanState
}

// NewPool creates a task runner pool. Executors are registered per stage
// before Start.
func NewPool(podID string, store *processingstore.Store, cfg *config.Config, auditor *audit.Service, logger *slog.Logger) *Pool {
	return &Pool{
		podID:       podID,
		store:       store,
		cfg:         cfg,
		auditor:     auditor,
		executors:   make(map[string]StageExecutor),
		workers:     make([]*Worker, 0, cfg.Worker.PoolSize),
		logger:      logger.With("component", "taskrunner"),
		stopCh:      make(chan struct{}),
		activeTasks: make(map[string]map[string]context.CancelFunc),
	}
}

// Register binds an executor to a stage name. Must be called before Start.
func (p *Pool) Register(stage string, executor StageExecutor) {
	p.executors[stage] = executor
}

// Start spawns worker goroutines and the orphan recovery loop. Safe to call
// multiple times; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		p.logger.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	p.logger.Info("Starting task runner pool",
		"pod_id", p.podID, "worker_count", p.cfg.Worker.PoolSize)

	order := p.queueOrder()
	for i := 0; i < p.cfg.Worker.PoolSize; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.cfg, p.auditor,
			p.executors, p, p.preferredQueueFor(i, order), p.logger)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanRecovery(ctx)
	}()

	p.logger.Info("Task runner pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// current tasks (graceful shutdown, bounded by the worker's own deadline).
func (p *Pool) Stop() {
	p.logger.Info("Stopping task runner pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.logger.Info("Task runner pool stopped gracefully")
}

// queueOrder returns the configured priority order, falling back to the
// built-in default.
func (p *Pool) queueOrder() []string {
	if len(p.cfg.Queues.PriorityOrder) > 0 {
		return p.cfg.Queues.PriorityOrder
	}
	return models.DefaultQueueOrder
}

// preferredQueueFor pins the first workers to one queue each so every queue
// keeps a reserved concurrency share under strict priority. With the default
// 10% share and four queues, a pool of 4+ gets one reserved worker per
// queue; smaller pools reserve none and rely on priority order alone.
func (p *Pool) preferredQueueFor(workerIdx int, order []string) string {
	if p.cfg.Worker.PoolSize < len(order) {
		return ""
	}
	perQueue := int(p.cfg.Queues.ReservedShare * float64(p.cfg.Worker.PoolSize))
	if perQueue < 1 {
		perQueue = 1
	}
	reserved := perQueue * len(order)
	if workerIdx >= reserved {
		return ""
	}
	return order[workerIdx/perQueue]
}

// RegisterTask stores a cancel function for session-scoped cancellation.
func (p *Pool) RegisterTask(sessionID, taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tasks, ok := p.activeTasks[sessionID]
	if !ok {
		tasks = make(map[string]context.CancelFunc)
		p.activeTasks[sessionID] = tasks
	}
	tasks[taskID] = cancel
}

// UnregisterTask removes the cancel function when processing ends.
func (p *Pool) UnregisterTask(sessionID, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tasks, ok := p.activeTasks[sessionID]; ok {
		delete(tasks, taskID)
		if len(tasks) == 0 {
			delete(p.activeTasks, sessionID)
		}
	}
}

// CancelSession cancels a session's pending tasks in the store and signals
// its in-flight tasks on this pod. Cancellation is cooperative: executors
// observe the signal at their next checkpoint.
func (p *Pool) CancelSession(ctx context.Context, sessionID string) (int64, error) {
	canceled, err := p.store.CancelSessionTasks(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	p.mu.RLock()
	for _, cancel := range p.activeTasks[sessionID] {
		cancel()
	}
	inFlight := len(p.activeTasks[sessionID])
	p.mu.RUnlock()

	p.logger.Info("Session tasks canceled",
		"session_id", sessionID, "pending_canceled", canceled, "in_flight_signaled", inFlight)
	return canceled, nil
}

// Health returns the current health status of the pool.
func (p *Pool) Health() *PoolHealth {
	ctx := context.Background()

	pending, errP := p.store.CountTasksByStatus(ctx, models.TaskStatusPending)
	if errP != nil {
		p.logger.Error("Failed to query pending tasks for health check",
			"pod_id", p.podID, "error", errP)
	}
	inFlight, errF := p.store.CountTasksByStatus(ctx, models.TaskStatusInProgress)
	if errF != nil {
		p.logger.Error("Failed to query in-flight tasks for health check",
			"pod_id", p.podID, "error", errF)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(workerStatusWorking) {
			activeWorkers++
		}
	}

	dbHealthy := errP == nil && errF == nil
	var dbError string
	if errP != nil {
		dbError = fmt.Sprintf("pending tasks query failed: %v", errP)
	} else if errF != nil {
		dbError = fmt.Sprintf("in-flight tasks query failed: %v", errF)
	}

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastScan
	orphansRecovered := p.orphans.recovered
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:        len(p.workers) > 0 && dbHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		InFlightTasks:    inFlight,
		PendingTasks:     pending,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}
