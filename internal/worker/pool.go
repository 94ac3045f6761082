package worker

import (
	"context"
	"sync"
	"time"

	"github.com/litminer/backend/internal/domain"
	"github.com/litminer/backend/internal/infrastructure/logger"
)

const (
	dequeueTimeout      = time.Second
	defaultDrainTimeout = 30 * time.Second
)

// Source is the queue side the pool consumes: envelopes, revocation marks
// and the control channel carrying forced-termination requests.
type Source interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*domain.TaskEnvelope, bool, error)
	IsRevoked(ctx context.Context, taskID string) (bool, error)
	SubscribeControl(ctx context.Context) <-chan domain.RevokeRequest
}

// Pool runs queued tasks on a fixed set of workers. Each task executes
// synchronously on its worker goroutine; all coordination with the serving
// process goes through the broker.
type Pool struct {
	source      Source
	registry    *Registry
	runner      *Runner
	log         *logger.Logger
	concurrency int

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc

	cancel       context.CancelFunc
	taskBase     context.Context
	taskCancel   context.CancelFunc
	drainTimeout time.Duration
	wg           sync.WaitGroup
}

func NewPool(source Source, registry *Registry, runner *Runner, concurrency int, log *logger.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Pool{
		source:       source,
		registry:     registry,
		runner:       runner,
		log:          log,
		concurrency:  concurrency,
		running:      make(map[string]context.CancelCauseFunc),
		drainTimeout: defaultDrainTimeout,
	}
}

// Start launches the workers and the control listener. Stop cancels the
// consumption loops and waits for in-flight tasks to drain.
func (p *Pool) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	// Tasks run on a context Stop does not cancel, so in-flight work drains
	// instead of terminating as a revocation nobody requested.
	p.taskBase, p.taskCancel = context.WithCancel(context.WithoutCancel(ctx))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.controlLoop(loopCtx)
	}()

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(loopCtx, id)
		}(i)
	}

	p.log.Infow("worker_pool_started", "concurrency", p.concurrency)
}

// Stop ends dequeuing and waits for running tasks. Tasks still executing
// after the drain timeout get their contexts cancelled.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.drainTimeout):
		p.log.Warnw("worker_pool_drain_timeout", "timeout", p.drainTimeout)
		p.taskCancel()
		<-done
	}

	if p.taskCancel != nil {
		p.taskCancel()
	}
	p.log.Infow("worker_pool_stopped")
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		env, ok, err := p.source.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Errorw("worker_dequeue_failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueTimeout):
			}
			continue
		}
		if !ok {
			continue
		}

		p.process(ctx, id, env)
	}
}

func (p *Pool) process(ctx context.Context, id int, env *domain.TaskEnvelope) {
	revoked, err := p.source.IsRevoked(ctx, env.TaskID)
	if err != nil {
		p.log.Warnw("worker_revocation_check_failed", "task_id", env.TaskID, "error", err)
	}
	if revoked {
		p.log.Infow("worker_task_revoked_before_start", "task_id", env.TaskID)
		p.runner.SetState(ctx, env.TaskID, domain.TaskStatusRevoked, "Task revoked before execution", "")
		p.runner.recordStatus(env.TaskID, domain.TaskStatusRevoked, "", "Task revoked before execution")
		return
	}

	handler, ok := p.registry.Handler(env.Name)
	if !ok {
		p.log.Errorw("worker_unknown_task", "task_id", env.TaskID, "name", env.Name)
		p.runner.reportFailure(env.TaskID, errUnknownTask(env.Name))
		return
	}

	taskCtx, cancel := context.WithCancelCause(p.taskBase)
	p.track(env.TaskID, cancel)
	defer p.untrack(env.TaskID, cancel)

	p.log.Infow("worker_task_start", "worker", id, "task_id", env.TaskID, "name", env.Name)
	if err := p.runner.Run(taskCtx, env, handler); err != nil {
		p.log.Warnw("worker_task_failed", "worker", id, "task_id", env.TaskID, "error", err)
		return
	}
	p.log.Infow("worker_task_done", "worker", id, "task_id", env.TaskID)
}

func (p *Pool) controlLoop(ctx context.Context) {
	for req := range p.source.SubscribeControl(ctx) {
		if !req.Terminate {
			continue
		}
		p.mu.Lock()
		cancel, ok := p.running[req.TaskID]
		p.mu.Unlock()
		if ok {
			p.log.Infow("worker_task_terminated", "task_id", req.TaskID)
			cancel(errTaskRevoked)
		}
	}
}

func (p *Pool) track(taskID string, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[taskID] = cancel
}

func (p *Pool) untrack(taskID string, cancel context.CancelCauseFunc) {
	cancel(nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, taskID)
}

type errUnknownTask string

func (e errUnknownTask) Error() string {
	return "no handler registered for task " + string(e)
}
