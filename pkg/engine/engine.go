package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskgrid/taskgrid/pkg/storage"
)

// Logger defines the logging interface for the engine.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// dispatchItem is one unit of leaf work handed to a scheduler worker.
// A nil run means item addresses a standalone task.
type dispatchItem struct {
	run    *workflowRun
	stepID string
	taskID string
	ctx    context.Context
	token  AdmissionToken
}

// Engine is the orchestration core: it owns the scheduler loop, the
// per-workflow orchestration state, the resource allocator and the
// standalone task pool. All node status mutation funnels through its
// transitioner.
type Engine struct {
	cfg     Config
	store   storage.Store
	log     Logger
	eval    PredicateEvaluator
	runners *RunnerRegistry
	hub     *WebhookHub
	alloc   *Allocator
	metrics *Metrics
	trans   *Transitioner
	retry   *RetryManager

	mu    sync.RWMutex
	runs  map[int64]*workflowRun
	tasks *taskPool

	dispatch chan dispatchItem
	kickCh   chan struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
}

// New constructs an engine. reg may be nil, in which case metrics land
// on a private registry.
func New(store storage.Store, log Logger, eval PredicateEvaluator, cfg Config, reg prometheus.Registerer) *Engine {
	cfg = cfg.withDefaults()
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := NewMetrics(reg)
	trans := NewTransitioner(store, log, metrics, cfg)
	e := &Engine{
		cfg:     cfg,
		store:   store,
		log:     log,
		eval:    eval,
		runners: NewRunnerRegistry(),
		hub:     NewWebhookHub(),
		alloc:   NewAllocator(cfg.Budget),
		metrics: metrics,
		trans:   trans,
		retry:   NewRetryManager(trans, log),
		runs:    make(map[int64]*workflowRun),
		kickCh:  make(chan struct{}, 1),
	}
	e.tasks = newTaskPool(e)
	return e
}

// RegisterRunner registers the task runner for a task type.
func (e *Engine) RegisterRunner(taskType string, r TaskRunner) error {
	return e.runners.Register(taskType, r)
}

// Hub returns the webhook completion channel exposed to external
// callers.
func (e *Engine) Hub() *WebhookHub { return e.hub }

// Evaluator returns the predicate evaluator the engine was built with.
func (e *Engine) Evaluator() PredicateEvaluator { return e.eval }

// Start launches the scheduler workers and the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.dispatch = make(chan dispatchItem, e.cfg.Workers*2)
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(1)
	go e.run()
	e.log.Infof("Engine started with %d workers, tick %s", e.cfg.Workers, e.cfg.TickInterval)
	return nil
}

// Stop cancels all in-flight work and waits for the workers to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
	e.log.Infof("Engine stopped")
}

// kick asks the tick loop to re-evaluate promptly instead of waiting
// for the next tick.
func (e *Engine) kick() {
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	// The tick loop is the only sender on dispatch, so it owns the
	// close: workers drain what was already queued and exit.
	defer close(e.dispatch)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		case <-e.kickCh:
		}
		e.tick(time.Now())
	}
}

// tick is one scheduler evaluation pass: retry/timeout/deadline scans,
// control-flow advancement, readiness computation, admission and
// dispatch.
func (e *Engine) tick(now time.Time) {
	e.mu.RLock()
	runs := make([]*workflowRun, 0, len(e.runs))
	for _, wr := range e.runs {
		runs = append(runs, wr)
	}
	e.mu.RUnlock()

	var items []dispatchItem
	for _, wr := range runs {
		items = append(items, e.tickWorkflow(wr, now)...)
	}
	items = append(items, e.tasks.tick(now)...)

	for _, item := range items {
		select {
		case e.dispatch <- item:
		case <-e.ctx.Done():
			return
		}
	}

	cpu, mem := e.alloc.InUse()
	e.metrics.cpuInUse.Set(cpu)
	e.metrics.memInUse.Set(float64(mem))
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for item := range e.dispatch {
		if e.ctx.Err() != nil {
			return
		}
		if item.run != nil {
			e.executeStep(item)
		} else {
			e.tasks.execute(item)
		}
	}
}
