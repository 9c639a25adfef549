package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run is handed to a workflow function for one execution.
type Run struct {
	Ref   string
	Name  string
	Input json.RawMessage

	engine *Engine
}

// Phase records a phase change in the execution history.
func (r *Run) Phase(ctx context.Context, phase, detail string) error {
	return r.engine.store.SetPhase(ctx, r.Ref, phase, detail, r.engine.now())
}

// Interrupted reports whether a workflow's context was cancelled by Run
// shutting down rather than by the execution timeout. The execution stays
// RUNNING and is resumed on the next boot, so a workflow seeing this should
// return without undoing its work.
func Interrupted(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// WorkflowFunc returns the execution output. A non-nil error fails the
// execution; the output is kept either way.
type WorkflowFunc func(ctx context.Context, run *Run) (any, error)

type Options struct {
	Workers          int
	QueueSize        int
	ExecutionTimeout time.Duration
	// OnFinish is called after an execution reaches a terminal status.
	OnFinish func(workflow string, status Status, elapsed time.Duration)
}

type Engine struct {
	store Store
	log   *slog.Logger
	opts  Options
	now   func() time.Time

	mu        sync.RWMutex
	workflows map[string]WorkflowFunc

	queue chan string

	// refs being executed by a worker; a ref queued twice (Start racing the
	// boot-time resume) runs once
	activeMu sync.Mutex
	active   map[string]struct{}
}

func New(store Store, log *slog.Logger, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     store,
		log:       log,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		workflows: map[string]WorkflowFunc{},
		queue:     make(chan string, opts.QueueSize),
		active:    map[string]struct{}{},
	}
}

func (e *Engine) Register(workflow string, fn WorkflowFunc) {
	e.mu.Lock()
	e.workflows[workflow] = fn
	e.mu.Unlock()
}

func (e *Engine) workflow(name string) (WorkflowFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.workflows[name]
	return fn, ok
}

// Start persists a new RUNNING execution and queues it. If the queue does
// not accept it before ctx is done the execution is marked ABORTED and
// ErrQueueFull is returned.
func (e *Engine) Start(ctx context.Context, workflow, name string, input any) (Execution, error) {
	if _, ok := e.workflow(workflow); !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflow)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return Execution{}, fmt.Errorf("marshal input: %w", err)
	}
	ex := Execution{
		Ref:       RefPrefix + workflow + ":" + uuid.NewString(),
		Name:      name,
		Workflow:  workflow,
		Status:    StatusRunning,
		Input:     raw,
		StartDate: e.now(),
	}
	if err := e.store.Create(ctx, ex); err != nil {
		return Execution{}, fmt.Errorf("create execution: %w", err)
	}

	select {
	case e.queue <- ex.Ref:
		return ex, nil
	case <-ctx.Done():
		msg := "execution was not accepted: " + ctx.Err().Error()
		if ferr := e.store.Finish(context.WithoutCancel(ctx), ex.Ref, StatusAborted, nil, msg, e.now()); ferr != nil {
			e.log.Error("abort unqueued execution", "ref", ex.Ref, "err", ferr)
		}
		return Execution{}, fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	}
}

func (e *Engine) Describe(ctx context.Context, ref string) (Execution, error) {
	return e.store.Get(ctx, ref)
}

func (e *Engine) History(ctx context.Context, ref string) ([]Event, error) {
	return e.store.Events(ctx, ref)
}

func (e *Engine) List(ctx context.Context, f ListFilter) ([]Execution, error) {
	return e.store.List(ctx, f)
}

// Purge deletes terminal executions that stopped before now-olderThan.
// Purged executions are reported as not found afterwards.
func (e *Engine) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return e.store.Purge(ctx, e.now().Add(-olderThan))
}

// Run starts the workers, re-queues executions left RUNNING by a previous
// process and blocks until ctx is cancelled and in-flight runs return.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ref := <-e.queue:
					e.execute(ctx, ref)
				}
			}
		}()
	}

	if n, err := e.resume(ctx); err != nil {
		e.log.Error("recover executions", "err", err)
	} else if n > 0 {
		e.log.Info("resumed executions", "count", n)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (e *Engine) resume(ctx context.Context) (int, error) {
	running, err := e.store.Running(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ex := range running {
		select {
		case e.queue <- ex.Ref:
			n++
		case <-ctx.Done():
			return n, nil
		}
	}
	return n, nil
}

// Janitor purges old executions every interval until ctx is done.
func (e *Engine) Janitor(ctx context.Context, interval, retention time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := e.Purge(ctx, retention)
			if err != nil {
				e.log.Error("purge executions", "err", err)
				continue
			}
			if n > 0 {
				e.log.Info("purged executions", "count", n)
			}
		}
	}
}

func (e *Engine) claim(ref string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if _, ok := e.active[ref]; ok {
		return false
	}
	e.active[ref] = struct{}{}
	return true
}

func (e *Engine) unclaim(ref string) {
	e.activeMu.Lock()
	delete(e.active, ref)
	e.activeMu.Unlock()
}

func (e *Engine) execute(parent context.Context, ref string) {
	if !e.claim(ref) {
		return
	}
	defer e.unclaim(ref)

	ex, err := e.store.Get(parent, ref)
	if err != nil {
		e.log.Error("load execution", "ref", ref, "err", err)
		return
	}
	if ex.Status.Terminal() {
		return
	}
	fn, ok := e.workflow(ex.Workflow)
	if !ok {
		e.finish(parent, ex, StatusFailed, nil, ErrUnknownWorkflow.Error())
		return
	}

	ctx := parent
	if e.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.opts.ExecutionTimeout)
		defer cancel()
	}

	out, runErr := e.call(ctx, fn, &Run{Ref: ex.Ref, Name: ex.Name, Input: ex.Input, engine: e})

	if parent.Err() != nil {
		// shutting down: leave it RUNNING so the next boot resumes it
		e.log.Warn("execution interrupted by shutdown", "ref", ex.Ref)
		return
	}

	var raw json.RawMessage
	if out != nil {
		if raw, err = json.Marshal(out); err != nil {
			e.log.Error("marshal output", "ref", ex.Ref, "err", err)
			raw = nil
		}
	}
	switch {
	case runErr == nil:
		e.finish(parent, ex, StatusSucceeded, raw, "")
	case errors.Is(runErr, context.DeadlineExceeded) || ctx.Err() != nil:
		e.finish(parent, ex, StatusTimedOut, raw, runErr.Error())
	default:
		e.finish(parent, ex, StatusFailed, raw, runErr.Error())
	}
}

func (e *Engine) call(ctx context.Context, fn WorkflowFunc, run *Run) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("workflow panic", "ref", run.Ref, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("workflow panic: %v", p)
		}
	}()
	return fn(ctx, run)
}

func (e *Engine) finish(ctx context.Context, ex Execution, st Status, out json.RawMessage, msg string) {
	at := e.now()
	if err := e.store.Finish(ctx, ex.Ref, st, out, msg, at); err != nil {
		e.log.Error("finish execution", "ref", ex.Ref, "status", st, "err", err)
		return
	}
	e.log.Info("execution finished", "ref", ex.Ref, "workflow", ex.Workflow, "status", st)
	if e.opts.OnFinish != nil {
		e.opts.OnFinish(ex.Workflow, st, at.Sub(ex.StartDate))
	}
}
