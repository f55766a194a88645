package localtask

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/pg-sharding/taskmgr/pkg/config"
	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/pkg/spqrlog"
	"github.com/pg-sharding/taskmgr/pkg/statistics"
	"github.com/pg-sharding/taskmgr/pkg/taskmgr"
)

const ModuleName = "local"

type Handler interface {
	Handle(ctx context.Context, task *Task, progress chan<- float64) error
}

type HandlerFunc func(ctx context.Context, task *Task, progress chan<- float64) error

func (f HandlerFunc) Handle(ctx context.Context, task *Task, progress chan<- float64) error {
	return f(ctx, task, progress)
}

// Module runs node-local tasks for a set of concrete groups. Live tasks sit
// in the module task table, finished ones are kept for the retention period
// and then forgotten.
type Module struct {
	*taskmgr.BaseModule

	handlersMu sync.RWMutex
	handlers   map[TaskType]Handler

	semaphore chan struct{}
	retained  *expirable.LRU[tasks.TaskID, *Task]

	seq      *atomic.Uint64
	running  *atomic.Int64
	finished *atomic.Int64
}

// NewModule creates the module for groups and registers it into tm.
func NewModule(tm *taskmgr.TaskManager, cfg *config.TaskManager, groups ...tasks.TaskGroup) (*Module, error) {
	if len(groups) == 0 {
		return nil, spqrerror.New(spqrerror.SPQR_CONFIG_ERROR, "local task module needs at least one group")
	}

	m := &Module{
		BaseModule: taskmgr.NewBaseModule(tm, ModuleName, groups[0], groups[1:]...),
		handlers:   map[TaskType]Handler{},
		semaphore:  make(chan struct{}, cfg.GetLocalParallelism()),
		seq:        atomic.NewUint64(0),
		running:    atomic.NewInt64(0),
		finished:   atomic.NewInt64(0),
	}
	m.retained = expirable.NewLRU[tasks.TaskID, *Task](cfg.GetLocalRetentionSize(), m.evicted, cfg.GetLocalRetention())

	if err := tm.RegisterModule(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) Register(typ TaskType, handler Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[typ] = handler
}

func (m *Module) handler(typ TaskType) (Handler, bool) {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	h, ok := m.handlers[typ]
	return h, ok
}

func (m *Module) owns(group tasks.TaskGroup) bool {
	for _, g := range m.Groups() {
		if g == group {
			return true
		}
	}
	return false
}

// Schedule creates a task and starts it as soon as a slot is free. The task
// runs detached from ctx; use Abort to stop it.
func (m *Module) Schedule(_ context.Context, group tasks.TaskGroup, typ TaskType, opts ...Option) (*Task, error) {
	if !m.owns(group) {
		return nil, spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "module %s does not run %s tasks", m.GetName(), group)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:        tasks.NewTaskID(),
		group:     group,
		typ:       typ,
		seq:       m.seq.Inc(),
		abortable: true,
		state:     tasks.TaskCreated,
		startTime: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := m.RegisterTask(t); err != nil {
		cancel()
		return nil, err
	}
	statistics.LocalTasks.WithLabelValues(string(group), string(tasks.TaskCreated)).Inc()

	spqrlog.Zero.Debug().
		Str("id", t.id.String()).
		Str("group", string(group)).
		Str("type", string(typ)).
		Msg("localtask: task scheduled")

	go m.run(runCtx, t)
	return t, nil
}

func (m *Module) run(ctx context.Context, t *Task) {
	defer m.retire(t)
	defer t.cancel()

	select {
	case m.semaphore <- struct{}{}:
	case <-ctx.Done():
		t.setState(tasks.TaskAborted, nil)
		return
	}
	defer func() {
		<-m.semaphore
	}()

	handler, ok := m.handler(t.typ)
	if !ok {
		t.setState(tasks.TaskFailed, func(t *Task) {
			t.err = errors.Errorf("no handler registered for task type '%s'", t.typ).Error()
		})
		return
	}

	if !t.setState(tasks.TaskRunning, nil) {
		return
	}
	m.running.Inc()
	err := m.handle(ctx, t, handler)
	m.running.Dec()

	switch {
	case t.aborting():
		t.setState(tasks.TaskAborted, nil)
	case err != nil:
		t.setState(tasks.TaskFailed, func(t *Task) { t.err = err.Error() })
	default:
		t.setState(tasks.TaskDone, func(t *Task) { t.progress = 100 })
	}
}

// handle runs the handler, feeding its progress reports into the task and
// turning a panic into an error.
func (m *Module) handle(ctx context.Context, t *Task, handler Handler) (err error) {
	progress := make(chan float64)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		for p := range progress {
			t.setProgress(p)
		}
	}()

	defer func() {
		close(progress)
		<-progressDone

		if recovered := recover(); recovered != nil {
			rerr, ok := recovered.(error)
			if !ok {
				rerr = errors.Errorf("%+v", recovered)
			}
			spqrlog.Zero.Error().
				Str("id", t.id.String()).
				Err(rerr).
				Msg("localtask: recovered panic while running task")
			err = errors.WithStack(rerr)
		}
	}()

	spqrlog.Zero.Debug().Str("id", t.id.String()).Msg("localtask: executing task")
	return handler.Handle(ctx, t, progress)
}

// retire moves a finished task from the live table to the retention cache.
func (m *Module) retire(t *Task) {
	m.finished.Inc()
	m.retained.Add(t.id, t)
	m.UnregisterTask(t.id)

	spqrlog.Zero.Debug().
		Str("id", t.id.String()).
		Int64("finished", m.finished.Load()).
		Msg("localtask: task retired")
}

func (m *Module) evicted(id tasks.TaskID, t *Task) {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	statistics.LocalTasks.WithLabelValues(string(t.group), string(state)).Dec()

	spqrlog.Zero.Debug().Str("id", id.String()).Msg("localtask: task evicted")
}

func (m *Module) FindTask(id tasks.TaskID) (taskmgr.Task, bool) {
	if t, ok := m.BaseModule.FindTask(id); ok {
		return t, true
	}
	if t, ok := m.retained.Get(id); ok {
		return t, true
	}
	return nil, false
}

func (m *Module) ListTasks(group tasks.TaskGroup) []taskmgr.Task {
	ret := m.BaseModule.ListTasks(group)
	for _, t := range m.retained.Values() {
		if _, live := m.BaseModule.FindTask(t.id); t.group == group && !live {
			ret = append(ret, t)
		}
	}
	return ret
}

// Running returns the number of tasks currently executing a handler.
func (m *Module) Running() int64 {
	return m.running.Load()
}
