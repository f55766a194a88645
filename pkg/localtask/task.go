package localtask

import (
	"context"
	"sync"
	"time"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/pkg/statistics"
	"github.com/pg-sharding/taskmgr/pkg/taskmgr"
)

type TaskType string

// Task is a node-local operation run by a Module. Its record lives in
// memory only.
type Task struct {
	id       tasks.TaskID
	group    tasks.TaskGroup
	typ      TaskType
	seq      uint64
	keyspace string
	table    string
	entity   string

	// Tasks that cannot be interrupted safely opt out of aborts.
	abortable bool

	mu             sync.Mutex
	state          tasks.TaskState
	progress       float64
	startTime      time.Time
	endTime        time.Time
	err            string
	abortRequested bool

	cancel context.CancelFunc
	done   chan struct{}
}

var _ taskmgr.Task = &Task{}

type Option func(t *Task)

func WithKeyspace(keyspace string) Option {
	return func(t *Task) { t.keyspace = keyspace }
}

func WithTable(table string) Option {
	return func(t *Task) { t.table = table }
}

func WithEntity(entity string) Option {
	return func(t *Task) { t.entity = entity }
}

func WithoutAbort() Option {
	return func(t *Task) { t.abortable = false }
}

func (t *Task) ID() tasks.TaskID {
	return t.id
}

func (t *Task) Group() tasks.TaskGroup {
	return t.group
}

func (t *Task) Type() TaskType {
	return t.typ
}

func (t *Task) Keyspace() string {
	return t.keyspace
}

func (t *Task) Table() string {
	return t.table
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Status(_ context.Context) (*tasks.TaskStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return &tasks.TaskStatus{
		ID:             t.id,
		Group:          t.group,
		Type:           string(t.typ),
		Kind:           tasks.KindNode,
		Scope:          tasks.ScopeNode,
		State:          t.state,
		IsAbortable:    t.abortable && !t.state.IsTerminal(),
		StartTime:      t.startTime,
		EndTime:        t.endTime,
		Error:          t.err,
		SequenceNumber: t.seq,
		Keyspace:       t.keyspace,
		Table:          t.table,
		Entity:         t.entity,
		Progress:       tasks.TaskProgress{Completed: t.progress, Total: 100},
		ChildrenIDs:    []tasks.TaskID{},
	}, nil
}

func (t *Task) IsAbortable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortable && !t.state.IsTerminal()
}

// Abort cancels the task context. The task becomes aborted once its handler
// returns, or right away if it has not started yet.
func (t *Task) Abort(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.IsTerminal() {
		return nil
	}
	if !t.abortable {
		return errNotAbortable(t.id)
	}
	t.abortRequested = true
	t.cancel()
	return nil
}

// setState moves the task along the state machine and keeps the local task
// gauge in sync. Moves the state machine forbids are ignored.
func (t *Task) setState(next tasks.TaskState, f func(t *Task)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == next || !t.state.CanTransition(next) {
		return false
	}
	statistics.LocalTasks.WithLabelValues(string(t.group), string(t.state)).Dec()
	statistics.LocalTasks.WithLabelValues(string(t.group), string(next)).Inc()
	t.state = next
	if f != nil {
		f(t)
	}
	if next.IsTerminal() {
		t.endTime = time.Now()
		close(t.done)
	}
	return true
}

func (t *Task) setProgress(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = max(min(p, 100), 0)
}

func (t *Task) aborting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortRequested
}

func errNotAbortable(id tasks.TaskID) error {
	return spqrerror.Newf(spqrerror.SPQR_TASK_NOT_ABORTABLE, "task %s is not abortable", id)
}
