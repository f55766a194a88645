package taskmgr_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/pkg/taskmgr"
)

type fakeVirtualTask struct {
	group tasks.TaskGroup

	mu        sync.Mutex
	live      map[tasks.TaskID]*tasks.TaskStatus
	contains    int
	containsErr error
	statsErr    error
	abortErr  error
	aborted   []tasks.TaskID
	abortable bool
}

func newFakeVirtualTask(group tasks.TaskGroup) *fakeVirtualTask {
	return &fakeVirtualTask{group: group, live: map[tasks.TaskID]*tasks.TaskStatus{}, abortable: true}
}

func (f *fakeVirtualTask) add(state tasks.TaskState) tasks.TaskID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := tasks.NewTaskID()
	f.live[id] = &tasks.TaskStatus{ID: id, Group: f.group, State: state}
	return id
}

func (f *fakeVirtualTask) GetGroup() tasks.TaskGroup { return f.group }

func (f *fakeVirtualTask) Contains(_ context.Context, id tasks.TaskID) (*tasks.VirtualTaskHint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contains++
	if f.containsErr != nil {
		return nil, f.containsErr
	}
	if _, ok := f.live[id]; !ok {
		return nil, nil
	}
	return tasks.NewVirtualTaskHint(f.group, 1, string(id))
}

func (f *fakeVirtualTask) IsAbortable(context.Context, tasks.VirtualTaskHint) (bool, error) {
	return f.abortable, nil
}

func (f *fakeVirtualTask) GetStatus(_ context.Context, id tasks.TaskID, _ *tasks.VirtualTaskHint) (*tasks.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live[id]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (f *fakeVirtualTask) Wait(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) (*tasks.TaskStatus, error) {
	s, err := f.GetStatus(ctx, id, hint)
	if s == nil || err != nil {
		return s, err
	}
	s.State = tasks.TaskDone
	return s, nil
}

func (f *fakeVirtualTask) Abort(_ context.Context, id tasks.TaskID, _ *tasks.VirtualTaskHint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.abortErr != nil {
		return f.abortErr
	}
	if _, ok := f.live[id]; !ok {
		return spqrerror.Newf(spqrerror.SPQR_TASK_NOT_FOUND, "task %s not found", id)
	}
	f.aborted = append(f.aborted, id)
	return nil
}

func (f *fakeVirtualTask) GetStats(context.Context) (*tasks.StatsReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	r := tasks.NewStatsReport()
	for _, s := range f.live {
		r.Stats = append(r.Stats, s.Stats())
	}
	return r, nil
}

type fakeTask struct {
	id    tasks.TaskID
	group tasks.TaskGroup
	state tasks.TaskState
	done  chan struct{}
}

func newFakeTask(group tasks.TaskGroup) *fakeTask {
	return &fakeTask{id: tasks.NewTaskID(), group: group, state: tasks.TaskRunning, done: make(chan struct{})}
}

func (t *fakeTask) ID() tasks.TaskID       { return t.id }
func (t *fakeTask) Group() tasks.TaskGroup { return t.group }
func (t *fakeTask) IsAbortable() bool      { return false }
func (t *fakeTask) Done() <-chan struct{}  { return t.done }
func (t *fakeTask) Status(context.Context) (*tasks.TaskStatus, error) {
	return &tasks.TaskStatus{ID: t.id, Group: t.group, State: t.state}, nil
}
func (t *fakeTask) Abort(context.Context) error {
	return spqrerror.NewByCode(spqrerror.SPQR_TASK_NOT_ABORTABLE)
}

type fakeModule struct {
	*taskmgr.BaseModule
}

func newModule(t *testing.T, tm *taskmgr.TaskManager, name string, group tasks.TaskGroup, vts ...taskmgr.VirtualTask) *fakeModule {
	m := &fakeModule{BaseModule: taskmgr.NewBaseModule(tm, name, group)}
	for _, vt := range vts {
		require.NoError(t, m.AddVirtualTask(vt))
	}
	return m
}

func TestRegisterModule(t *testing.T) {
	assert := assert.New(t)

	tm := taskmgr.NewTaskManager(nil)
	tablets := newModule(t, tm, "tablets", tasks.GroupTablets, newFakeVirtualTask(tasks.GroupTablets))
	assert.NoError(tm.RegisterModule(tablets))

	err := tm.RegisterModule(newModule(t, tm, "other", tasks.GroupTablets))
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TASK_GROUP_OWNED))

	err = tm.RegisterModule(newModule(t, tm, "tablets", tasks.GroupSchema))
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TASK_GROUP_OWNED))

	m, err := tm.FindModule(tasks.GroupTablets)
	assert.NoError(err)
	assert.Equal("tablets", m.GetName())

	_, ok := tm.GetModule("tablets")
	assert.True(ok)
	assert.Len(tm.ListModules(), 1)

	assert.NoError(tm.Start(tasks.GroupTablets))
	err = tm.RegisterModule(newModule(t, tm, "late", tasks.GroupSchema))
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TASK_REGISTRY_SEALED))
}

func TestModuleRejectsOverlappingVirtualTasks(t *testing.T) {
	tm := taskmgr.NewTaskManager(nil)
	m := newModule(t, tm, "tablets", tasks.GroupTablets, newFakeVirtualTask(tasks.GroupTablets))

	err := m.AddVirtualTask(newFakeVirtualTask(tasks.GroupTablets))
	assert.True(t, spqrerror.IsCode(err, spqrerror.SPQR_TASK_GROUP_OWNED))

	assert.NoError(t, m.AddVirtualTask(newFakeVirtualTask(tasks.GroupRepair)))
	assert.Equal(t, []tasks.TaskGroup{tasks.GroupTablets, tasks.GroupRepair}, m.Groups())
}

func TestStartFailsOnUnownedGroup(t *testing.T) {
	tm := taskmgr.NewTaskManager(nil)
	require.NoError(t, tm.RegisterModule(newModule(t, tm, "tablets", tasks.GroupTablets, newFakeVirtualTask(tasks.GroupTablets))))

	err := tm.Start(tasks.GroupTablets, tasks.GroupRepair)
	assert.True(t, spqrerror.IsCode(err, spqrerror.SPQR_TASK_GROUP_UNOWNED))

	_, err = tm.FindModule(tasks.GroupRepair)
	assert.True(t, spqrerror.IsCode(err, spqrerror.SPQR_TASK_GROUP_UNOWNED))

	_, err = tm.ListStats(context.Background(), tasks.GroupRepair)
	assert.True(t, spqrerror.IsCode(err, spqrerror.SPQR_TASK_GROUP_UNOWNED))
}

func TestRouting(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	tm := taskmgr.NewTaskManager(nil)
	vt := newFakeVirtualTask(tasks.GroupTablets)
	tablets := newModule(t, tm, "tablets", tasks.GroupTablets, vt)
	compaction := newModule(t, tm, "local", tasks.GroupCompaction)
	require.NoError(t, tm.RegisterModule(tablets))
	require.NoError(t, tm.RegisterModule(compaction))
	require.NoError(t, tm.Start())

	virtualID := vt.add(tasks.TaskRunning)
	concrete := newFakeTask(tasks.GroupCompaction)
	require.NoError(t, compaction.RegisterTask(concrete))

	status, err := tm.GetStatus(ctx, virtualID)
	assert.NoError(err)
	assert.Equal(tasks.TaskRunning, status.State)
	assert.Equal(tasks.GroupTablets, status.Group)

	status, err = tm.GetStatus(ctx, concrete.ID())
	assert.NoError(err)
	assert.Equal(tasks.GroupCompaction, status.Group)

	status, err = tm.GetStatus(ctx, tasks.NewTaskID())
	assert.NoError(err)
	assert.Nil(status)

	status, err = tm.Wait(ctx, tasks.NewTaskID())
	assert.NoError(err)
	assert.Nil(status)

	hint, err := tm.Lookup(ctx, virtualID)
	assert.NoError(err)
	require.NotNil(t, hint)
	assert.Equal(tasks.GroupTablets, hint.Group)

	before := vt.contains
	status, err = tm.GetStatusWithHint(ctx, virtualID, hint)
	assert.NoError(err)
	assert.Equal(virtualID, status.ID)
	assert.Equal(before, vt.contains)
}

func TestConcreteTaskSurvivesFailingVirtualTask(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	tm := taskmgr.NewTaskManager(nil)
	vt := newFakeVirtualTask(tasks.GroupTablets)
	vt.containsErr = spqrerror.New(spqrerror.SPQR_METADATA_READ_ERROR, "etcd unavailable")
	local := newModule(t, tm, "local", tasks.GroupCompaction)
	require.NoError(t, tm.RegisterModule(newModule(t, tm, "tablets", tasks.GroupTablets, vt)))
	require.NoError(t, tm.RegisterModule(local))

	concrete := newFakeTask(tasks.GroupCompaction)
	require.NoError(t, local.RegisterTask(concrete))

	status, err := tm.GetStatus(ctx, concrete.ID())
	assert.NoError(err)
	assert.Equal(concrete.ID(), status.ID)
	assert.Equal(0, vt.contains)

	err = tm.Abort(ctx, concrete.ID())
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TASK_NOT_ABORTABLE))

	_, err = tm.GetStatus(ctx, tasks.NewTaskID())
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_METADATA_READ_ERROR))
}

func TestForeignHintFallsBackToWalk(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	tm := taskmgr.NewTaskManager(nil)
	tabletsVT := newFakeVirtualTask(tasks.GroupTablets)
	schemaVT := newFakeVirtualTask(tasks.GroupSchema)
	local := newModule(t, tm, "local", tasks.GroupCompaction)
	require.NoError(t, tm.RegisterModule(newModule(t, tm, "tablets", tasks.GroupTablets, tabletsVT)))
	require.NoError(t, tm.RegisterModule(newModule(t, tm, "schema", tasks.GroupSchema, schemaVT)))
	require.NoError(t, tm.RegisterModule(local))

	concrete := newFakeTask(tasks.GroupCompaction)
	concrete.state = tasks.TaskDone
	close(concrete.done)
	require.NoError(t, local.RegisterTask(concrete))
	schemaID := schemaVT.add(tasks.TaskRunning)

	foreign, err := tasks.NewVirtualTaskHint(tasks.GroupTablets, 1, "x")
	require.NoError(t, err)

	status, err := tm.GetStatusWithHint(ctx, concrete.ID(), foreign)
	assert.NoError(err)
	require.NotNil(t, status)
	assert.Equal(tasks.GroupCompaction, status.Group)

	status, err = tm.WaitWithHint(ctx, concrete.ID(), foreign)
	assert.NoError(err)
	require.NotNil(t, status)
	assert.Equal(tasks.TaskDone, status.State)

	status, err = tm.GetStatusWithHint(ctx, schemaID, foreign)
	assert.NoError(err)
	require.NotNil(t, status)
	assert.Equal(tasks.GroupSchema, status.Group)

	assert.NoError(tm.AbortWithHint(ctx, schemaID, foreign))
	assert.Equal([]tasks.TaskID{schemaID}, schemaVT.aborted)
	assert.Empty(tabletsVT.aborted)

	err = tm.AbortWithHint(ctx, concrete.ID(), foreign)
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TASK_NOT_ABORTABLE))

	status, err = tm.GetStatusWithHint(ctx, tasks.NewTaskID(), foreign)
	assert.NoError(err)
	assert.Nil(status)
}

func TestAbortRouting(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	tm := taskmgr.NewTaskManager(nil)
	vt := newFakeVirtualTask(tasks.GroupTablets)
	local := newModule(t, tm, "local", tasks.GroupCompaction)
	require.NoError(t, tm.RegisterModule(newModule(t, tm, "tablets", tasks.GroupTablets, vt)))
	require.NoError(t, tm.RegisterModule(local))

	err := tm.Abort(ctx, tasks.NewTaskID())
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TASK_NOT_FOUND))

	id := vt.add(tasks.TaskCreated)
	assert.NoError(tm.Abort(ctx, id))
	assert.Equal([]tasks.TaskID{id}, vt.aborted)

	vt.abortErr = spqrerror.New(spqrerror.SPQR_TASK_NOT_ABORTABLE, "committed")
	err = tm.Abort(ctx, id)
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TASK_NOT_ABORTABLE))

	concrete := newFakeTask(tasks.GroupCompaction)
	require.NoError(t, local.RegisterTask(concrete))
	err = tm.Abort(ctx, concrete.ID())
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TASK_NOT_ABORTABLE))

	local.UnregisterTask(concrete.ID())
	err = tm.Abort(ctx, concrete.ID())
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TASK_NOT_FOUND))
}

func TestWaitConcreteTask(t *testing.T) {
	tm := taskmgr.NewTaskManager(nil)
	local := newModule(t, tm, "local", tasks.GroupCompaction)
	require.NoError(t, tm.RegisterModule(local))

	task := newFakeTask(tasks.GroupCompaction)
	require.NoError(t, local.RegisterTask(task))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	status, err := tm.Wait(ctx, task.ID())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, status)

	task.state = tasks.TaskDone
	close(task.done)
	status, err = tm.Wait(context.Background(), task.ID())
	assert.NoError(t, err)
	assert.Equal(t, tasks.TaskDone, status.State)
}

func TestListAllStats(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	tm := taskmgr.NewTaskManager(nil)
	tablets := newFakeVirtualTask(tasks.GroupTablets)
	schema := newFakeVirtualTask(tasks.GroupSchema)
	schema.statsErr = errors.New("schema metadata unavailable")
	local := newModule(t, tm, "local", tasks.GroupCompaction)

	require.NoError(t, tm.RegisterModule(newModule(t, tm, "tablets", tasks.GroupTablets, tablets)))
	require.NoError(t, tm.RegisterModule(newModule(t, tm, "schema", tasks.GroupSchema, schema)))
	require.NoError(t, tm.RegisterModule(local))

	tablets.add(tasks.TaskRunning)
	tablets.add(tasks.TaskCreated)
	require.NoError(t, local.RegisterTask(newFakeTask(tasks.GroupCompaction)))

	report, err := tm.ListAllStats(ctx)
	assert.NoError(err)
	assert.Len(report.Stats, 3)
	assert.True(report.Partial())
	assert.Equal([]tasks.StatsOmission{{Group: tasks.GroupSchema, Scope: "group", Error: "schema metadata unavailable"}}, report.Omissions)

	abortable, err := tm.ListAbortable(ctx)
	assert.NoError(err)
	assert.Len(abortable, 2)
	for _, s := range abortable {
		assert.Equal(tasks.GroupTablets, s.Group)
	}

	report, err = tm.ListStats(ctx, tasks.GroupTablets)
	assert.NoError(err)
	assert.False(report.Partial())
	assert.Len(report.Stats, 2)

	tablets.abortable = false
	abortable, err = tm.ListAbortable(ctx)
	assert.NoError(err)
	assert.Empty(abortable)
}
