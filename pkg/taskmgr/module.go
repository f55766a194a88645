package taskmgr

import (
	"slices"
	"sync"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/pkg/spqrlog"
)

// Module owns a set of task groups. Virtual task instances live exactly as
// long as their module.
type Module interface {
	GetName() string
	GetGroup() tasks.TaskGroup
	// Groups lists every group the module answers for: its own group, the
	// groups of its virtual tasks and any extra concrete groups.
	Groups() []tasks.TaskGroup

	VirtualTasks() []VirtualTask

	FindTask(id tasks.TaskID) (Task, bool)
	ListTasks(group tasks.TaskGroup) []Task
}

// BaseModule is embedded by modules to get the virtual task list and the
// concrete task table.
type BaseModule struct {
	name   string
	groups []tasks.TaskGroup
	tm     *TaskManager

	mu    sync.RWMutex
	vts   []VirtualTask
	tasks map[tasks.TaskID]Task
}

var _ Module = &BaseModule{}

func NewBaseModule(tm *TaskManager, name string, group tasks.TaskGroup, extra ...tasks.TaskGroup) *BaseModule {
	groups := []tasks.TaskGroup{group}
	for _, g := range extra {
		if !slices.Contains(groups, g) {
			groups = append(groups, g)
		}
	}
	return &BaseModule{
		name:   name,
		groups: groups,
		tm:     tm,
		tasks:  map[tasks.TaskID]Task{},
	}
}

func (m *BaseModule) GetName() string {
	return m.name
}

func (m *BaseModule) GetGroup() tasks.TaskGroup {
	return m.groups[0]
}

func (m *BaseModule) TaskManager() *TaskManager {
	return m.tm
}

func (m *BaseModule) Groups() []tasks.TaskGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ret := slices.Clone(m.groups)
	for _, vt := range m.vts {
		if !slices.Contains(ret, vt.GetGroup()) {
			ret = append(ret, vt.GetGroup())
		}
	}
	return ret
}

// AddVirtualTask attaches vt to the module. Virtual tasks of one module
// must cover disjoint groups.
func (m *BaseModule) AddVirtualTask(vt VirtualTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.vts {
		if other.GetGroup() == vt.GetGroup() {
			return spqrerror.Newf(spqrerror.SPQR_TASK_GROUP_OWNED,
				"module %s already has a virtual task for group %s", m.name, vt.GetGroup())
		}
	}
	m.vts = append(m.vts, vt)

	spqrlog.Zero.Debug().
		Str("module", m.name).
		Str("group", string(vt.GetGroup())).
		Msg("taskmgr: virtual task added")
	return nil
}

func (m *BaseModule) VirtualTasks() []VirtualTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.vts)
}

// RegisterTask adds a concrete task to the module's task table.
func (m *BaseModule) RegisterTask(t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[t.ID()]; ok {
		return spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "task %s is already registered", t.ID())
	}
	m.tasks[t.ID()] = t
	return nil
}

// UnregisterTask retires a concrete task. Retiring an unknown id is a no-op.
func (m *BaseModule) UnregisterTask(id tasks.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

func (m *BaseModule) FindTask(id tasks.TaskID) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

func (m *BaseModule) ListTasks(group tasks.TaskGroup) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ret := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Group() == group {
			ret = append(ret, t)
		}
	}
	return ret
}
