package tablets

import (
	"github.com/pg-sharding/taskmgr/pkg/config"
	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/pkg/taskmgr"
	"github.com/pg-sharding/taskmgr/qdb"
)

const ModuleName = "tablets"

type Module struct {
	*taskmgr.BaseModule

	vt *VirtualTask
}

// NewModule creates the tablets module and registers it into tm.
func NewModule(tm *taskmgr.TaskManager, db qdb.TabletQDB, cfg *config.TaskManager) (*Module, error) {
	m := &Module{
		BaseModule: taskmgr.NewBaseModule(tm, ModuleName, tasks.GroupTablets),
		vt:         NewVirtualTask(db, cfg),
	}
	if err := m.AddVirtualTask(m.vt); err != nil {
		return nil, err
	}
	if err := tm.RegisterModule(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) VirtualTask() *VirtualTask {
	return m.vt
}
