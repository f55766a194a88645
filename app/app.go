package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pg-sharding/taskmgr/pkg/config"
	"github.com/pg-sharding/taskmgr/pkg/localtask"
	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/pkg/spqrlog"
	"github.com/pg-sharding/taskmgr/pkg/statistics"
	"github.com/pg-sharding/taskmgr/pkg/tablets"
	"github.com/pg-sharding/taskmgr/pkg/taskmgr"
	"github.com/pg-sharding/taskmgr/qdb"
)

// App owns the task registry and every module registered into it.
type App struct {
	TaskManager *taskmgr.TaskManager
	DB          qdb.TabletQDB
	Tablets     *tablets.Module
	Local       *localtask.Module
}

// newTabletQDB is replaced in tests.
var newTabletQDB = qdb.NewTabletQDB

// NewApp builds the metadata store from cfg, registers the tablets module
// and, when configured, the local task module, then starts the registry.
func NewApp(cfg *config.TaskManager, reg prometheus.Registerer) (*App, error) {
	if reg != nil {
		if err := statistics.Register(reg); err != nil {
			return nil, err
		}
	}

	db, err := newTabletQDB(cfg)
	if err != nil {
		return nil, err
	}
	a, err := newApp(cfg, db)
	if err != nil {
		if cerr := closeDB(db); cerr != nil {
			spqrlog.Zero.Error().Err(cerr).Msg("taskmgr: failed to close metadata store")
		}
		return nil, err
	}
	return a, nil
}

func newApp(cfg *config.TaskManager, db qdb.TabletQDB) (*App, error) {
	required, err := tasks.ParseTaskGroups(cfg.RequiredGroups)
	if err != nil {
		return nil, err
	}
	concrete, err := tasks.ParseTaskGroups(cfg.ConcreteGroups)
	if err != nil {
		return nil, err
	}

	a := &App{
		TaskManager: taskmgr.NewTaskManager(cfg),
		DB:          db,
	}
	if a.Tablets, err = tablets.NewModule(a.TaskManager, db, cfg); err != nil {
		return nil, err
	}
	if len(concrete) > 0 {
		if a.Local, err = localtask.NewModule(a.TaskManager, cfg, concrete...); err != nil {
			return nil, err
		}
	}

	if err := a.TaskManager.Start(required...); err != nil {
		return nil, err
	}

	spqrlog.Zero.Info().
		Str("qdb", cfg.QdbType).
		Interface("groups", a.TaskManager.OwnedGroups()).
		Msg("taskmgr: app initialized")
	return a, nil
}

func (a *App) Close() error {
	return closeDB(a.DB)
}

func closeDB(db qdb.TabletQDB) error {
	if c, ok := db.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
