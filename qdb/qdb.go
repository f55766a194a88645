package qdb

import (
	"context"
	"fmt"

	"github.com/pg-sharding/taskmgr/pkg/config"
)

//go:generate mockgen -source=qdb.go -destination=mock/qdb.go -package=mock

// TabletQDB is the metadata store of the tablet placement subsystem. The
// migration scheduler writes transitions through it and the task layer reads
// them to report and steer tablet operations.
type TabletQDB interface {
	CreateTable(ctx context.Context, table *Table) error
	GetTable(ctx context.Context, tableID string) (*Table, error)
	ListTables(ctx context.Context) ([]*Table, error)
	DropTable(ctx context.Context, tableID string) error

	RecordTabletTransition(ctx context.Context, transition *TabletTransition) error
	UpdateTabletTransitionStage(ctx context.Context, tableID string, tabletID uint64, stage TransitionStage) error
	MarkTabletTransitionFailed(ctx context.Context, tableID string, tabletID uint64, reason string) error
	RemoveTabletTransition(ctx context.Context, tableID string, tabletID uint64) error

	ListTablesWithTransitions(ctx context.Context) ([]string, error)
	ListTabletTransitions(ctx context.Context, tableID string) ([]*TabletTransition, error)
	GetTabletTransition(ctx context.Context, tableID string, tabletID uint64) (*TabletTransition, error)

	// AbortTabletTransition moves a pre-commit transition owned by taskID to
	// the aborted outcome. It fails with SPQR_TRANSITION_COMMITTED once the
	// transition passed its commit point and is a no-op for transitions
	// that already carry an outcome.
	AbortTabletTransition(ctx context.Context, tableID string, tabletID uint64, taskID string) error

	// WatchTabletTransitions delivers a signal after every transition change.
	// Signals are coalesced. The channel is closed when ctx is done.
	WatchTabletTransitions(ctx context.Context) (<-chan struct{}, error)
}

func NewTabletQDB(cfg *config.TaskManager) (TabletQDB, error) {
	switch cfg.QdbType {
	case config.QdbTypeEtcd:
		return NewEtcdQDB(cfg.QdbAddr, cfg.GetQdbDialTimeout())
	case config.QdbTypeMem, "":
		return RestoreQDB(cfg.MemQdbBackupPath)
	default:
		return nil, fmt.Errorf("qdb implementation %s is invalid", cfg.QdbType)
	}
}
