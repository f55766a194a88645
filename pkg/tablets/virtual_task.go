package tablets

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pg-sharding/taskmgr/pkg/config"
	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/pkg/spqrlog"
	"github.com/pg-sharding/taskmgr/pkg/statistics"
	"github.com/pg-sharding/taskmgr/pkg/taskmgr"
	"github.com/pg-sharding/taskmgr/qdb"
)

// VirtualTask exposes tablet migrations and repairs recorded in the tablet
// metadata store as tasks of the tablets group. Task ids are the task ids of
// the transition records.
type VirtualTask struct {
	db qdb.TabletQDB

	scanLimiter      *rate.Limiter
	lookupRetries    int
	lookupRetryBase  time.Duration
	pollInterval     time.Duration
	maxPollInterval  time.Duration
	statsConcurrency int
}

var _ taskmgr.VirtualTask = &VirtualTask{}

func NewVirtualTask(db qdb.TabletQDB, cfg *config.TaskManager) *VirtualTask {
	return &VirtualTask{
		db:               db,
		scanLimiter:      rate.NewLimiter(rate.Limit(cfg.GetScanRateLimit()), cfg.GetScanBurst()),
		lookupRetries:    cfg.GetLookupMaxRetries(),
		lookupRetryBase:  cfg.GetLookupRetryBase(),
		pollInterval:     cfg.GetWaitPollInterval(),
		maxPollInterval:  cfg.GetWaitMaxPollInterval(),
		statsConcurrency: cfg.GetStatsConcurrency(),
	}
}

func (vt *VirtualTask) GetGroup() tasks.TaskGroup {
	return tasks.GroupTablets
}

func (vt *VirtualTask) Contains(ctx context.Context, id tasks.TaskID) (*tasks.VirtualTaskHint, error) {
	loc, err := vt.scan(ctx, id)
	if err != nil || loc.empty() {
		return nil, err
	}
	return newTabletHint(id, loc).encode()
}

func (vt *VirtualTask) IsAbortable(ctx context.Context, hint tasks.VirtualTaskHint) (bool, error) {
	h := decodeHint(&hint)
	if h == nil {
		return false, nil
	}
	loc, err := vt.refresh(ctx, h)
	if err != nil || loc.empty() {
		return false, err
	}
	return abortable(loc.transitions), nil
}

func (vt *VirtualTask) status(ctx context.Context, id tasks.TaskID, loc *location) (*tasks.TaskStatus, error) {
	table, err := vt.getTable(ctx, loc.tableID)
	if err != nil {
		return nil, err
	}
	return buildStatus(id, table, loc), nil
}

func (vt *VirtualTask) GetStatus(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) (*tasks.TaskStatus, error) {
	loc, err := vt.locate(ctx, id, hint)
	if err != nil || loc.empty() {
		return nil, err
	}
	return vt.status(ctx, id, loc)
}

// Abort aborts every transition of the task that is still before its
// commit point.
func (vt *VirtualTask) Abort(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) error {
	loc, err := vt.locate(ctx, id, hint)
	if err != nil {
		return err
	}
	if loc.empty() {
		return spqrerror.Newf(spqrerror.SPQR_TASK_NOT_FOUND, "tablet task %s not found", id)
	}

	live, aborted := 0, 0
	for _, tr := range loc.transitions {
		if tr.IsTerminal() {
			continue
		}
		live++
		if !tr.Stage.IsPreCommit() {
			continue
		}

		err := vt.db.AbortTabletTransition(ctx, tr.TableID, tr.TabletID, id.String())
		switch {
		case err == nil:
			aborted++
		case spqrerror.IsCode(err, spqrerror.SPQR_TRANSITION_COMMITTED):
			spqrlog.Zero.Debug().
				Str("id", id.String()).
				Uint64("tablet", tr.TabletID).
				Msg("tablet_virtual_task: transition committed before abort landed")
		case spqrerror.IsCode(err, spqrerror.SPQR_TRANSITION_NOT_FOUND):
			live--
		default:
			return err
		}
	}

	if live > 0 && aborted == 0 {
		return spqrerror.Newf(spqrerror.SPQR_TASK_NOT_ABORTABLE, "tablet task %s is past its commit point", id)
	}

	spqrlog.Zero.Info().
		Str("id", id.String()).
		Str("table", loc.tableID).
		Int("aborted", aborted).
		Msg("tablet_virtual_task: abort requested")
	return nil
}

// GetStats lists one entry per task with live transitions. Tables whose
// transitions cannot be read are reported as omissions.
func (vt *VirtualTask) GetStats(ctx context.Context) (*tasks.StatsReport, error) {
	tableIDs, err := vt.listTables(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	report := tasks.NewStatsReport()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(vt.statsConcurrency)
	for _, tableID := range tableIDs {
		tableID := tableID
		g.Go(func() error {
			stats, err := vt.tableStats(gctx, tableID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				spqrlog.Zero.Warn().
					Str("table", tableID).
					Err(err).
					Msg("tablet_virtual_task: table omitted from stats")
				statistics.RecordStatsOmission(string(tasks.GroupTablets))
				report.Omissions = append(report.Omissions, tasks.StatsOmission{
					Group: tasks.GroupTablets,
					Scope: tableID,
					Error: err.Error(),
				})
				return nil
			}
			report.Stats = append(report.Stats, stats...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Sort()
	return report, nil
}

func (vt *VirtualTask) tableStats(ctx context.Context, tableID string) ([]*tasks.TaskStats, error) {
	trs, err := vt.listTransitions(ctx, tableID)
	if err != nil || len(trs) == 0 {
		return nil, err
	}
	table, err := vt.getTable(ctx, tableID)
	if err != nil {
		return nil, err
	}

	var order []tasks.TaskID
	byTask := map[tasks.TaskID][]*qdb.TabletTransition{}
	for _, tr := range trs {
		id := tasks.TaskID(tr.TaskID)
		if _, ok := byTask[id]; !ok {
			order = append(order, id)
		}
		byTask[id] = append(byTask[id], tr)
	}

	stats := make([]*tasks.TaskStats, 0, len(order))
	for _, id := range order {
		loc := &location{tableID: tableID, transitions: byTask[id]}
		stats = append(stats, buildStatus(id, table, loc).Stats())
	}
	return stats, nil
}
