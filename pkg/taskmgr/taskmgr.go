package taskmgr

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pg-sharding/taskmgr/pkg/config"
	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/pkg/spqrlog"
	"github.com/pg-sharding/taskmgr/pkg/statistics"
)

const unownedGroup = "none"

// TaskManager is the directory of modules and the groups they own. The
// registration table is filled before Start and read-only afterwards.
type TaskManager struct {
	mu      sync.RWMutex
	modules []Module
	byName  map[string]Module
	byGroup map[tasks.TaskGroup]Module
	sealed  bool

	statsConcurrency int
}

// NewTaskManager creates an empty registry. cfg may be nil.
func NewTaskManager(cfg *config.TaskManager) *TaskManager {
	if cfg == nil {
		cfg = &config.TaskManager{}
	}
	return &TaskManager{
		byName:           map[string]Module{},
		byGroup:          map[tasks.TaskGroup]Module{},
		statsConcurrency: cfg.GetStatsConcurrency(),
	}
}

// RegisterModule records m as the owner of all of its groups. Either every
// group is taken or none is.
func (tm *TaskManager) RegisterModule(m Module) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.sealed {
		return spqrerror.Newf(spqrerror.SPQR_TASK_REGISTRY_SEALED, "cannot register module %s after start", m.GetName())
	}
	if _, ok := tm.byName[m.GetName()]; ok {
		return spqrerror.Newf(spqrerror.SPQR_TASK_GROUP_OWNED, "module %s is already registered", m.GetName())
	}
	groups := m.Groups()
	for _, g := range groups {
		if owner, ok := tm.byGroup[g]; ok {
			return spqrerror.Newf(spqrerror.SPQR_TASK_GROUP_OWNED, "group %s is already owned by module %s", g, owner.GetName())
		}
	}

	for _, g := range groups {
		tm.byGroup[g] = m
	}
	tm.byName[m.GetName()] = m
	tm.modules = append(tm.modules, m)

	spqrlog.Zero.Info().
		Str("module", m.GetName()).
		Interface("groups", groups).
		Msg("taskmgr: module registered")
	return nil
}

// Start checks that every required group has an owner and seals the
// registration table.
func (tm *TaskManager) Start(required ...tasks.TaskGroup) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for _, g := range required {
		if _, ok := tm.byGroup[g]; !ok {
			return spqrerror.Newf(spqrerror.SPQR_TASK_GROUP_UNOWNED, "no module registered for group %s", g)
		}
	}
	tm.sealed = true

	spqrlog.Zero.Info().
		Int("modules", len(tm.modules)).
		Msg("taskmgr: started")
	return nil
}

func (tm *TaskManager) FindModule(group tasks.TaskGroup) (Module, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	m, ok := tm.byGroup[group]
	if !ok {
		return nil, spqrerror.Newf(spqrerror.SPQR_TASK_GROUP_UNOWNED, "no module registered for group %s", group)
	}
	return m, nil
}

func (tm *TaskManager) GetModule(name string) (Module, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	m, ok := tm.byName[name]
	return m, ok
}

// ListModules returns modules in registration order.
func (tm *TaskManager) ListModules() []Module {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	ret := make([]Module, len(tm.modules))
	copy(ret, tm.modules)
	return ret
}

// OwnedGroups returns the groups with an owner, in module registration order.
func (tm *TaskManager) OwnedGroups() []tasks.TaskGroup {
	ret := []tasks.TaskGroup{}
	for _, m := range tm.ListModules() {
		ret = append(ret, m.Groups()...)
	}
	return ret
}

func virtualTaskFor(m Module, group tasks.TaskGroup) VirtualTask {
	for _, vt := range m.VirtualTasks() {
		if vt.GetGroup() == group {
			return vt
		}
	}
	return nil
}

// target is the owner of a resolved task id: a virtual task with its hint,
// or a concrete task. hinted marks a target taken from a caller hint
// without any walk.
type target struct {
	group  tasks.TaskGroup
	vt     VirtualTask
	hint   *tasks.VirtualTaskHint
	task   Task
	hinted bool
}

// resolve finds the owner of id. The hint, when usable, short-cuts the walk
// over modules. Concrete task tables are consulted before any virtual task,
// so a failing metadata read cannot hide a local task. Unknown ids give a
// nil target, or the first Contains error if some virtual task could not
// answer.
func (tm *TaskManager) resolve(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) (*target, error) {
	if hint != nil {
		if m, err := tm.FindModule(hint.Group); err == nil {
			if vt := virtualTaskFor(m, hint.Group); vt != nil {
				return &target{group: hint.Group, vt: vt, hint: hint, hinted: true}, nil
			}
		}
	}

	modules := tm.ListModules()
	for _, m := range modules {
		if t, ok := m.FindTask(id); ok {
			return &target{group: t.Group(), task: t}, nil
		}
	}

	var firstErr error
	for _, m := range modules {
		for _, vt := range m.VirtualTasks() {
			h, err := vt.Contains(ctx, id)
			if err != nil {
				spqrlog.Zero.Warn().
					Str("id", id.String()).
					Str("group", string(vt.GetGroup())).
					Err(err).
					Msg("taskmgr: virtual task lookup failed")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if h != nil {
				return &target{group: vt.GetGroup(), vt: vt, hint: h}, nil
			}
		}
	}
	return nil, firstErr
}

// unhinted re-resolves id without the caller hint after the hinted owner
// did not know it. A target that came from a walk has nowhere else to go.
func (tm *TaskManager) unhinted(ctx context.Context, id tasks.TaskID, t *target) (*target, error) {
	if !t.hinted {
		return nil, nil
	}
	spqrlog.Zero.Debug().
		Str("id", id.String()).
		Str("group", string(t.group)).
		Msg("taskmgr: hinted owner does not know the task, resolving without hint")
	return tm.resolve(ctx, id, nil)
}

func groupLabel(t *target) string {
	if t == nil {
		return unownedGroup
	}
	return string(t.group)
}

// Lookup returns a hint for a virtual task id. Concrete and unknown ids
// give nil.
func (tm *TaskManager) Lookup(ctx context.Context, id tasks.TaskID) (*tasks.VirtualTaskHint, error) {
	t, err := tm.resolve(ctx, id, nil)
	statistics.RecordTaskOperation(groupLabel(t), "lookup", err)
	if err != nil || t == nil {
		return nil, err
	}
	return t.hint, nil
}

// GetStatus returns the current status of id, or nil if no module knows it.
func (tm *TaskManager) GetStatus(ctx context.Context, id tasks.TaskID) (*tasks.TaskStatus, error) {
	return tm.GetStatusWithHint(ctx, id, nil)
}

// GetStatusWithHint is GetStatus with a hint from an earlier Lookup. Stale
// or foreign hints are tolerated.
func (tm *TaskManager) GetStatusWithHint(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) (*tasks.TaskStatus, error) {
	spqrlog.Zero.Debug().Str("id", id.String()).Msg("taskmgr: get status")

	t, err := tm.resolve(ctx, id, hint)
	if err != nil || t == nil {
		statistics.RecordTaskOperation(groupLabel(t), "get_status", err)
		return nil, err
	}

	status, err := getStatus(ctx, id, t)
	if err == nil && status == nil {
		if t, err = tm.unhinted(ctx, id, t); err == nil && t != nil {
			status, err = getStatus(ctx, id, t)
		}
	}
	statistics.RecordTaskOperation(groupLabel(t), "get_status", err)
	return status, err
}

func getStatus(ctx context.Context, id tasks.TaskID, t *target) (*tasks.TaskStatus, error) {
	if t.vt != nil {
		return t.vt.GetStatus(ctx, id, t.hint)
	}
	return t.task.Status(ctx)
}

// Wait blocks until id is terminal or gone. It returns nil for unknown ids
// and ctx.Err() when the caller gives up.
func (tm *TaskManager) Wait(ctx context.Context, id tasks.TaskID) (*tasks.TaskStatus, error) {
	return tm.WaitWithHint(ctx, id, nil)
}

func (tm *TaskManager) WaitWithHint(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) (*tasks.TaskStatus, error) {
	spqrlog.Zero.Debug().Str("id", id.String()).Msg("taskmgr: wait")

	start := time.Now()
	t, err := tm.resolve(ctx, id, hint)
	if err != nil || t == nil {
		statistics.RecordTaskOperation(groupLabel(t), "wait", err)
		return nil, err
	}

	status, err := wait(ctx, id, t)
	if err == nil && status == nil {
		if t, err = tm.unhinted(ctx, id, t); err == nil && t != nil {
			status, err = wait(ctx, id, t)
		}
	}
	statistics.RecordTaskOperation(groupLabel(t), "wait", err)
	if err == nil {
		statistics.RecordWait(groupLabel(t), time.Since(start))
	}
	return status, err
}

func wait(ctx context.Context, id tasks.TaskID, t *target) (*tasks.TaskStatus, error) {
	if t.vt != nil {
		return t.vt.Wait(ctx, id, t.hint)
	}
	return waitConcrete(ctx, t.task)
}

func waitConcrete(ctx context.Context, t Task) (*tasks.TaskStatus, error) {
	select {
	case <-t.Done():
		return t.Status(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abort requests cancellation of id. Unknown ids fail with
// SPQR_TASK_NOT_FOUND.
func (tm *TaskManager) Abort(ctx context.Context, id tasks.TaskID) error {
	return tm.AbortWithHint(ctx, id, nil)
}

func (tm *TaskManager) AbortWithHint(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) error {
	spqrlog.Zero.Info().Str("id", id.String()).Msg("taskmgr: abort")

	t, err := tm.resolve(ctx, id, hint)
	if err == nil && t == nil {
		err = spqrerror.Newf(spqrerror.SPQR_TASK_NOT_FOUND, "task %s not found", id)
	}
	if err != nil {
		statistics.RecordTaskOperation(groupLabel(t), "abort", err)
		return err
	}

	err = abort(ctx, id, t)
	if spqrerror.IsCode(err, spqrerror.SPQR_TASK_NOT_FOUND) {
		if other, rerr := tm.unhinted(ctx, id, t); rerr != nil {
			err = rerr
		} else if other != nil {
			t = other
			err = abort(ctx, id, t)
		}
	}
	statistics.RecordTaskOperation(groupLabel(t), "abort", err)
	if err != nil {
		spqrlog.Zero.Info().Str("id", id.String()).Err(err).Msg("taskmgr: abort refused")
	}
	return err
}

func abort(ctx context.Context, id tasks.TaskID, t *target) error {
	if t.vt != nil {
		return t.vt.Abort(ctx, id, t.hint)
	}
	return t.task.Abort(ctx)
}

// ListStats enumerates live tasks of one group.
func (tm *TaskManager) ListStats(ctx context.Context, group tasks.TaskGroup) (*tasks.StatsReport, error) {
	m, err := tm.FindModule(group)
	if err != nil {
		statistics.RecordTaskOperation(string(group), "list_stats", err)
		return nil, err
	}

	report := tasks.NewStatsReport()
	if vt := virtualTaskFor(m, group); vt != nil {
		vtReport, err := vt.GetStats(ctx)
		if err != nil {
			statistics.RecordTaskOperation(string(group), "list_stats", err)
			return nil, err
		}
		report.Merge(vtReport)
	}

	for _, t := range m.ListTasks(group) {
		status, err := t.Status(ctx)
		if err != nil {
			report.Omissions = append(report.Omissions, tasks.StatsOmission{
				Group: group,
				Scope: t.ID().String(),
				Error: err.Error(),
			})
			statistics.RecordStatsOmission(string(group))
			continue
		}
		report.Stats = append(report.Stats, status.Stats())
	}

	report.Sort()
	statistics.RecordTaskOperation(string(group), "list_stats", nil)
	return report, nil
}

// ListAllStats enumerates every owned group concurrently. A group that
// fails as a whole is reported as an omission.
func (tm *TaskManager) ListAllStats(ctx context.Context) (*tasks.StatsReport, error) {
	groups := tm.OwnedGroups()

	var mu sync.Mutex
	report := tasks.NewStatsReport()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tm.statsConcurrency)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			r, err := tm.ListStats(gctx, group)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				spqrlog.Zero.Warn().
					Str("group", string(group)).
					Err(err).
					Msg("taskmgr: group omitted from stats")
				r = &tasks.StatsReport{
					Omissions: []tasks.StatsOmission{{Group: group, Scope: "group", Error: err.Error()}},
				}
			}
			mu.Lock()
			report.Merge(r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Sort()
	return report, nil
}

// ListAbortable returns stats of every live task that could be aborted now.
func (tm *TaskManager) ListAbortable(ctx context.Context) ([]*tasks.TaskStats, error) {
	report, err := tm.ListAllStats(ctx)
	if err != nil {
		return nil, err
	}

	ret := make([]*tasks.TaskStats, 0)
	for _, s := range report.Stats {
		if s.State.IsTerminal() {
			continue
		}
		ok, err := tm.isAbortable(ctx, s)
		if err != nil {
			return nil, err
		}
		if ok {
			ret = append(ret, s)
		}
	}
	return ret, nil
}

func (tm *TaskManager) isAbortable(ctx context.Context, s *tasks.TaskStats) (bool, error) {
	m, err := tm.FindModule(s.Group)
	if err != nil {
		return false, err
	}
	if vt := virtualTaskFor(m, s.Group); vt != nil {
		hint, err := vt.Contains(ctx, s.ID)
		if err != nil || hint == nil {
			return false, err
		}
		return vt.IsAbortable(ctx, *hint)
	}
	if t, ok := m.FindTask(s.ID); ok {
		return t.IsAbortable(), nil
	}
	return false, nil
}
