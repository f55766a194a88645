package tablets

import (
	"strconv"
	"strings"
	"time"

	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/qdb"
)

const (
	TypeMigration          = "migration"
	TypeIntranodeMigration = "intranode_migration"
	TypeUserRepair         = "user_repair"
)

func taskType(tr *qdb.TabletTransition) string {
	if tr.Kind == qdb.TransitionRepair {
		return TypeUserRepair
	}
	if tr.Source != nil && tr.Destination != nil && tr.Source.Host == tr.Destination.Host {
		return TypeIntranodeMigration
	}
	return TypeMigration
}

func taskScope(tr *qdb.TabletTransition) tasks.TaskScope {
	if tr.Kind == qdb.TransitionRepair {
		return tasks.ScopeTable
	}
	return tasks.ScopeTablet
}

func transitionState(tr *qdb.TabletTransition) tasks.TaskState {
	switch tr.Outcome {
	case qdb.OutcomeAborted:
		return tasks.TaskAborted
	case qdb.OutcomeFailed:
		return tasks.TaskFailed
	}
	if tr.Stage == qdb.StageAllowWriteBothReadOld {
		return tasks.TaskCreated
	}
	return tasks.TaskRunning
}

// aggregateState folds per-tablet states into the task state. An aborted
// tablet marks the whole task aborted, then failed wins over live states.
// The task is created only while every tablet is.
func aggregateState(trs []*qdb.TabletTransition) tasks.TaskState {
	created := true
	failed := false
	for _, tr := range trs {
		switch transitionState(tr) {
		case tasks.TaskAborted:
			return tasks.TaskAborted
		case tasks.TaskFailed:
			failed = true
		case tasks.TaskRunning:
			created = false
		}
	}
	switch {
	case failed:
		return tasks.TaskFailed
	case created:
		return tasks.TaskCreated
	default:
		return tasks.TaskRunning
	}
}

func abortable(trs []*qdb.TabletTransition) bool {
	preCommit := false
	for _, tr := range trs {
		if tr.IsTerminal() {
			return false
		}
		if tr.Stage.IsPreCommit() {
			preCommit = true
		}
	}
	return preCommit
}

func progress(trs []*qdb.TabletTransition) tasks.TaskProgress {
	if trs[0].Kind == qdb.TransitionRepair {
		p := tasks.TaskProgress{Total: float64(len(trs))}
		for _, tr := range trs {
			if tr.Stage == qdb.StageEndRepair {
				p.Completed++
			}
		}
		return p
	}

	p := tasks.TaskProgress{Total: qdb.MigrationSteps}
	if trs[0].Stage != qdb.StageRevertMigration {
		p.Completed = float64(trs[0].Stage.Step())
	}
	return p
}

func entity(trs []*qdb.TabletTransition) string {
	ids := make([]string, 0, len(trs))
	for _, tr := range trs {
		ids = append(ids, strconv.FormatUint(tr.TabletID, 10))
	}
	return strings.Join(ids, ",")
}

// buildStatus synthesizes the status of a task from its live transitions.
// loc must not be empty.
func buildStatus(id tasks.TaskID, table *qdb.Table, loc *location) *tasks.TaskStatus {
	trs := loc.transitions
	first := trs[0]

	status := &tasks.TaskStatus{
		ID:             id,
		Group:          tasks.GroupTablets,
		Type:           taskType(first),
		Kind:           tasks.KindCluster,
		Scope:          taskScope(first),
		State:          aggregateState(trs),
		IsAbortable:    abortable(trs),
		StartTime:      first.StartTime,
		SequenceNumber: first.SequenceNumber,
		Keyspace:       table.Keyspace,
		Table:          table.Name,
		Entity:         entity(trs),
		Progress:       progress(trs),
		ChildrenIDs:    []tasks.TaskID{},
	}

	for _, tr := range trs {
		if tr.StartTime.Before(status.StartTime) {
			status.StartTime = tr.StartTime
		}
		if tr.SequenceNumber < status.SequenceNumber {
			status.SequenceNumber = tr.SequenceNumber
		}
		if tr.EndTime.After(status.EndTime) {
			status.EndTime = tr.EndTime
		}
		if status.Error == "" && tr.Error != "" {
			status.Error = tr.Error
		}
	}
	if !status.State.IsTerminal() {
		status.EndTime = time.Time{}
	}

	if first.Kind == qdb.TransitionMigration {
		if first.Source != nil {
			status.Source = first.Source.String()
		}
		if first.Destination != nil {
			status.Destination = first.Destination.String()
			status.Shard = first.Destination.Shard
		}
	}
	return status
}

// finished turns the last observed status of a task whose transitions are
// gone into its done snapshot.
func finished(last *tasks.TaskStatus) *tasks.TaskStatus {
	done := *last
	done.State = tasks.TaskDone
	done.IsAbortable = false
	done.EndTime = time.Now()
	done.Progress.Completed = done.Progress.Total
	return &done
}
