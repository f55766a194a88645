package qdb

import (
	"fmt"
	"time"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
)

func transitionKey(tableID string, tabletID uint64) string {
	return fmt.Sprintf("%s/%020d", tableID, tabletID)
}

func errTransitionNotFound(tableID string, tabletID uint64) error {
	return spqrerror.Newf(spqrerror.SPQR_TRANSITION_NOT_FOUND, "tablet %d of table %s has no transition", tabletID, tableID)
}

// prepareTransition validates a new transition record and fills in the
// defaults the store is responsible for.
func prepareTransition(t *TabletTransition, now time.Time) error {
	if t.TaskID == "" {
		return spqrerror.New(spqrerror.SPQR_INVALID_REQUEST, "tablet transition requires a task id")
	}
	if t.TableID == "" {
		return spqrerror.New(spqrerror.SPQR_INVALID_REQUEST, "tablet transition requires a table id")
	}
	if _, ok := kindStages[t.Kind]; !ok {
		return spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "unknown transition kind \"%s\"", t.Kind)
	}
	if t.Stage == "" {
		t.Stage = t.Kind.InitialStage()
	}
	if !t.Kind.ValidStage(t.Stage) {
		return spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "stage \"%s\" is not valid for %s", t.Stage, t.Kind)
	}
	if t.StartTime.IsZero() {
		t.StartTime = now
	}
	t.Outcome = OutcomeNone
	t.EndTime = time.Time{}
	t.Error = ""
	return nil
}

// advanceStage moves t forward to stage. Stages never go backwards and a
// transition with an outcome no longer changes stage.
func advanceStage(t *TabletTransition, stage TransitionStage) error {
	if !t.Kind.ValidStage(stage) {
		return spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "stage \"%s\" is not valid for %s", stage, t.Kind)
	}
	if t.IsTerminal() {
		return spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "tablet %d of table %s is already %s", t.TabletID, t.TableID, t.Outcome)
	}
	if stage.Precedes(t.Stage) {
		return spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "tablet %d of table %s cannot move from %s back to %s", t.TabletID, t.TableID, t.Stage, stage)
	}
	t.Stage = stage
	return nil
}

func markFailed(t *TabletTransition, reason string, now time.Time) {
	if t.IsTerminal() {
		return
	}
	t.Outcome = OutcomeFailed
	t.Error = reason
	t.EndTime = now
	if t.Kind == TransitionMigration && t.Stage.IsPreCommit() {
		t.Stage = StageRevertMigration
	}
}

// markAborted reports whether t changed. A terminal transition is left
// untouched, a committed one is refused.
func markAborted(t *TabletTransition, taskID string, now time.Time) (bool, error) {
	if t.TaskID != taskID {
		return false, spqrerror.Newf(spqrerror.SPQR_TRANSITION_NOT_FOUND, "tablet %d of table %s is not owned by task %s", t.TabletID, t.TableID, taskID)
	}
	if t.IsTerminal() {
		return false, nil
	}
	if !t.Stage.IsPreCommit() {
		return false, spqrerror.Newf(spqrerror.SPQR_TRANSITION_COMMITTED, "tablet %d of table %s is in stage %s", t.TabletID, t.TableID, t.Stage)
	}
	t.Outcome = OutcomeAborted
	t.EndTime = now
	if t.Kind == TransitionMigration {
		t.Stage = StageRevertMigration
	}
	return true, nil
}

// markTaskFailed fails the transition of tabletID among trs, the live
// transitions of one table. A repair task fails as a whole: its other live
// tablets take the same outcome, so removing one record never brings the
// task back to running. It returns the transitions that changed.
func markTaskFailed(trs []*TabletTransition, tableID string, tabletID uint64, reason string, now time.Time) ([]*TabletTransition, error) {
	var target *TabletTransition
	for _, tr := range trs {
		if tr.TabletID == tabletID {
			target = tr
			break
		}
	}
	if target == nil {
		return nil, errTransitionNotFound(tableID, tabletID)
	}
	if target.IsTerminal() {
		return nil, nil
	}

	changed := []*TabletTransition{}
	for _, tr := range trs {
		if tr.IsTerminal() {
			continue
		}
		if tr == target || (target.Kind == TransitionRepair && tr.TaskID == target.TaskID) {
			markFailed(tr, reason, now)
			changed = append(changed, tr)
		}
	}
	return changed, nil
}
