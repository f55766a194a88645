package tablets

import (
	"context"
	"errors"

	retry "github.com/sethvargo/go-retry"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/pkg/spqrlog"
	"github.com/pg-sharding/taskmgr/qdb"
)

// location is the set of live transitions backing one task id. All of them
// belong to the same table.
type location struct {
	tableID     string
	transitions []*qdb.TabletTransition
}

func (l *location) empty() bool {
	return l == nil || len(l.transitions) == 0
}

func permanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		spqrerror.IsCode(err, spqrerror.SPQR_TRANSITION_NOT_FOUND) ||
		spqrerror.IsCode(err, spqrerror.SPQR_INVALID_REQUEST) ||
		spqrerror.IsCode(err, spqrerror.SPQR_METADATA_CORRUPTION)
}

// read runs a metadata read, retrying transient failures. Failures that
// survive the retries are reported as SPQR_METADATA_READ_ERROR.
func (vt *VirtualTask) read(ctx context.Context, op string, f func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(vt.lookupRetries), retry.NewFibonacci(vt.lookupRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := f(ctx)
		if err == nil || permanent(err) {
			return err
		}
		spqrlog.Zero.Debug().Err(err).Str("op", op).Msg("tablet_virtual_task: metadata read failed, retrying")
		return retry.RetryableError(err)
	})
	if err == nil || permanent(err) {
		return err
	}
	return spqrerror.Newf(spqrerror.SPQR_METADATA_READ_ERROR, "%s: %w", op, err)
}

func (vt *VirtualTask) getTransition(ctx context.Context, tableID string, tabletID uint64) (*qdb.TabletTransition, error) {
	var tr *qdb.TabletTransition
	err := vt.read(ctx, "get tablet transition", func(ctx context.Context) error {
		var err error
		tr, err = vt.db.GetTabletTransition(ctx, tableID, tabletID)
		return err
	})
	if spqrerror.IsCode(err, spqrerror.SPQR_TRANSITION_NOT_FOUND) {
		return nil, nil
	}
	return tr, err
}

func (vt *VirtualTask) listTransitions(ctx context.Context, tableID string) ([]*qdb.TabletTransition, error) {
	var trs []*qdb.TabletTransition
	err := vt.read(ctx, "list tablet transitions of "+tableID, func(ctx context.Context) error {
		var err error
		trs, err = vt.db.ListTabletTransitions(ctx, tableID)
		return err
	})
	return trs, err
}

func (vt *VirtualTask) listTables(ctx context.Context) ([]string, error) {
	var tables []string
	err := vt.read(ctx, "list tables with transitions", func(ctx context.Context) error {
		var err error
		tables, err = vt.db.ListTablesWithTransitions(ctx)
		return err
	})
	return tables, err
}

// getTable returns the table metadata, or a stub carrying only the id when
// the table is not described in the store.
func (vt *VirtualTask) getTable(ctx context.Context, tableID string) (*qdb.Table, error) {
	var table *qdb.Table
	err := vt.read(ctx, "get table "+tableID, func(ctx context.Context) error {
		var err error
		table, err = vt.db.GetTable(ctx, tableID)
		return err
	})
	if spqrerror.IsCode(err, spqrerror.SPQR_INVALID_REQUEST) {
		return &qdb.Table{ID: tableID, Name: tableID}, nil
	}
	return table, err
}

func ownedBy(trs []*qdb.TabletTransition, id tasks.TaskID) []*qdb.TabletTransition {
	var ret []*qdb.TabletTransition
	for _, tr := range trs {
		if tr.TaskID == id.String() {
			ret = append(ret, tr)
		}
	}
	return ret
}

// locate finds the transitions of id, through the hint when it is usable
// and by a scan otherwise. A nil location means id is not a live task.
func (vt *VirtualTask) locate(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) (*location, error) {
	if h := decodeHint(hint); h != nil && h.TaskID == id.String() {
		loc, err := vt.refresh(ctx, h)
		if err != nil {
			return nil, err
		}
		if !loc.empty() {
			return loc, nil
		}
		spqrlog.Zero.Debug().
			Str("id", id.String()).
			Str("table", h.TableID).
			Msg("tablet_virtual_task: stale hint, falling back to scan")
	}
	return vt.scan(ctx, id)
}

// refresh reads the current transitions at the location described by h.
// Repairs are re-read table wide so that the result matches a scan.
func (vt *VirtualTask) refresh(ctx context.Context, h *tabletHint) (*location, error) {
	loc := &location{tableID: h.TableID}
	id := tasks.TaskID(h.TaskID)

	if h.Kind == qdb.TransitionRepair || len(h.TabletIDs) > 1 {
		trs, err := vt.listTransitions(ctx, h.TableID)
		if err != nil {
			return nil, err
		}
		loc.transitions = ownedBy(trs, id)
		return loc, nil
	}

	tr, err := vt.getTransition(ctx, h.TableID, h.TabletIDs[0])
	if err != nil {
		return nil, err
	}
	if tr != nil && tr.TaskID == h.TaskID {
		loc.transitions = []*qdb.TabletTransition{tr}
	}
	return loc, nil
}

// scan walks every table with transitions looking for id. Scans are rate
// limited since each one reads the whole transition namespace.
func (vt *VirtualTask) scan(ctx context.Context, id tasks.TaskID) (*location, error) {
	if err := vt.scanLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	tables, err := vt.listTables(ctx)
	if err != nil {
		return nil, err
	}
	for _, tableID := range tables {
		trs, err := vt.listTransitions(ctx, tableID)
		if err != nil {
			return nil, err
		}
		if owned := ownedBy(trs, id); len(owned) > 0 {
			return &location{tableID: tableID, transitions: owned}, nil
		}
	}
	return nil, nil
}
