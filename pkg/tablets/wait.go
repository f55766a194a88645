package tablets

import (
	"context"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/pkg/spqrlog"
)

// Wait blocks until the task reaches a failed or aborted outcome or its
// transitions are removed, which means the operation finished. The store is
// re-read on every change notification and at least on a capped
// exponential schedule.
func (vt *VirtualTask) Wait(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) (*tasks.TaskStatus, error) {
	loc, err := vt.locate(ctx, id, hint)
	if err != nil || loc.empty() {
		return nil, err
	}
	status, err := vt.status(ctx, id, loc)
	if err != nil || status.State.IsTerminal() {
		return status, err
	}

	spqrlog.Zero.Info().
		Str("id", id.String()).
		Str("table", loc.tableID).
		Msg("tablet_virtual_task: wait until tablet operation is finished")

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, err := vt.db.WatchTabletTransitions(watchCtx)
	if err != nil {
		spqrlog.Zero.Warn().Err(err).Msg("tablet_virtual_task: cannot watch transitions, polling only")
		changes = nil
	}

	h := newTabletHint(id, loc)
	backoff := retry.WithCappedDuration(vt.maxPollInterval, retry.NewExponential(vt.pollInterval))

	// The record may have changed before the watch was set up.
	delay := time.Duration(0)
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case _, ok := <-changes:
			timer.Stop()
			if !ok {
				changes = nil
			}
		case <-timer.C:
		}

		cur, err := vt.refresh(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if cur.empty() {
			spqrlog.Zero.Info().Str("id", id.String()).Msg("tablet_virtual_task: tablet operation finished")
			return finished(status), nil
		}

		status, err = vt.status(ctx, id, cur)
		if err != nil {
			return nil, err
		}
		if status.State.IsTerminal() {
			return status, nil
		}

		delay, _ = backoff.Next()
	}
}
