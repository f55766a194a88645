package taskmgr

import (
	"context"

	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
)

// Task is a concrete task: one with its own tracking record, kept by the
// module that created it until the module retires it.
type Task interface {
	ID() tasks.TaskID
	Group() tasks.TaskGroup

	Status(ctx context.Context) (*tasks.TaskStatus, error)
	IsAbortable() bool
	// Abort requests cancellation. It returns nil for tasks that are already
	// terminal and an SPQR_TASK_NOT_ABORTABLE error when cancellation is no
	// longer meaningful.
	Abort(ctx context.Context) error
	// Done is closed once the task reaches a terminal state.
	Done() <-chan struct{}
}

// VirtualTask answers task queries for one group from the live state of a
// backing subsystem. Implementations keep no per-task state.
//
// Lookups return nil results rather than errors for unknown ids. Errors are
// reserved for failures to read the backing state and for refused aborts.
type VirtualTask interface {
	GetGroup() tasks.TaskGroup

	// Contains reports whether id is a live task of this group and returns a
	// hint to find it again cheaply.
	Contains(ctx context.Context, id tasks.TaskID) (*tasks.VirtualTaskHint, error)
	IsAbortable(ctx context.Context, hint tasks.VirtualTaskHint) (bool, error)
	GetStatus(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) (*tasks.TaskStatus, error)
	// Wait blocks until the task is terminal or gone. A nil status means the
	// task could not be found at call time.
	Wait(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) (*tasks.TaskStatus, error)
	Abort(ctx context.Context, id tasks.TaskID, hint *tasks.VirtualTaskHint) error
	GetStats(ctx context.Context) (*tasks.StatsReport, error)
}
