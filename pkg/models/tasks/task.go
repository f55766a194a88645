package tasks

import (
	"github.com/google/uuid"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
)

// TaskID identifies one task instance cluster-wide. It is opaque: callers
// must not derive anything from its contents.
type TaskID string

func NewTaskID() TaskID {
	return TaskID(uuid.NewString())
}

func ParseTaskID(s string) (TaskID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "invalid task id %q: %s", s, err)
	}
	return TaskID(id.String()), nil
}

func (id TaskID) String() string {
	return string(id)
}

type TaskGroup string

const (
	GroupTablets    = TaskGroup("tablets")
	GroupRepair     = TaskGroup("repair")
	GroupCompaction = TaskGroup("compaction")
	GroupSchema     = TaskGroup("schema")
)

var AllTaskGroups = []TaskGroup{
	GroupTablets,
	GroupRepair,
	GroupCompaction,
	GroupSchema,
}

func ParseTaskGroup(s string) (TaskGroup, error) {
	for _, g := range AllTaskGroups {
		if string(g) == s {
			return g, nil
		}
	}
	return "", spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "unknown task group %q", s)
}

func ParseTaskGroups(groups []string) ([]TaskGroup, error) {
	ret := make([]TaskGroup, 0, len(groups))
	for _, s := range groups {
		g, err := ParseTaskGroup(s)
		if err != nil {
			return nil, err
		}
		ret = append(ret, g)
	}
	return ret, nil
}

type TaskState string

const (
	TaskCreated = TaskState("created")
	TaskRunning = TaskState("running")
	TaskDone    = TaskState("done")
	TaskFailed  = TaskState("failed")
	TaskAborted = TaskState("aborted")
)

func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskDone, TaskFailed, TaskAborted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine
// created -> running -> {done | failed | aborted} allows moving from s to next.
// Staying in the same state is always allowed.
func (s TaskState) CanTransition(next TaskState) bool {
	if s == next {
		return true
	}
	switch s {
	case TaskCreated:
		return next == TaskRunning || next.IsTerminal()
	case TaskRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

type TaskKind string

const (
	KindCluster = TaskKind("cluster")
	KindNode    = TaskKind("node")
)

type TaskScope string

const (
	ScopeTablet   = TaskScope("tablet")
	ScopeTable    = TaskScope("table")
	ScopeKeyspace = TaskScope("keyspace")
	ScopeNode     = TaskScope("node")
)
