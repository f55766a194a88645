package qdb

import (
	"fmt"
	"time"
)

type Table struct {
	ID          string `json:"id"`
	Keyspace    string `json:"keyspace"`
	Name        string `json:"name"`
	TabletCount uint64 `json:"tablet_count"`
}

func NewTable(id, keyspace, name string, tabletCount uint64) *Table {
	return &Table{
		ID:          id,
		Keyspace:    keyspace,
		Name:        name,
		TabletCount: tabletCount,
	}
}

// TabletReplica is a placement of a tablet: a host and a shard on that host.
type TabletReplica struct {
	Host  string `json:"host"`
	Shard int    `json:"shard"`
}

func (r TabletReplica) String() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Shard)
}

type TransitionKind string

const (
	TransitionMigration = TransitionKind("migration")
	TransitionRepair    = TransitionKind("repair")
)

type TransitionStage string

const (
	StageAllowWriteBothReadOld = TransitionStage("allow_write_both_read_old")
	StageWriteBothReadOld      = TransitionStage("write_both_read_old")
	StageStreaming             = TransitionStage("streaming")
	StageWriteBothReadNew      = TransitionStage("write_both_read_new")
	StageUseNew                = TransitionStage("use_new")
	StageCleanup               = TransitionStage("cleanup")
	StageCleanupTarget         = TransitionStage("cleanup_target")
	StageEndMigration          = TransitionStage("end_migration")
	StageRevertMigration       = TransitionStage("revert_migration")
	StageRepair                = TransitionStage("repair")
	StageEndRepair             = TransitionStage("end_repair")
)

var stageOrder = map[TransitionStage]int{
	StageAllowWriteBothReadOld: 0,
	StageWriteBothReadOld:      1,
	StageStreaming:             2,
	StageWriteBothReadNew:      3,
	StageUseNew:                4,
	StageCleanup:               5,
	StageCleanupTarget:         6,
	StageEndMigration:          7,
	StageRevertMigration:       8,
	StageRepair:                0,
	StageEndRepair:             1,
}

var kindStages = map[TransitionKind]map[TransitionStage]struct{}{
	TransitionMigration: {
		StageAllowWriteBothReadOld: {},
		StageWriteBothReadOld:      {},
		StageStreaming:             {},
		StageWriteBothReadNew:      {},
		StageUseNew:                {},
		StageCleanup:               {},
		StageCleanupTarget:         {},
		StageEndMigration:          {},
		StageRevertMigration:       {},
	},
	TransitionRepair: {
		StageRepair:    {},
		StageEndRepair: {},
	},
}

// ValidStage reports whether stage belongs to transitions of the given kind.
func (k TransitionKind) ValidStage(stage TransitionStage) bool {
	stages, ok := kindStages[k]
	if !ok {
		return false
	}
	_, ok = stages[stage]
	return ok
}

// InitialStage is the stage a freshly recorded transition of kind k starts in.
func (k TransitionKind) InitialStage() TransitionStage {
	if k == TransitionRepair {
		return StageRepair
	}
	return StageAllowWriteBothReadOld
}

// IsPreCommit reports whether the transition can still be rolled back
// without losing writes. Migrations commit when reads switch to the new
// replica, repairs when they enter end_repair.
func (s TransitionStage) IsPreCommit() bool {
	switch s {
	case StageAllowWriteBothReadOld, StageWriteBothReadOld, StageStreaming, StageRepair:
		return true
	default:
		return false
	}
}

// MigrationSteps is the step of end_migration, the last forward stage of a
// migration.
const MigrationSteps = 7

// Step is the position of s within the stages of its transition kind.
func (s TransitionStage) Step() int {
	return stageOrder[s]
}

// Precedes reports whether s comes strictly before other in the stage order.
func (s TransitionStage) Precedes(other TransitionStage) bool {
	return stageOrder[s] < stageOrder[other]
}

type TransitionOutcome string

const (
	OutcomeNone    = TransitionOutcome("")
	OutcomeFailed  = TransitionOutcome("failed")
	OutcomeAborted = TransitionOutcome("aborted")
)

// TabletTransition is the in-flight operation record of one tablet. At most
// one transition exists per tablet. A repair spans several tablets that
// share the same TaskID.
type TabletTransition struct {
	TaskID         string            `json:"task_id"`
	TableID        string            `json:"table_id"`
	TabletID       uint64            `json:"tablet_id"`
	Kind           TransitionKind    `json:"kind"`
	Stage          TransitionStage   `json:"stage"`
	Source         *TabletReplica    `json:"source,omitempty"`
	Destination    *TabletReplica    `json:"destination,omitempty"`
	SequenceNumber uint64            `json:"sequence_number"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time,omitzero"`
	Outcome        TransitionOutcome `json:"outcome,omitempty"`
	Error          string            `json:"error,omitempty"`
}

func (t *TabletTransition) Clone() *TabletTransition {
	c := *t
	if t.Source != nil {
		src := *t.Source
		c.Source = &src
	}
	if t.Destination != nil {
		dst := *t.Destination
		c.Destination = &dst
	}
	return &c
}

// IsTerminal reports whether the transition carries a failed or aborted
// marker. Successful completion is signalled by removal of the record.
func (t *TabletTransition) IsTerminal() bool {
	return t.Outcome != OutcomeNone
}

func (t *TabletTransition) IsAbortable() bool {
	return !t.IsTerminal() && t.Stage.IsPreCommit()
}
