package tablets

import (
	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/qdb"
)

const hintVersion = 1

// tabletHint locates the transitions of one task: the table they belong to
// and the tablets they cover.
type tabletHint struct {
	TaskID    string              `json:"task_id"`
	TableID   string              `json:"table_id"`
	TabletIDs []uint64            `json:"tablets"`
	Kind      qdb.TransitionKind  `json:"kind"`
	Stage     qdb.TransitionStage `json:"stage"`
}

func newTabletHint(id tasks.TaskID, loc *location) *tabletHint {
	h := &tabletHint{
		TaskID:  id.String(),
		TableID: loc.tableID,
	}
	for _, tr := range loc.transitions {
		h.TabletIDs = append(h.TabletIDs, tr.TabletID)
	}
	if len(loc.transitions) > 0 {
		h.Kind = loc.transitions[0].Kind
		h.Stage = loc.transitions[0].Stage
	}
	return h
}

func (h *tabletHint) encode() (*tasks.VirtualTaskHint, error) {
	return tasks.NewVirtualTaskHint(tasks.GroupTablets, hintVersion, h)
}

// decodeHint returns nil for hints that were not produced by this virtual
// task or that do not carry a location.
func decodeHint(hint *tasks.VirtualTaskHint) *tabletHint {
	var h tabletHint
	if !hint.Decode(tasks.GroupTablets, hintVersion, &h) {
		return nil
	}
	if h.TaskID == "" || h.TableID == "" || len(h.TabletIDs) == 0 {
		return nil
	}
	return &h
}
