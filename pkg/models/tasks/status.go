package tasks

import (
	"sort"
	"time"
)

type TaskProgress struct {
	Completed float64 `json:"completed"`
	Total     float64 `json:"total"`
}

// TaskStatus is a point-in-time snapshot of one task. It is never updated
// in place, a fresher snapshot replaces it.
type TaskStatus struct {
	ID             TaskID       `json:"id"`
	Group          TaskGroup    `json:"group"`
	Type           string       `json:"type"`
	Kind           TaskKind     `json:"kind"`
	Scope          TaskScope    `json:"scope"`
	State          TaskState    `json:"state"`
	IsAbortable    bool         `json:"is_abortable"`
	StartTime      time.Time    `json:"start_time"`
	EndTime        time.Time    `json:"end_time,omitzero"`
	Error          string       `json:"error,omitempty"`
	SequenceNumber uint64       `json:"sequence_number"`
	Keyspace       string       `json:"keyspace"`
	Table          string       `json:"table"`
	Entity         string       `json:"entity"`
	Shard          int          `json:"shard"`
	Source         string       `json:"source,omitempty"`
	Destination    string       `json:"destination,omitempty"`
	Progress       TaskProgress `json:"progress"`
	ChildrenIDs    []TaskID     `json:"children_ids"`
}

// TaskStats is the compact form of TaskStatus used for bulk listings.
type TaskStats struct {
	ID             TaskID    `json:"task_id"`
	Group          TaskGroup `json:"group"`
	Type           string    `json:"type"`
	Kind           TaskKind  `json:"kind"`
	Scope          TaskScope `json:"scope"`
	State          TaskState `json:"state"`
	SequenceNumber uint64    `json:"sequence_number"`
	Keyspace       string    `json:"keyspace"`
	Table          string    `json:"table"`
	Entity         string    `json:"entity"`
	Shard          int       `json:"shard"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time,omitzero"`
}

func (s *TaskStatus) Stats() *TaskStats {
	return &TaskStats{
		ID:             s.ID,
		Group:          s.Group,
		Type:           s.Type,
		Kind:           s.Kind,
		Scope:          s.Scope,
		State:          s.State,
		SequenceNumber: s.SequenceNumber,
		Keyspace:       s.Keyspace,
		Table:          s.Table,
		Entity:         s.Entity,
		Shard:          s.Shard,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
	}
}

// StatsOmission records a unit (table, module) that could not be scanned
// during a stats enumeration.
type StatsOmission struct {
	Group TaskGroup `json:"group"`
	Scope string    `json:"scope"`
	Error string    `json:"error"`
}

type StatsReport struct {
	Stats     []*TaskStats    `json:"stats"`
	Omissions []StatsOmission `json:"omissions,omitempty"`
}

func NewStatsReport() *StatsReport {
	return &StatsReport{
		Stats: make([]*TaskStats, 0),
	}
}

// Partial reports whether some units were skipped during enumeration.
func (r *StatsReport) Partial() bool {
	return len(r.Omissions) > 0
}

func (r *StatsReport) Merge(other *StatsReport) {
	if other == nil {
		return
	}
	r.Stats = append(r.Stats, other.Stats...)
	r.Omissions = append(r.Omissions, other.Omissions...)
}

// Sort orders stats by group, sequence number and id so that listings are stable.
func (r *StatsReport) Sort() {
	sort.Slice(r.Stats, func(i, j int) bool {
		a, b := r.Stats[i], r.Stats[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.SequenceNumber != b.SequenceNumber {
			return a.SequenceNumber < b.SequenceNumber
		}
		return a.ID < b.ID
	})
	sort.Slice(r.Omissions, func(i, j int) bool {
		if r.Omissions[i].Group != r.Omissions[j].Group {
			return r.Omissions[i].Group < r.Omissions[j].Group
		}
		return r.Omissions[i].Scope < r.Omissions[j].Scope
	})
}
