package qdb

import (
	"context"
	"encoding/json"
	"maps"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/pkg/spqrlog"
)

type MemQDB struct {
	// TODO create more mutex per map if needed
	mu sync.RWMutex

	Tables      map[string]*Table            `json:"tables"`
	Transitions map[string]*TabletTransition `json:"transitions"`
	Sequence    *atomic.Uint64               `json:"sequence"`

	watchMu  sync.Mutex
	watchers map[uint64]chan struct{}
	watchID  uint64

	backupPath string
}

var _ TabletQDB = &MemQDB{}

func NewMemQDB(backupPath string) (*MemQDB, error) {
	return &MemQDB{
		Tables:      map[string]*Table{},
		Transitions: map[string]*TabletTransition{},
		Sequence:    atomic.NewUint64(0),
		watchers:    map[uint64]chan struct{}{},

		backupPath: backupPath,
	}, nil
}

func RestoreQDB(backupPath string) (*MemQDB, error) {
	qdb, err := NewMemQDB(backupPath)
	if err != nil {
		return nil, err
	}
	if backupPath == "" {
		return qdb, nil
	}
	if _, err := os.Stat(backupPath); err != nil {
		spqrlog.Zero.Info().Err(err).Msg("memqdb: backup file not exists, creating new one")
		f, err := os.Create(backupPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return qdb, nil
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return qdb, nil
	}
	if err := json.Unmarshal(data, qdb); err != nil {
		return nil, spqrerror.Newf(spqrerror.SPQR_METADATA_CORRUPTION, "memqdb backup %s: %w", backupPath, err)
	}
	if qdb.Tables == nil {
		qdb.Tables = map[string]*Table{}
	}
	if qdb.Transitions == nil {
		qdb.Transitions = map[string]*TabletTransition{}
	}
	if qdb.Sequence == nil {
		qdb.Sequence = atomic.NewUint64(0)
	}
	spqrlog.Zero.Info().
		Int("tables", len(qdb.Tables)).
		Int("transitions", len(qdb.Transitions)).
		Msg("memqdb: restored from backup")
	return qdb, nil
}

// DumpState writes the whole store to the backup file. Callers hold mu.
func (q *MemQDB) DumpState() error {
	if q.backupPath == "" {
		return nil
	}
	tmpPath := q.backupPath + ".tmp"

	state, err := json.MarshalIndent(q, "", "	")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmpPath, state, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, q.backupPath)
}

func (q *MemQDB) notify() {
	q.watchMu.Lock()
	defer q.watchMu.Unlock()
	for _, ch := range q.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ==============================================================================
//                                   TABLES
// ==============================================================================

func (q *MemQDB) CreateTable(_ context.Context, table *Table) error {
	spqrlog.Zero.Debug().Interface("table", table).Msg("memqdb: create table")
	if table.ID == "" || strings.Contains(table.ID, "/") {
		return spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "invalid table id \"%s\"", table.ID)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	t := *table
	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Tables, table.ID, &t))
}

func (q *MemQDB) GetTable(_ context.Context, tableID string) (*Table, error) {
	spqrlog.Zero.Debug().Str("table", tableID).Msg("memqdb: get table")
	q.mu.RLock()
	defer q.mu.RUnlock()

	t, ok := q.Tables[tableID]
	if !ok {
		return nil, spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "table %s does not exist", tableID)
	}
	ret := *t
	return &ret, nil
}

func (q *MemQDB) ListTables(_ context.Context) ([]*Table, error) {
	spqrlog.Zero.Debug().Msg("memqdb: list tables")
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*Table, 0, len(q.Tables))
	for _, t := range q.Tables {
		c := *t
		ret = append(ret, &c)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})
	return ret, nil
}

// DropTable removes the table together with its transitions.
func (q *MemQDB) DropTable(_ context.Context, tableID string) error {
	spqrlog.Zero.Debug().Str("table", tableID).Msg("memqdb: drop table")
	q.mu.Lock()

	prefix := tableID + "/"
	dropped := map[string]*TabletTransition{}
	err := ExecuteCommands(q.DumpState,
		NewDeleteCommand(q.Tables, tableID),
		NewCustomCommand(func() error {
			for key, tr := range q.Transitions {
				if strings.HasPrefix(key, prefix) {
					dropped[key] = tr
					delete(q.Transitions, key)
				}
			}
			return nil
		}, func() error {
			maps.Copy(q.Transitions, dropped)
			return nil
		}),
	)
	q.mu.Unlock()
	if err == nil && len(dropped) > 0 {
		q.notify()
	}
	return err
}

// ==============================================================================
//                               TABLET TRANSITIONS
// ==============================================================================

func (q *MemQDB) RecordTabletTransition(_ context.Context, transition *TabletTransition) error {
	spqrlog.Zero.Debug().Interface("transition", transition).Msg("memqdb: record tablet transition")

	t := transition.Clone()
	if err := prepareTransition(t, time.Now()); err != nil {
		return err
	}

	q.mu.Lock()
	key := transitionKey(t.TableID, t.TabletID)
	if _, ok := q.Transitions[key]; ok {
		q.mu.Unlock()
		return spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "tablet %d of table %s already has a transition", t.TabletID, t.TableID)
	}
	t.SequenceNumber = q.Sequence.Inc()
	err := ExecuteCommands(q.DumpState, NewUpdateCommand(q.Transitions, key, t))
	q.mu.Unlock()
	if err != nil {
		return err
	}

	transition.SequenceNumber = t.SequenceNumber
	transition.StartTime = t.StartTime
	transition.Stage = t.Stage
	q.notify()
	return nil
}

// modifyTransition applies f to a copy of the stored transition and swaps
// the copy in when f reports a change.
func (q *MemQDB) modifyTransition(tableID string, tabletID uint64, f func(t *TabletTransition) (bool, error)) error {
	q.mu.Lock()
	key := transitionKey(tableID, tabletID)
	cur, ok := q.Transitions[key]
	if !ok {
		q.mu.Unlock()
		return errTransitionNotFound(tableID, tabletID)
	}
	next := cur.Clone()
	changed, err := f(next)
	if err != nil || !changed {
		q.mu.Unlock()
		return err
	}
	err = ExecuteCommands(q.DumpState, NewUpdateCommand(q.Transitions, key, next))
	q.mu.Unlock()
	if err == nil {
		q.notify()
	}
	return err
}

func (q *MemQDB) UpdateTabletTransitionStage(_ context.Context, tableID string, tabletID uint64, stage TransitionStage) error {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Uint64("tablet", tabletID).
		Str("stage", string(stage)).
		Msg("memqdb: update tablet transition stage")

	return q.modifyTransition(tableID, tabletID, func(t *TabletTransition) (bool, error) {
		return true, advanceStage(t, stage)
	})
}

func (q *MemQDB) MarkTabletTransitionFailed(_ context.Context, tableID string, tabletID uint64, reason string) error {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Uint64("tablet", tabletID).
		Str("reason", reason).
		Msg("memqdb: mark tablet transition failed")

	q.mu.Lock()
	trs := []*TabletTransition{}
	for _, t := range q.Transitions {
		if t.TableID == tableID {
			trs = append(trs, t.Clone())
		}
	}
	changed, err := markTaskFailed(trs, tableID, tabletID, reason, time.Now())
	if err != nil || len(changed) == 0 {
		q.mu.Unlock()
		return err
	}
	commands := make([]Command, 0, len(changed))
	for _, t := range changed {
		commands = append(commands, NewUpdateCommand(q.Transitions, transitionKey(tableID, t.TabletID), t))
	}
	err = ExecuteCommands(q.DumpState, commands...)
	q.mu.Unlock()
	if err == nil {
		q.notify()
	}
	return err
}

func (q *MemQDB) AbortTabletTransition(_ context.Context, tableID string, tabletID uint64, taskID string) error {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Uint64("tablet", tabletID).
		Str("task", taskID).
		Msg("memqdb: abort tablet transition")

	return q.modifyTransition(tableID, tabletID, func(t *TabletTransition) (bool, error) {
		return markAborted(t, taskID, time.Now())
	})
}

func (q *MemQDB) RemoveTabletTransition(_ context.Context, tableID string, tabletID uint64) error {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Uint64("tablet", tabletID).
		Msg("memqdb: remove tablet transition")

	q.mu.Lock()
	key := transitionKey(tableID, tabletID)
	if _, ok := q.Transitions[key]; !ok {
		q.mu.Unlock()
		return errTransitionNotFound(tableID, tabletID)
	}
	err := ExecuteCommands(q.DumpState, NewDeleteCommand(q.Transitions, key))
	q.mu.Unlock()
	if err == nil {
		q.notify()
	}
	return err
}

func (q *MemQDB) ListTablesWithTransitions(_ context.Context) ([]string, error) {
	spqrlog.Zero.Debug().Msg("memqdb: list tables with transitions")
	q.mu.RLock()
	defer q.mu.RUnlock()

	seen := map[string]struct{}{}
	ret := []string{}
	for _, t := range q.Transitions {
		if _, ok := seen[t.TableID]; ok {
			continue
		}
		seen[t.TableID] = struct{}{}
		ret = append(ret, t.TableID)
	}
	sort.Strings(ret)
	return ret, nil
}

func (q *MemQDB) ListTabletTransitions(_ context.Context, tableID string) ([]*TabletTransition, error) {
	spqrlog.Zero.Debug().Str("table", tableID).Msg("memqdb: list tablet transitions")
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := []*TabletTransition{}
	for _, t := range q.Transitions {
		if t.TableID == tableID {
			ret = append(ret, t.Clone())
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].TabletID < ret[j].TabletID
	})
	return ret, nil
}

func (q *MemQDB) GetTabletTransition(_ context.Context, tableID string, tabletID uint64) (*TabletTransition, error) {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Uint64("tablet", tabletID).
		Msg("memqdb: get tablet transition")
	q.mu.RLock()
	defer q.mu.RUnlock()

	t, ok := q.Transitions[transitionKey(tableID, tabletID)]
	if !ok {
		return nil, errTransitionNotFound(tableID, tabletID)
	}
	return t.Clone(), nil
}

func (q *MemQDB) WatchTabletTransitions(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	q.watchMu.Lock()
	id := q.watchID
	q.watchID++
	q.watchers[id] = ch
	q.watchMu.Unlock()

	spqrlog.Zero.Debug().Uint64("watcher", id).Msg("memqdb: watch tablet transitions")

	go func() {
		<-ctx.Done()
		q.watchMu.Lock()
		delete(q.watchers, id)
		close(ch)
		q.watchMu.Unlock()
	}()
	return ch, nil
}
