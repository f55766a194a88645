package qdb_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/qdb"
)

var mockTable = &qdb.Table{
	ID:          "5b1c0f4e",
	Keyspace:    "ks",
	Name:        "events",
	TabletCount: 8,
}

func mockMigration(tablet uint64) *qdb.TabletTransition {
	return &qdb.TabletTransition{
		TaskID:      "3f6c2a7e-7a57-4a9a-8c8c-6b2a4c0e1d11",
		TableID:     mockTable.ID,
		TabletID:    tablet,
		Kind:        qdb.TransitionMigration,
		Source:      &qdb.TabletReplica{Host: "host1", Shard: 0},
		Destination: &qdb.TabletReplica{Host: "host2", Shard: 1},
	}
}

// must run with -race
func TestMemqdbRacing(t *testing.T) {
	assert := assert.New(t)

	memqdb, err := qdb.RestoreQDB(filepath.Join(t.TempDir(), "memqdb.json"))
	assert.NoError(err)

	var wg sync.WaitGroup
	ctx := context.TODO()

	methods := []func(){
		func() { _ = memqdb.CreateTable(ctx, mockTable) },
		func() { _ = memqdb.RecordTabletTransition(ctx, mockMigration(1)) },
		func() { _ = memqdb.RecordTabletTransition(ctx, mockMigration(2)) },
		func() { _ = memqdb.UpdateTabletTransitionStage(ctx, mockTable.ID, 1, qdb.StageStreaming) },
		func() { _ = memqdb.MarkTabletTransitionFailed(ctx, mockTable.ID, 2, "stream broken") },
		func() { _ = memqdb.AbortTabletTransition(ctx, mockTable.ID, 1, mockMigration(1).TaskID) },
		func() { _ = memqdb.RemoveTabletTransition(ctx, mockTable.ID, 2) },
		func() { _, _ = memqdb.GetTable(ctx, mockTable.ID) },
		func() { _, _ = memqdb.ListTables(ctx) },
		func() { _, _ = memqdb.ListTablesWithTransitions(ctx) },
		func() { _, _ = memqdb.ListTabletTransitions(ctx, mockTable.ID) },
		func() { _, _ = memqdb.GetTabletTransition(ctx, mockTable.ID, 1) },
		func() { _ = memqdb.DropTable(ctx, mockTable.ID) },
	}
	for i := 0; i < 10; i++ {
		for _, m := range methods {
			wg.Add(1)
			go func(m func()) {
				defer wg.Done()
				m()
			}(m)
		}
	}
	wg.Wait()
}

func TestMemQDBRecordTransition(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	memqdb, err := qdb.NewMemQDB("")
	require.NoError(t, err)

	first := mockMigration(1)
	assert.NoError(memqdb.RecordTabletTransition(ctx, first))
	assert.Equal(qdb.StageAllowWriteBothReadOld, first.Stage)
	assert.False(first.StartTime.IsZero())

	second := mockMigration(2)
	assert.NoError(memqdb.RecordTabletTransition(ctx, second))
	assert.Greater(second.SequenceNumber, first.SequenceNumber)

	err = memqdb.RecordTabletTransition(ctx, mockMigration(1))
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_INVALID_REQUEST))

	bad := mockMigration(3)
	bad.Stage = qdb.StageRepair
	err = memqdb.RecordTabletTransition(ctx, bad)
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_INVALID_REQUEST))

	tables, err := memqdb.ListTablesWithTransitions(ctx)
	assert.NoError(err)
	assert.Equal([]string{mockTable.ID}, tables)

	trs, err := memqdb.ListTabletTransitions(ctx, mockTable.ID)
	assert.NoError(err)
	assert.Len(trs, 2)
	assert.Equal(uint64(1), trs[0].TabletID)
	assert.Equal(uint64(2), trs[1].TabletID)

	_, err = memqdb.GetTabletTransition(ctx, mockTable.ID, 42)
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TRANSITION_NOT_FOUND))
}

func TestMemQDBReturnsCopies(t *testing.T) {
	ctx := context.Background()
	memqdb, err := qdb.NewMemQDB("")
	require.NoError(t, err)
	require.NoError(t, memqdb.RecordTabletTransition(ctx, mockMigration(1)))

	tr, err := memqdb.GetTabletTransition(ctx, mockTable.ID, 1)
	require.NoError(t, err)
	tr.Stage = qdb.StageEndMigration
	tr.Source.Host = "elsewhere"

	again, err := memqdb.GetTabletTransition(ctx, mockTable.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, qdb.StageAllowWriteBothReadOld, again.Stage)
	assert.Equal(t, "host1", again.Source.Host)
}

func TestMemQDBStageOnlyMovesForward(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	memqdb, err := qdb.NewMemQDB("")
	require.NoError(t, err)
	require.NoError(t, memqdb.RecordTabletTransition(ctx, mockMigration(1)))

	assert.NoError(memqdb.UpdateTabletTransitionStage(ctx, mockTable.ID, 1, qdb.StageStreaming))
	err = memqdb.UpdateTabletTransitionStage(ctx, mockTable.ID, 1, qdb.StageWriteBothReadOld)
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_INVALID_REQUEST))

	err = memqdb.UpdateTabletTransitionStage(ctx, mockTable.ID, 7, qdb.StageStreaming)
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TRANSITION_NOT_FOUND))
}

func TestMemQDBAbortTransition(t *testing.T) {
	ctx := context.Background()
	taskID := mockMigration(0).TaskID

	for _, tt := range []struct {
		name    string
		stage   qdb.TransitionStage
		failed  bool
		taskID  string
		errCode string
		outcome qdb.TransitionOutcome
		result  qdb.TransitionStage
	}{
		{
			name:    "created",
			stage:   qdb.StageAllowWriteBothReadOld,
			taskID:  taskID,
			outcome: qdb.OutcomeAborted,
			result:  qdb.StageRevertMigration,
		},
		{
			name:    "streaming",
			stage:   qdb.StageStreaming,
			taskID:  taskID,
			outcome: qdb.OutcomeAborted,
			result:  qdb.StageRevertMigration,
		},
		{
			name:    "committed",
			stage:   qdb.StageUseNew,
			taskID:  taskID,
			errCode: spqrerror.SPQR_TRANSITION_COMMITTED,
			outcome: qdb.OutcomeNone,
			result:  qdb.StageUseNew,
		},
		{
			name:    "already failed",
			stage:   qdb.StageStreaming,
			failed:  true,
			taskID:  taskID,
			outcome: qdb.OutcomeFailed,
			result:  qdb.StageRevertMigration,
		},
		{
			name:    "foreign task",
			stage:   qdb.StageStreaming,
			taskID:  "00000000-0000-0000-0000-000000000000",
			errCode: spqrerror.SPQR_TRANSITION_NOT_FOUND,
			outcome: qdb.OutcomeNone,
			result:  qdb.StageStreaming,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			memqdb, err := qdb.NewMemQDB("")
			require.NoError(t, err)
			require.NoError(t, memqdb.RecordTabletTransition(ctx, mockMigration(1)))
			require.NoError(t, memqdb.UpdateTabletTransitionStage(ctx, mockTable.ID, 1, tt.stage))
			if tt.failed {
				require.NoError(t, memqdb.MarkTabletTransitionFailed(ctx, mockTable.ID, 1, "boom"))
			}

			err = memqdb.AbortTabletTransition(ctx, mockTable.ID, 1, tt.taskID)
			if tt.errCode == "" {
				assert.NoError(t, err)
			} else {
				assert.True(t, spqrerror.IsCode(err, tt.errCode), "unexpected error %v", err)
			}

			tr, err := memqdb.GetTabletTransition(ctx, mockTable.ID, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, tr.Outcome)
			assert.Equal(t, tt.result, tr.Stage)
		})
	}
}

func TestMemQDBWatch(t *testing.T) {
	memqdb, err := qdb.NewMemQDB("")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := memqdb.WatchTabletTransitions(ctx)
	require.NoError(t, err)

	require.NoError(t, memqdb.RecordTabletTransition(context.Background(), mockMigration(1)))
	require.NoError(t, memqdb.RemoveTabletTransition(context.Background(), mockTable.ID, 1))

	select {
	case _, ok := <-ch:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestMemQDBDropTableRemovesTransitions(t *testing.T) {
	ctx := context.Background()
	memqdb, err := qdb.NewMemQDB("")
	require.NoError(t, err)

	require.NoError(t, memqdb.CreateTable(ctx, mockTable))
	require.NoError(t, memqdb.RecordTabletTransition(ctx, mockMigration(1)))
	require.NoError(t, memqdb.DropTable(ctx, mockTable.ID))

	tables, err := memqdb.ListTablesWithTransitions(ctx)
	assert.NoError(t, err)
	assert.Empty(t, tables)

	_, err = memqdb.GetTable(ctx, mockTable.ID)
	assert.Error(t, err)
}

func TestMemQDBDropTableRollsBackOnBackupFailure(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.Mkdir(dir, 0755))

	memqdb, err := qdb.NewMemQDB(filepath.Join(dir, "memqdb.json"))
	require.NoError(t, err)
	require.NoError(t, memqdb.CreateTable(ctx, mockTable))
	require.NoError(t, memqdb.RecordTabletTransition(ctx, mockMigration(1)))
	require.NoError(t, memqdb.RecordTabletTransition(ctx, mockMigration(2)))

	require.NoError(t, os.RemoveAll(dir))
	assert.Error(t, memqdb.DropTable(ctx, mockTable.ID))

	_, err = memqdb.GetTable(ctx, mockTable.ID)
	assert.NoError(t, err)
	transitions, err := memqdb.ListTabletTransitions(ctx, mockTable.ID)
	assert.NoError(t, err)
	assert.Len(t, transitions, 2)
}

func TestMemQDBRepairFailureSpansTask(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	memqdb, err := qdb.NewMemQDB("")
	require.NoError(t, err)

	repair := func(task string, tablet uint64) *qdb.TabletTransition {
		return &qdb.TabletTransition{TaskID: task, TableID: mockTable.ID, TabletID: tablet, Kind: qdb.TransitionRepair}
	}
	require.NoError(t, memqdb.RecordTabletTransition(ctx, repair("task-a", 0)))
	require.NoError(t, memqdb.RecordTabletTransition(ctx, repair("task-a", 1)))
	require.NoError(t, memqdb.RecordTabletTransition(ctx, repair("task-b", 2)))

	require.NoError(t, memqdb.MarkTabletTransitionFailed(ctx, mockTable.ID, 1, "replica down"))
	require.NoError(t, memqdb.RemoveTabletTransition(ctx, mockTable.ID, 1))

	tr, err := memqdb.GetTabletTransition(ctx, mockTable.ID, 0)
	require.NoError(t, err)
	assert.Equal(qdb.OutcomeFailed, tr.Outcome)
	assert.Equal("replica down", tr.Error)

	other, err := memqdb.GetTabletTransition(ctx, mockTable.ID, 2)
	require.NoError(t, err)
	assert.Equal(qdb.OutcomeNone, other.Outcome)

	err = memqdb.MarkTabletTransitionFailed(ctx, mockTable.ID, 7, "gone")
	assert.True(spqrerror.IsCode(err, spqrerror.SPQR_TRANSITION_NOT_FOUND))
}

func TestMemQDBBackupRestore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memqdb.json")

	memqdb, err := qdb.RestoreQDB(path)
	require.NoError(t, err)
	require.NoError(t, memqdb.CreateTable(ctx, mockTable))
	tr := mockMigration(3)
	require.NoError(t, memqdb.RecordTabletTransition(ctx, tr))

	restored, err := qdb.RestoreQDB(path)
	require.NoError(t, err)

	table, err := restored.GetTable(ctx, mockTable.ID)
	require.NoError(t, err)
	assert.Equal(t, mockTable, table)

	got, err := restored.GetTabletTransition(ctx, mockTable.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, tr.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, "host2", got.Destination.Host)

	next := mockMigration(4)
	require.NoError(t, restored.RecordTabletTransition(ctx, next))
	assert.Greater(t, next.SequenceNumber, tr.SequenceNumber)
}
