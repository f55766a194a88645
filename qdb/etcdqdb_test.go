package qdb_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/mock/gomock"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/qdb"
	"github.com/pg-sharding/taskmgr/qdb/mock"
)

func transitionKV(t *testing.T, tr *qdb.TabletTransition, modRevision int64) *mvccpb.KeyValue {
	raw, err := json.Marshal(tr)
	require.NoError(t, err)
	return &mvccpb.KeyValue{
		Key:            []byte(fmt.Sprintf("/tablet_transitions/%s/%020d", tr.TableID, tr.TabletID)),
		Value:          raw,
		CreateRevision: 1,
		ModRevision:    modRevision,
	}
}

func migrationAt(stage qdb.TransitionStage, tablet uint64) *qdb.TabletTransition {
	tr := mockMigration(tablet)
	tr.Stage = stage
	tr.StartTime = time.Now()
	return tr
}

func TestEtcdQDBStageUpdateRetriesLostRace(t *testing.T) {
	ctrl := gomock.NewController(t)
	kv := mock.NewMockKV(ctrl)
	txn := mock.NewMockTxn(ctrl)
	db := qdb.NewEtcdQDBWithClient(kv, mock.NewMockWatcher(ctrl))

	key := fmt.Sprintf("/tablet_transitions/%s/%020d", mockTable.ID, 1)
	first := &clientv3.GetResponse{Kvs: []*mvccpb.KeyValue{transitionKV(t, migrationAt(qdb.StageWriteBothReadOld, 1), 5)}}
	second := &clientv3.GetResponse{Kvs: []*mvccpb.KeyValue{transitionKV(t, migrationAt(qdb.StageWriteBothReadOld, 1), 6)}}

	txn.EXPECT().If(gomock.Any()).Return(txn).Times(2)
	txn.EXPECT().Then(gomock.Any()).Return(txn).Times(2)
	gomock.InOrder(
		kv.EXPECT().Get(gomock.Any(), key).Return(first, nil),
		kv.EXPECT().Txn(gomock.Any()).Return(txn),
		txn.EXPECT().Commit().Return(&clientv3.TxnResponse{Succeeded: false}, nil),
		kv.EXPECT().Get(gomock.Any(), key).Return(second, nil),
		kv.EXPECT().Txn(gomock.Any()).Return(txn),
		txn.EXPECT().Commit().Return(&clientv3.TxnResponse{Succeeded: true}, nil),
	)

	assert.NoError(t, db.UpdateTabletTransitionStage(context.Background(), mockTable.ID, 1, qdb.StageStreaming))
}

func TestEtcdQDBAbortRefusedPastCommit(t *testing.T) {
	ctrl := gomock.NewController(t)
	kv := mock.NewMockKV(ctrl)
	db := qdb.NewEtcdQDBWithClient(kv, mock.NewMockWatcher(ctrl))

	tr := migrationAt(qdb.StageUseNew, 1)
	key := fmt.Sprintf("/tablet_transitions/%s/%020d", mockTable.ID, 1)
	kv.EXPECT().Get(gomock.Any(), key).
		Return(&clientv3.GetResponse{Kvs: []*mvccpb.KeyValue{transitionKV(t, tr, 3)}}, nil)

	err := db.AbortTabletTransition(context.Background(), mockTable.ID, 1, tr.TaskID)
	assert.True(t, spqrerror.IsCode(err, spqrerror.SPQR_TRANSITION_COMMITTED))
}

func TestEtcdQDBAbortTerminalIsNoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	kv := mock.NewMockKV(ctrl)
	db := qdb.NewEtcdQDBWithClient(kv, mock.NewMockWatcher(ctrl))

	tr := migrationAt(qdb.StageRevertMigration, 1)
	tr.Outcome = qdb.OutcomeAborted
	key := fmt.Sprintf("/tablet_transitions/%s/%020d", mockTable.ID, 1)
	kv.EXPECT().Get(gomock.Any(), key).
		Return(&clientv3.GetResponse{Kvs: []*mvccpb.KeyValue{transitionKV(t, tr, 3)}}, nil)

	assert.NoError(t, db.AbortTabletTransition(context.Background(), mockTable.ID, 1, tr.TaskID))
}

func TestEtcdQDBRepairFailureSpansTask(t *testing.T) {
	ctrl := gomock.NewController(t)
	kv := mock.NewMockKV(ctrl)
	txn := mock.NewMockTxn(ctrl)
	db := qdb.NewEtcdQDBWithClient(kv, mock.NewMockWatcher(ctrl))

	repair := func(task string, tablet uint64) *qdb.TabletTransition {
		return &qdb.TabletTransition{
			TaskID:    task,
			TableID:   mockTable.ID,
			TabletID:  tablet,
			Kind:      qdb.TransitionRepair,
			Stage:     qdb.StageRepair,
			StartTime: time.Now(),
		}
	}
	resp := &clientv3.GetResponse{Kvs: []*mvccpb.KeyValue{
		transitionKV(t, repair("task-a", 0), 4),
		transitionKV(t, repair("task-a", 1), 5),
		transitionKV(t, repair("task-b", 2), 6),
	}}

	kv.EXPECT().Get(gomock.Any(), "/tablet_transitions/"+mockTable.ID+"/", gomock.Any()).Return(resp, nil)
	kv.EXPECT().Txn(gomock.Any()).Return(txn)
	txn.EXPECT().If(gomock.Any(), gomock.Any()).Return(txn)
	txn.EXPECT().Then(gomock.Any(), gomock.Any()).Return(txn)
	txn.EXPECT().Commit().Return(&clientv3.TxnResponse{Succeeded: true}, nil)

	assert.NoError(t, db.MarkTabletTransitionFailed(context.Background(), mockTable.ID, 1, "replica down"))
}

func TestEtcdQDBWatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	watcher := mock.NewMockWatcher(ctrl)
	db := qdb.NewEtcdQDBWithClient(mock.NewMockKV(ctrl), watcher)

	wch := make(chan clientv3.WatchResponse)
	watcher.EXPECT().Watch(gomock.Any(), "/tablet_transitions/", gomock.Any()).Return(clientv3.WatchChan(wch))

	ch, err := db.WatchTabletTransitions(context.Background())
	require.NoError(t, err)

	wch <- clientv3.WatchResponse{}
	select {
	case _, ok := <-ch:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("no signal after a transition change")
	}

	close(wch)
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestEtcdQDBWatchStopsOnCanceledStream(t *testing.T) {
	ctrl := gomock.NewController(t)
	watcher := mock.NewMockWatcher(ctrl)
	db := qdb.NewEtcdQDBWithClient(mock.NewMockKV(ctrl), watcher)

	wch := make(chan clientv3.WatchResponse, 1)
	watcher.EXPECT().Watch(gomock.Any(), "/tablet_transitions/", gomock.Any()).Return(clientv3.WatchChan(wch))

	ch, err := db.WatchTabletTransitions(context.Background())
	require.NoError(t, err)

	wch <- clientv3.WatchResponse{Canceled: true}
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}
