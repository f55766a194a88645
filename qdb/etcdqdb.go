package qdb

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	retry "github.com/sethvargo/go-retry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/pkg/spqrlog"
	"github.com/pg-sharding/taskmgr/pkg/statistics"
)

//go:generate mockgen -destination=mock/etcd.go -package=mock go.etcd.io/etcd/client/v3 KV,Txn,Watcher

type EtcdQDB struct {
	cli     *clientv3.Client
	kv      clientv3.KV
	watcher clientv3.Watcher
}

var _ TabletQDB = &EtcdQDB{}

func NewEtcdQDB(addr string, dialTimeout time.Duration) (*EtcdQDB, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{addr},
		DialTimeout: dialTimeout,
		DialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	if err != nil {
		return nil, err
	}

	spqrlog.Zero.Debug().
		Str("address", addr).
		Uint("client", spqrlog.GetPointer(cli)).
		Msg("etcdqdb: NewEtcdQDB")

	db := NewEtcdQDBWithClient(cli, cli)
	db.cli = cli
	return db, nil
}

// NewEtcdQDBWithClient builds the store on an already connected kv and
// watcher. Close is a no-op for such a store, the caller owns the client.
func NewEtcdQDBWithClient(kv clientv3.KV, watcher clientv3.Watcher) *EtcdQDB {
	return &EtcdQDB{
		kv:      kv,
		watcher: watcher,
	}
}

const (
	tablesNamespace            = "/tables/"
	tabletTransitionsNamespace = "/tablet_transitions/"

	casMaxRetries = 7
	casRetryBase  = 50 * time.Millisecond
)

func tableNodePath(tableID string) string {
	return path.Join(tablesNamespace, tableID)
}

func tableTransitionsPath(tableID string) string {
	return tabletTransitionsNamespace + tableID + "/"
}

func transitionNodePath(tableID string, tabletID uint64) string {
	return path.Join(tabletTransitionsNamespace, transitionKey(tableID, tabletID))
}

// parseTransitionNodePath splits a transition key back into its table and
// tablet ids.
func parseTransitionNodePath(key string) (string, uint64, error) {
	rest, ok := strings.CutPrefix(key, tabletTransitionsNamespace)
	if !ok {
		return "", 0, fmt.Errorf("key %s is outside of %s", key, tabletTransitionsNamespace)
	}
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 {
		return "", 0, fmt.Errorf("malformed transition key %s", key)
	}
	tabletID, err := strconv.ParseUint(rest[idx+1:], 10, 64)
	if err != nil {
		return "", 0, errors.Wrapf(err, "malformed transition key %s", key)
	}
	return rest[:idx], tabletID, nil
}

func (q *EtcdQDB) Client() *clientv3.Client {
	return q.cli
}

func (q *EtcdQDB) Close() error {
	if q.cli == nil {
		return nil
	}
	return q.cli.Close()
}

// ==============================================================================
//                                   TABLES
// ==============================================================================

func (q *EtcdQDB) CreateTable(ctx context.Context, table *Table) error {
	spqrlog.Zero.Debug().
		Interface("table", table).
		Msg("etcdqdb: create table")

	if table.ID == "" || strings.Contains(table.ID, "/") {
		return spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "invalid table id \"%s\"", table.ID)
	}

	t := time.Now()

	rawTable, err := json.Marshal(table)
	if err != nil {
		return err
	}
	resp, err := q.kv.Put(ctx, tableNodePath(table.ID), string(rawTable))
	if err != nil {
		return err
	}

	spqrlog.Zero.Debug().
		Interface("response", resp).
		Msg("etcdqdb: put table to qdb")
	statistics.RecordQDBOperation("CreateTable", time.Since(t))
	return nil
}

func (q *EtcdQDB) GetTable(ctx context.Context, tableID string) (*Table, error) {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Msg("etcdqdb: get table")

	t := time.Now()

	resp, err := q.kv.Get(ctx, tableNodePath(tableID))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "table %s does not exist", tableID)
	}

	var table Table
	if err := json.Unmarshal(resp.Kvs[0].Value, &table); err != nil {
		return nil, spqrerror.Newf(spqrerror.SPQR_METADATA_CORRUPTION, "table %s: %w", tableID, err)
	}

	statistics.RecordQDBOperation("GetTable", time.Since(t))
	return &table, nil
}

func (q *EtcdQDB) ListTables(ctx context.Context) ([]*Table, error) {
	spqrlog.Zero.Debug().Msg("etcdqdb: list tables")

	t := time.Now()

	resp, err := q.kv.Get(ctx, tablesNamespace, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	tables := make([]*Table, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var table Table
		if err := json.Unmarshal(kv.Value, &table); err != nil {
			return nil, spqrerror.Newf(spqrerror.SPQR_METADATA_CORRUPTION, "%s: %w", kv.Key, err)
		}
		tables = append(tables, &table)
	}
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].ID < tables[j].ID
	})

	statistics.RecordQDBOperation("ListTables", time.Since(t))
	return tables, nil
}

func (q *EtcdQDB) DropTable(ctx context.Context, tableID string) error {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Msg("etcdqdb: drop table")

	t := time.Now()

	resp, err := q.kv.Txn(ctx).Then(
		clientv3.OpDelete(tableNodePath(tableID)),
		clientv3.OpDelete(tableTransitionsPath(tableID), clientv3.WithPrefix()),
	).Commit()
	if err != nil {
		return err
	}

	spqrlog.Zero.Debug().
		Interface("response", resp).
		Msg("etcdqdb: drop table")
	statistics.RecordQDBOperation("DropTable", time.Since(t))
	return nil
}

// ==============================================================================
//                               TABLET TRANSITIONS
// ==============================================================================

func decodeTransition(kv []byte, createRevision int64) (*TabletTransition, error) {
	var tr TabletTransition
	if err := json.Unmarshal(kv, &tr); err != nil {
		return nil, spqrerror.Newf(spqrerror.SPQR_METADATA_CORRUPTION, "tablet transition: %w", err)
	}
	if tr.SequenceNumber == 0 {
		tr.SequenceNumber = uint64(createRevision)
	}
	return &tr, nil
}

func (q *EtcdQDB) RecordTabletTransition(ctx context.Context, transition *TabletTransition) error {
	spqrlog.Zero.Debug().
		Interface("transition", transition).
		Msg("etcdqdb: record tablet transition")

	t := time.Now()

	tr := transition.Clone()
	if err := prepareTransition(tr, t); err != nil {
		return err
	}
	// The sequence number is the create revision of the key.
	tr.SequenceNumber = 0
	raw, err := json.Marshal(tr)
	if err != nil {
		return err
	}

	key := transitionNodePath(tr.TableID, tr.TabletID)
	resp, err := q.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(raw))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return spqrerror.Newf(spqrerror.SPQR_INVALID_REQUEST, "tablet %d of table %s already has a transition", tr.TabletID, tr.TableID)
	}

	transition.SequenceNumber = uint64(resp.Header.Revision)
	transition.StartTime = tr.StartTime
	transition.Stage = tr.Stage

	statistics.RecordQDBOperation("RecordTabletTransition", time.Since(t))
	return nil
}

// modifyTransition runs a read-modify-write cycle guarded by the key's mod
// revision, retrying when a concurrent writer got there first.
func (q *EtcdQDB) modifyTransition(ctx context.Context, tableID string, tabletID uint64, f func(t *TabletTransition) (bool, error)) error {
	key := transitionNodePath(tableID, tabletID)

	return retry.Do(ctx, casBackoff(), func(ctx context.Context) error {
		resp, err := q.kv.Get(ctx, key)
		if err != nil {
			return retry.RetryableError(err)
		}
		if len(resp.Kvs) == 0 {
			return errTransitionNotFound(tableID, tabletID)
		}
		kv := resp.Kvs[0]
		tr, err := decodeTransition(kv.Value, kv.CreateRevision)
		if err != nil {
			return err
		}
		changed, err := f(tr)
		if err != nil || !changed {
			return err
		}
		raw, err := json.Marshal(tr)
		if err != nil {
			return err
		}

		return q.commitCAS(ctx, key,
			[]clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)},
			[]clientv3.Op{clientv3.OpPut(key, string(raw))})
	})
}

// commitCAS applies ops when every comparison still holds. A lost race is
// returned as retryable.
func (q *EtcdQDB) commitCAS(ctx context.Context, key string, cmps []clientv3.Cmp, ops []clientv3.Op) error {
	txn, err := q.kv.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return retry.RetryableError(err)
	}
	if !txn.Succeeded {
		spqrlog.Zero.Debug().
			Str("key", key).
			Msg("etcdqdb: concurrent transition update, retrying")
		return retry.RetryableError(fmt.Errorf("transition %s changed concurrently", key))
	}
	return nil
}

func casBackoff() retry.Backoff {
	return retry.WithMaxRetries(casMaxRetries, retry.NewFibonacci(casRetryBase))
}

func (q *EtcdQDB) UpdateTabletTransitionStage(ctx context.Context, tableID string, tabletID uint64, stage TransitionStage) error {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Uint64("tablet", tabletID).
		Str("stage", string(stage)).
		Msg("etcdqdb: update tablet transition stage")

	t := time.Now()
	err := q.modifyTransition(ctx, tableID, tabletID, func(tr *TabletTransition) (bool, error) {
		return true, advanceStage(tr, stage)
	})
	statistics.RecordQDBOperation("UpdateTabletTransitionStage", time.Since(t))
	return err
}

func (q *EtcdQDB) MarkTabletTransitionFailed(ctx context.Context, tableID string, tabletID uint64, reason string) error {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Uint64("tablet", tabletID).
		Str("reason", reason).
		Msg("etcdqdb: mark tablet transition failed")

	t := time.Now()
	prefix := tableTransitionsPath(tableID)
	err := retry.Do(ctx, casBackoff(), func(ctx context.Context) error {
		resp, err := q.kv.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			return retry.RetryableError(err)
		}
		trs := make([]*TabletTransition, 0, len(resp.Kvs))
		revisions := make(map[uint64]int64, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			tr, err := decodeTransition(kv.Value, kv.CreateRevision)
			if err != nil {
				return err
			}
			trs = append(trs, tr)
			revisions[tr.TabletID] = kv.ModRevision
		}

		changed, err := markTaskFailed(trs, tableID, tabletID, reason, time.Now())
		if err != nil || len(changed) == 0 {
			return err
		}
		cmps := make([]clientv3.Cmp, 0, len(changed))
		ops := make([]clientv3.Op, 0, len(changed))
		for _, tr := range changed {
			raw, err := json.Marshal(tr)
			if err != nil {
				return err
			}
			key := transitionNodePath(tableID, tr.TabletID)
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(key), "=", revisions[tr.TabletID]))
			ops = append(ops, clientv3.OpPut(key, string(raw)))
		}
		return q.commitCAS(ctx, transitionNodePath(tableID, tabletID), cmps, ops)
	})
	statistics.RecordQDBOperation("MarkTabletTransitionFailed", time.Since(t))
	return err
}

func (q *EtcdQDB) AbortTabletTransition(ctx context.Context, tableID string, tabletID uint64, taskID string) error {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Uint64("tablet", tabletID).
		Str("task", taskID).
		Msg("etcdqdb: abort tablet transition")

	t := time.Now()
	err := q.modifyTransition(ctx, tableID, tabletID, func(tr *TabletTransition) (bool, error) {
		return markAborted(tr, taskID, time.Now())
	})
	statistics.RecordQDBOperation("AbortTabletTransition", time.Since(t))
	return err
}

func (q *EtcdQDB) RemoveTabletTransition(ctx context.Context, tableID string, tabletID uint64) error {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Uint64("tablet", tabletID).
		Msg("etcdqdb: remove tablet transition")

	t := time.Now()

	resp, err := q.kv.Delete(ctx, transitionNodePath(tableID, tabletID))
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return errTransitionNotFound(tableID, tabletID)
	}

	statistics.RecordQDBOperation("RemoveTabletTransition", time.Since(t))
	return nil
}

func (q *EtcdQDB) ListTablesWithTransitions(ctx context.Context) ([]string, error) {
	spqrlog.Zero.Debug().Msg("etcdqdb: list tables with transitions")

	t := time.Now()

	resp, err := q.kv.Get(ctx, tabletTransitionsNamespace, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	tables := []string{}
	for _, kv := range resp.Kvs {
		tableID, _, err := parseTransitionNodePath(string(kv.Key))
		if err != nil {
			spqrlog.Zero.Warn().Err(err).Msg("etcdqdb: skip foreign key in transitions namespace")
			continue
		}
		if _, ok := seen[tableID]; ok {
			continue
		}
		seen[tableID] = struct{}{}
		tables = append(tables, tableID)
	}
	sort.Strings(tables)

	statistics.RecordQDBOperation("ListTablesWithTransitions", time.Since(t))
	return tables, nil
}

func (q *EtcdQDB) ListTabletTransitions(ctx context.Context, tableID string) ([]*TabletTransition, error) {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Msg("etcdqdb: list tablet transitions")

	t := time.Now()

	resp, err := q.kv.Get(ctx, tableTransitionsPath(tableID), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	transitions := make([]*TabletTransition, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		tr, err := decodeTransition(kv.Value, kv.CreateRevision)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, tr)
	}
	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].TabletID < transitions[j].TabletID
	})

	statistics.RecordQDBOperation("ListTabletTransitions", time.Since(t))
	return transitions, nil
}

func (q *EtcdQDB) GetTabletTransition(ctx context.Context, tableID string, tabletID uint64) (*TabletTransition, error) {
	spqrlog.Zero.Debug().
		Str("table", tableID).
		Uint64("tablet", tabletID).
		Msg("etcdqdb: get tablet transition")

	t := time.Now()

	resp, err := q.kv.Get(ctx, transitionNodePath(tableID, tabletID))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, errTransitionNotFound(tableID, tabletID)
	}

	tr, err := decodeTransition(resp.Kvs[0].Value, resp.Kvs[0].CreateRevision)
	statistics.RecordQDBOperation("GetTabletTransition", time.Since(t))
	return tr, err
}

func (q *EtcdQDB) WatchTabletTransitions(ctx context.Context) (<-chan struct{}, error) {
	spqrlog.Zero.Debug().Msg("etcdqdb: watch tablet transitions")

	wch := q.watcher.Watch(clientv3.WithRequireLeader(ctx), tabletTransitionsNamespace, clientv3.WithPrefix())
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				spqrlog.Zero.Warn().Err(err).Msg("etcdqdb: transition watch failed")
				return
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, nil
}
