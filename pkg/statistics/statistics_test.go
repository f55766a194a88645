package statistics_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/pkg/statistics"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()

	require.NoError(t, statistics.Register(reg))
	require.NoError(t, statistics.Register(reg))
}

func TestRecordTaskOperationResults(t *testing.T) {
	group := "test-results"

	statistics.RecordTaskOperation(group, "abort", nil)
	statistics.RecordTaskOperation(group, "abort", spqrerror.NewByCode(spqrerror.SPQR_TASK_NOT_FOUND))
	statistics.RecordTaskOperation(group, "abort", spqrerror.NewByCode(spqrerror.SPQR_TASK_NOT_ABORTABLE))
	statistics.RecordTaskOperation(group, "wait", context.Canceled)
	statistics.RecordTaskOperation(group, "wait", assert.AnError)

	counter := func(op, result string) float64 {
		return testutil.ToFloat64(statistics.TaskOperations.WithLabelValues(group, op, result))
	}

	assert.Equal(t, 1.0, counter("abort", statistics.ResultOK))
	assert.Equal(t, 1.0, counter("abort", statistics.ResultNotFound))
	assert.Equal(t, 1.0, counter("abort", statistics.ResultNotAbortable))
	assert.Equal(t, 1.0, counter("wait", statistics.ResultCanceled))
	assert.Equal(t, 1.0, counter("wait", statistics.ResultError))
}

func TestRecordStatsOmission(t *testing.T) {
	before := testutil.ToFloat64(statistics.StatsOmissions.WithLabelValues("test-omissions"))
	statistics.RecordStatsOmission("test-omissions")
	statistics.RecordWait("test-omissions", 10*time.Millisecond)
	statistics.RecordQDBOperation("ListTabletTransitions", time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(statistics.StatsOmissions.WithLabelValues("test-omissions")))
}
