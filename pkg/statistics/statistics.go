package statistics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
)

const Namespace = "spqr_taskmgr"

const (
	LabelOperation = "operation"
	LabelGroup     = "group"
	LabelResult    = "result"
	LabelState     = "state"
)

const (
	ResultOK           = "ok"
	ResultNotFound     = "not_found"
	ResultNotAbortable = "not_abortable"
	ResultCanceled     = "canceled"
	ResultError        = "error"
)

var QDBOperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "qdb_operation_duration_seconds",
		Help:      "Latency of metadata store operations",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	},
	[]string{LabelOperation},
)

var TaskOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "task_operations_total",
		Help:      "Task protocol operations routed by the task manager",
	},
	[]string{LabelGroup, LabelOperation, LabelResult},
)

var WaitDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "task_wait_duration_seconds",
		Help:      "Time spent blocked in wait until a task became terminal",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
	},
	[]string{LabelGroup},
)

var StatsOmissions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "stats_omissions_total",
		Help:      "Units skipped during stats enumeration because their metadata could not be read",
	},
	[]string{LabelGroup},
)

var LocalTasks = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "local_tasks",
		Help:      "Node-local concrete tasks by state",
	},
	[]string{LabelGroup, LabelState},
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		QDBOperationDuration,
		TaskOperations,
		WaitDuration,
		StatsOmissions,
		LocalTasks,
	}
}

// Register exposes the collectors through reg. Registering twice into the
// same registry is not an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func RecordQDBOperation(operation string, duration time.Duration) {
	QDBOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordTaskOperation(group string, operation string, err error) {
	TaskOperations.WithLabelValues(group, operation, resultOf(err)).Inc()
}

func RecordWait(group string, duration time.Duration) {
	WaitDuration.WithLabelValues(group).Observe(duration.Seconds())
}

func RecordStatsOmission(group string) {
	StatsOmissions.WithLabelValues(group).Inc()
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCanceled
	case spqrerror.IsCode(err, spqrerror.SPQR_TASK_NOT_FOUND):
		return ResultNotFound
	case spqrerror.IsCode(err, spqrerror.SPQR_TASK_NOT_ABORTABLE):
		return ResultNotAbortable
	default:
		return ResultError
	}
}
