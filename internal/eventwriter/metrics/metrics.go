package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "eventwriter_"

type (
	DBOperation        string
	PulsarMessageError string
)

const (
	DBOperationPrepare  DBOperation = "prepare"
	DBOperationBegin    DBOperation = "begin"
	DBOperationInsert   DBOperation = "insert"
	DBOperationCommit   DBOperation = "commit"
	DBOperationRollback DBOperation = "rollback"
	DBOperationCount    DBOperation = "count"

	PulsarMessageErrorDeserialization PulsarMessageError = "deserialization"
	PulsarMessageErrorSubmission      PulsarMessageError = "submission"
	PulsarMessageErrorAck             PulsarMessageError = "ack"
)

const (
	transactionCommitted = "committed"
	transactionFailed    = "failed"
)

var recordsSubmittedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "records_submitted",
		Help: "Number of records accepted by the pipeline",
	},
)

var recordsStoredCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "records_stored",
		Help: "Number of records committed to storage",
	},
)

var recordsFailedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "records_failed",
		Help: "Number of records lost to failed transactions",
	},
)

var transactionsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "transactions",
		Help: "Number of storage transactions grouped by outcome",
	},
	[]string{"result"},
)

var transactionDurationHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    MetricsPrefix + "transaction_duration_seconds",
		Help:    "Time taken to prepare, write and commit one transaction group",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	},
	[]string{"result"},
)

var avRecordWriteTimeHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MetricsPrefix + "average_record_write_time",
		Help:    "Average time taken in milliseconds to store one record in a committed transaction",
		Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10},
	},
)

var queuePreparedGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricsPrefix + "queue_prepared_records",
		Help: "Records waiting in the queue for a writer",
	},
)

var queueStoringGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricsPrefix + "queue_storing_records",
		Help: "Records held by writers whose transactions are in flight",
	},
)

var queueErrorsGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricsPrefix + "queue_error_records",
		Help: "Records that failed since the pipeline started, as last sampled",
	},
)

var dbErrorsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "db_errors",
		Help: "Number of database errors grouped by database operation",
	},
	[]string{"operation"},
)

var pulsarMessageErrorCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "pulsar_message_errors",
		Help: "Number of Pulsar message errors grouped by error type",
	},
	[]string{"error"},
)

var pulsarConnectionErrorCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "pulsar_connection_errors",
		Help: "Number of Pulsar connection errors",
	},
)

type Metrics struct{}

var m = &Metrics{}

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordSubmitted(numRecords int) {
	recordsSubmittedCounter.Add(float64(numRecords))
}

func (m *Metrics) RecordTransactionCommitted(numRecords int, duration time.Duration) {
	transactionsCounter.With(map[string]string{"result": transactionCommitted}).Inc()
	transactionDurationHist.With(map[string]string{"result": transactionCommitted}).Observe(duration.Seconds())
	recordsStoredCounter.Add(float64(numRecords))
	if numRecords > 0 {
		avRecordWriteTimeHist.Observe(float64(duration.Microseconds()) / 1000 / float64(numRecords))
	}
}

func (m *Metrics) RecordTransactionFailed(numRecords int, duration time.Duration) {
	transactionsCounter.With(map[string]string{"result": transactionFailed}).Inc()
	transactionDurationHist.With(map[string]string{"result": transactionFailed}).Observe(duration.Seconds())
	recordsFailedCounter.Add(float64(numRecords))
}

func (m *Metrics) RecordQueueSample(prepared, storing, errors int64) {
	queuePreparedGauge.Set(float64(prepared))
	queueStoringGauge.Set(float64(storing))
	queueErrorsGauge.Set(float64(errors))
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	dbErrorsCounter.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordPulsarMessageError(error PulsarMessageError) {
	pulsarMessageErrorCounter.With(map[string]string{"error": string(error)}).Inc()
}

func (m *Metrics) RecordPulsarConnectionError() {
	pulsarConnectionErrorCounter.Inc()
}
