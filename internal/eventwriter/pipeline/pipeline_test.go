package pipeline

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/common/writererrors"
	"github.com/armadaproject/eventwriter/internal/eventwriter/configuration"
	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
	"github.com/armadaproject/eventwriter/internal/eventwriter/storage"
	"github.com/armadaproject/eventwriter/internal/eventwriter/storage/storagetest"
)

var baseTime = time.Date(2022, 3, 1, 15, 4, 5, 0, time.UTC)

// A value no generated event carries; inserts containing it are made to fail.
const poison = float32(-1)

func testConfig(workers, insertSize, transactionSize int) configuration.PipelineConfig {
	return configuration.PipelineConfig{
		Workers:         workers,
		InsertSize:      insertSize,
		TransactionSize: transactionSize,
		PollInterval:    10 * time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
	}
}

// testEvents returns n schema v1 events whose Status numbers them from offset.
func testEvents(n int, offset int) []model.Event {
	events := make([]model.Event, n)
	for i := range events {
		events[i] = model.Event{
			ParameterName: fmt.Sprintf("parameter-%d", (offset+i)%10),
			Time:          baseTime.Add(time.Duration(offset+i) * time.Millisecond),
			Value:         float32(i),
			Status:        int32(offset + i),
		}
	}
	return events
}

func containsPoison(batch []model.Event) bool {
	for _, e := range batch {
		if e.Value == poison {
			return true
		}
	}
	return false
}

// reportCollector gathers completion reports from an observer.
type reportCollector struct {
	mu      sync.Mutex
	reports map[uuid.UUID][]*CompletionReport
	ch      chan *CompletionReport
}

func newReportCollector(p *Pipeline) *reportCollector {
	c := &reportCollector{reports: make(map[uuid.UUID][]*CompletionReport), ch: make(chan *CompletionReport, 100000)}
	p.RegisterCompletionObserver(func(r *CompletionReport) {
		c.mu.Lock()
		c.reports[r.SubmissionId] = append(c.reports[r.SubmissionId], r)
		c.mu.Unlock()
		c.ch <- r
	})
	return c
}

func (c *reportCollector) await(t *testing.T, n int) []*CompletionReport {
	t.Helper()
	var received []*CompletionReport
	timeout := time.After(30 * time.Second)
	for len(received) < n {
		select {
		case r := <-c.ch:
			received = append(received, r)
		case <-timeout:
			t.Fatalf("received %d of %d completion reports", len(received), n)
		}
	}
	return received
}

func (c *reportCollector) count(id uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports[id])
}

func newTestPipeline(t *testing.T, backend *storagetest.FakeBackend, config configuration.PipelineConfig) *Pipeline {
	t.Helper()
	p, err := NewWithBackend(appcontext.Background(), backend, config)
	require.NoError(t, err)
	return p
}

func TestNew_RejectsInvalidConfiguration(t *testing.T) {
	tests := map[string]struct {
		config configuration.PipelineConfig
		name   string
	}{
		"no workers":                      {config: testConfig(0, 200, 10), name: "workerCount"},
		"negative insert size":            {config: testConfig(3, -5, 10), name: "insertSize"},
		"no transaction size":             {config: testConfig(3, 200, 0), name: "transactionSize"},
		"insert size above backend limit": {config: testConfig(3, 101, 10), name: "insertSize"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			backend := storagetest.NewFakeBackend(model.SchemaV1).WithMaxInsertSize(100)
			_, err := NewWithBackend(appcontext.Background(), backend, tc.config)
			var configErr *writererrors.ErrConfiguration
			require.True(t, errors.As(err, &configErr), "%v", err)
			assert.Equal(t, tc.name, configErr.Name)
		})
	}
}

func TestNew_ValidatesBeforeConnecting(t *testing.T) {
	_, err := New(appcontext.Background(), configuration.StorageConfig{Driver: "postgres"}, testConfig(0, 200, 10))
	var configErr *writererrors.ErrConfiguration
	assert.True(t, errors.As(err, &configErr))
}

func TestNew_UnreachableBackend(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV1)
	backend.PingErr = errors.New("connection refused")
	_, err := NewWithBackend(appcontext.Background(), backend, testConfig(3, 200, 10))
	var connErr *writererrors.ErrConnection
	assert.True(t, errors.As(err, &connErr))
}

func TestSubmit_RejectsInvalidInput(t *testing.T) {
	p := newTestPipeline(t, storagetest.NewFakeBackend(model.SchemaV1), testConfig(1, 10, 1))
	defer p.Shutdown()

	tests := map[string][]model.Event{
		"nil":            nil,
		"empty":          {},
		"missing name":   {{Time: baseTime}},
		"v2 event on v1": {{ParameterId: 4, Time: baseTime}},
		"one bad event":  append(testEvents(5, 0), model.Event{ParameterName: "x"}),
	}
	for name, events := range tests {
		t.Run(name, func(t *testing.T) {
			id, err := p.Submit(events)
			assert.Equal(t, uuid.Nil, id)
			var invalid *writererrors.ErrInvalidArgument
			assert.True(t, errors.As(err, &invalid))
		})
	}
	assert.Equal(t, int64(0), p.QueueDepth())
	assert.Equal(t, int64(0), p.Stats().Submitted)
}

func TestPipeline_StoresFiftyThousandRecords(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV1)
	p := newTestPipeline(t, backend, testConfig(3, 200, 10))
	reports := newReportCollector(p)

	id, err := p.Submit(testEvents(50000, 0))
	require.NoError(t, err)

	received := reports.await(t, 1)
	report := received[0]
	assert.Equal(t, id, report.SubmissionId)
	assert.Equal(t, 50000, report.Submitted)
	assert.Equal(t, 50000, report.Stored)
	assert.Equal(t, 0, report.Failed)
	assert.Empty(t, report.Errors)

	require.NoError(t, p.Shutdown())
	assert.Equal(t, 1, reports.count(id))
	assert.Len(t, backend.Stored(), 50000)
	for _, tx := range backend.Transactions() {
		assert.True(t, tx.Committed)
		assert.LessOrEqual(t, len(tx.Batches), 10)
		for _, b := range tx.Batches {
			assert.LessOrEqual(t, len(b), 200)
		}
	}
	assert.LessOrEqual(t, backend.MaxConcurrentTransactions(), 3)
	assert.Equal(t, Stats{Submitted: 50000, Stored: 50000, Transactions: int64(len(backend.Transactions()))}, p.Stats())
}

func TestPipeline_StoresFiftyThousandRecordsInSqlite(t *testing.T) {
	ctx := appcontext.Background()
	storageConfig := configuration.StorageConfig{
		Driver:           storage.DriverSqlite,
		Connection:       map[string]string{"file": filepath.Join(t.TempDir(), "events.db")},
		SchemaVersion:    model.SchemaV1,
		ConnectAttempts:  1,
		SectionCacheSize: 1000,
		MigrateOnStart:   true,
	}
	p, err := New(ctx, storageConfig, testConfig(3, 200, 10))
	require.NoError(t, err)
	reports := newReportCollector(p)

	id, err := p.Submit(testEvents(50000, 0))
	require.NoError(t, err)

	report := reports.await(t, 1)[0]
	assert.Equal(t, id, report.SubmissionId)
	assert.Equal(t, 50000, report.Stored)
	assert.Equal(t, 0, report.Failed)
	require.NoError(t, p.Shutdown())

	storageConfig.MigrateOnStart = false
	backend, err := storage.Open(ctx, storageConfig)
	require.NoError(t, err)
	defer backend.Close()
	count, err := backend.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), count)
	assert.Equal(t, int64(50000), p.Stats().Stored)
}

func TestPipeline_OneFailedTransaction(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV1)
	backend.FailInsert = containsPoison
	p := newTestPipeline(t, backend, testConfig(3, 200, 10))
	reports := newReportCollector(p)

	events := testEvents(10000, 0)
	events[4321].Value = poison
	_, err := p.Submit(events)
	require.NoError(t, err)

	report := reports.await(t, 1)[0]
	require.Len(t, report.Errors, 1)

	var txErr *writererrors.ErrTransaction
	require.True(t, errors.As(report.Errors[0], &txErr))
	lost := txErr.Records
	assert.Greater(t, lost, 0)
	assert.LessOrEqual(t, lost, 2000)
	assert.Equal(t, lost, txErr.TotalRecords)
	assert.False(t, txErr.Transient)
	assert.ErrorIs(t, report.Errors[0], storagetest.ErrInjected)

	var insertErr *writererrors.ErrInsert
	assert.True(t, errors.As(report.Errors[0], &insertErr))

	assert.Equal(t, 10000-lost, report.Stored)
	assert.Equal(t, lost, report.Failed)

	require.NoError(t, p.Shutdown())
	assert.Len(t, backend.Stored(), 10000-lost)
	for _, e := range backend.Stored() {
		assert.NotEqual(t, poison, e.Value)
	}
	assert.Equal(t, int64(lost), p.Stats().Failed)
	assert.Equal(t, int64(1), p.Stats().FailedTransactions)
}

func TestPipeline_BatchAndTransactionCounts(t *testing.T) {
	tests := map[string]struct {
		records         int
		insertSize      int
		transactionSize int
		batches         int
		transactions    int
	}{
		"exact multiple":        {records: 1000, insertSize: 100, transactionSize: 5, batches: 10, transactions: 2},
		"partial batch":         {records: 1050, insertSize: 100, transactionSize: 4, batches: 11, transactions: 3},
		"smaller than a batch":  {records: 7, insertSize: 100, transactionSize: 10, batches: 1, transactions: 1},
		"one batch per tx":      {records: 45, insertSize: 10, transactionSize: 1, batches: 5, transactions: 5},
		"single record batches": {records: 12, insertSize: 1, transactionSize: 5, batches: 12, transactions: 3},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			backend := storagetest.NewFakeBackend(model.SchemaV1)
			p := newTestPipeline(t, backend, testConfig(1, tc.insertSize, tc.transactionSize))
			reports := newReportCollector(p)

			_, err := p.Submit(testEvents(tc.records, 0))
			require.NoError(t, err)
			reports.await(t, 1)
			require.NoError(t, p.Shutdown())

			transactions := backend.Transactions()
			assert.Len(t, transactions, tc.transactions)
			batches := 0
			for _, tx := range transactions {
				batches += len(tx.Batches)
			}
			assert.Equal(t, tc.batches, batches)
			assert.Len(t, backend.Stored(), tc.records)
		})
	}
}

func TestPipeline_QueueDepthDecreasesWhileDraining(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV1)
	var p *Pipeline
	var depths []int64
	ready := make(chan struct{})
	backend.OnInsert = func(_ []model.Event) {
		<-ready
		depths = append(depths, p.QueueDepth())
	}
	p = newTestPipeline(t, backend, testConfig(1, 100, 1))
	reports := newReportCollector(p)

	_, err := p.Submit(testEvents(1000, 0))
	require.NoError(t, err)
	close(ready)
	reports.await(t, 1)
	require.NoError(t, p.Shutdown())

	assert.Equal(t, []int64{900, 800, 700, 600, 500, 400, 300, 200, 100, 0}, depths)
}

func TestPipeline_ConcurrentSubmitters(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV1)
	p := newTestPipeline(t, backend, testConfig(4, 50, 3))
	reports := newReportCollector(p)

	const submitters = 8
	const perSubmitter = 40
	ids := make(chan uuid.UUID, submitters*perSubmitter)
	wg := sync.WaitGroup{}
	total := 0
	for s := 0; s < submitters; s++ {
		offset := total
		sizes := make([]int, perSubmitter)
		for i := range sizes {
			sizes[i] = 1 + (s*perSubmitter+i)*37%180
			total += sizes[i]
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := offset
			for _, size := range sizes {
				id, err := p.Submit(testEvents(size, next))
				assert.NoError(t, err)
				ids <- id
				next += size
			}
		}()
	}
	wg.Wait()
	close(ids)

	received := reports.await(t, submitters*perSubmitter)
	require.NoError(t, p.Shutdown())

	stored := 0
	for _, r := range received {
		assert.Empty(t, r.Errors)
		stored += r.Stored
	}
	assert.Equal(t, total, stored)
	for id := range ids {
		assert.Equal(t, 1, reports.count(id))
	}

	seen := make(map[int32]bool)
	for _, e := range backend.Stored() {
		assert.False(t, seen[e.Status], "record %d stored twice", e.Status)
		seen[e.Status] = true
	}
	assert.Len(t, seen, total)
}

func TestPipeline_FailedTransactionSpanningSubmissions(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV1)
	release := make(chan struct{})
	var once sync.Once
	backend.OnInsert = func(_ []model.Event) { once.Do(func() { <-release }) }
	backend.FailInsert = containsPoison
	p := newTestPipeline(t, backend, testConfig(1, 200, 1))
	reports := newReportCollector(p)

	// Occupies the only writer until released, so the next two submissions queue up together.
	blocker, err := p.Submit(testEvents(1, 0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.QueueDepth() == 0 }, 5*time.Second, time.Millisecond)

	first, err := p.Submit(testEvents(60, 1))
	require.NoError(t, err)
	poisoned := testEvents(40, 61)
	poisoned[39].Value = poison
	second, err := p.Submit(poisoned)
	require.NoError(t, err)
	close(release)

	byId := make(map[uuid.UUID]*CompletionReport)
	for _, r := range reports.await(t, 3) {
		byId[r.SubmissionId] = r
	}
	require.NoError(t, p.Shutdown())

	assert.True(t, byId[blocker].Succeeded())
	for id, records := range map[uuid.UUID]int{first: 60, second: 40} {
		r := byId[id]
		require.NotNil(t, r)
		assert.Equal(t, 0, r.Stored)
		assert.Equal(t, records, r.Failed)
		require.Len(t, r.Errors, 1)
		var txErr *writererrors.ErrTransaction
		require.True(t, errors.As(r.Errors[0], &txErr))
		assert.Equal(t, records, txErr.Records)
		assert.Equal(t, 100, txErr.TotalRecords)
	}
}

func TestPipeline_PrepareFailureFailsTheGroup(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV1)
	backend.PrepareErr = errors.New("cannot create section")
	p := newTestPipeline(t, backend, testConfig(2, 10, 2))
	reports := newReportCollector(p)

	_, err := p.Submit(testEvents(55, 0))
	require.NoError(t, err)
	report := reports.await(t, 1)[0]
	require.NoError(t, p.Shutdown())

	assert.Equal(t, 0, report.Stored)
	assert.Equal(t, 55, report.Failed)
	assert.NotEmpty(t, report.Errors)
	assert.Empty(t, backend.Transactions())
}

func TestPipeline_CommitFailure(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV1)
	backend.FailCommit = func(index int) bool { return index == 0 }
	p := newTestPipeline(t, backend, testConfig(1, 10, 2))
	reports := newReportCollector(p)

	_, err := p.Submit(testEvents(50, 0))
	require.NoError(t, err)
	report := reports.await(t, 1)[0]
	require.NoError(t, p.Shutdown())

	assert.Equal(t, 30, report.Stored)
	assert.Equal(t, 20, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Len(t, backend.Stored(), 30)
}

func TestPipeline_ShutdownDrainsQueue(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV1)
	backend.InsertDelay = time.Millisecond
	p := newTestPipeline(t, backend, testConfig(2, 50, 2))
	reports := newReportCollector(p)

	for i := 0; i < 10; i++ {
		_, err := p.Submit(testEvents(500, i*500))
		require.NoError(t, err)
	}
	require.NoError(t, p.Shutdown())

	// Every report has been delivered by the time Shutdown returns.
	assert.Len(t, reports.ch, 10)
	assert.Len(t, backend.Stored(), 5000)
	assert.Equal(t, int64(0), p.QueueDepth())
	assert.Equal(t, 0, p.Pending())
	assert.True(t, backend.Closed())
}

func TestPipeline_ShutdownTwice(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV1)
	p := newTestPipeline(t, backend, testConfig(3, 200, 10))

	require.NoError(t, p.Shutdown())
	err := p.Shutdown()
	var shutdownErr *writererrors.ErrAlreadyShutdown
	assert.True(t, errors.As(err, &shutdownErr))
	assert.True(t, backend.Closed())
}

func TestPipeline_SubmitAfterShutdown(t *testing.T) {
	p := newTestPipeline(t, storagetest.NewFakeBackend(model.SchemaV1), testConfig(1, 10, 1))
	require.NoError(t, p.Shutdown())

	id, err := p.Submit(testEvents(3, 0))
	assert.Equal(t, uuid.Nil, id)
	var invalid *writererrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
	var shutdownErr *writererrors.ErrAlreadyShutdown
	assert.True(t, errors.As(err, &shutdownErr))
}

func TestPipeline_SchemaV2(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV2)
	p := newTestPipeline(t, backend, testConfig(2, 20, 2))
	reports := newReportCollector(p)

	events := make([]model.Event, 100)
	for i := range events {
		events[i] = model.Event{ParameterId: int32(i % 7), Time: baseTime, Value: float32(i)}
	}
	_, err := p.Submit(events)
	require.NoError(t, err)
	_, err = p.Submit(testEvents(1, 0))
	assert.Error(t, err)

	report := reports.await(t, 1)[0]
	require.NoError(t, p.Shutdown())
	assert.Equal(t, 100, report.Stored)
	assert.Equal(t, 100, backend.Prepared())
	assert.Equal(t, model.SchemaV2, p.Schema())
}
