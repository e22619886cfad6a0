package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
	"github.com/armadaproject/eventwriter/internal/eventwriter/storage/storagetest"
)

func newMonitoredPipeline(t *testing.T, backend *storagetest.FakeBackend) (*Pipeline, *clocktesting.FakeClock, chan QueueSample) {
	t.Helper()
	clk := clocktesting.NewFakeClock(baseTime)
	p, err := newPipeline(appcontext.Background(), backend, testConfig(2, 100, 2), clk)
	require.NoError(t, err)
	samples := make(chan QueueSample, 16)
	p.RegisterQueueObserver(func(s QueueSample) { samples <- s })
	require.Eventually(t, clk.HasWaiters, 5*time.Second, time.Millisecond)
	return p, clk, samples
}

func nextSample(t *testing.T, clk *clocktesting.FakeClock, samples chan QueueSample) QueueSample {
	t.Helper()
	clk.Step(10 * time.Millisecond)
	select {
	case s := <-samples:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no queue sample after the monitor interval elapsed")
	}
	return QueueSample{}
}

func TestMonitor_IdlePipeline(t *testing.T) {
	p, clk, samples := newMonitoredPipeline(t, storagetest.NewFakeBackend(model.SchemaV1))
	defer p.Shutdown()

	s := nextSample(t, clk, samples)
	assert.Equal(t, QueueSample{Time: baseTime.Add(10 * time.Millisecond)}, s)
	assert.Equal(t, int64(0), s.Depth())

	s = nextSample(t, clk, samples)
	assert.Equal(t, baseTime.Add(20*time.Millisecond), s.Time)
	assert.Equal(t, int64(0), s.Prepared+s.Storing+s.Errors)
}

func TestMonitor_CountsFailedRecords(t *testing.T) {
	backend := storagetest.NewFakeBackend(model.SchemaV1)
	backend.FailInsert = func([]model.Event) bool { return true }
	p, clk, samples := newMonitoredPipeline(t, backend)
	reports := newReportCollector(p)
	defer p.Shutdown()

	_, err := p.Submit(testEvents(250, 0))
	require.NoError(t, err)
	reports.await(t, 1)

	s := nextSample(t, clk, samples)
	assert.Equal(t, int64(0), s.Prepared)
	assert.Equal(t, int64(0), s.Storing)
	assert.Equal(t, int64(250), s.Errors)
}

func TestMonitor_StopsOnShutdown(t *testing.T) {
	p, clk, samples := newMonitoredPipeline(t, storagetest.NewFakeBackend(model.SchemaV1))
	require.NoError(t, p.Shutdown())

	clk.Step(time.Second)
	select {
	case s := <-samples:
		t.Fatalf("unexpected sample after shutdown: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitor_SurvivesPanickingObserver(t *testing.T) {
	p, clk, samples := newMonitoredPipeline(t, storagetest.NewFakeBackend(model.SchemaV1))
	defer p.Shutdown()
	p.RegisterQueueObserver(func(QueueSample) { panic("observer bug") })

	nextSample(t, clk, samples)
	nextSample(t, clk, samples)
}
