package loadtester

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/common/writererrors"
	"github.com/armadaproject/eventwriter/internal/eventwriter/configuration"
	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
	"github.com/armadaproject/eventwriter/internal/eventwriter/pipeline"
)

const (
	ModeSingle    = "single"
	ModeSustained = "sustained"
)

// Pipeline is the part of the event writer the load tester drives. The load tester must be its only submitter.
type Pipeline interface {
	Submit(events []model.Event) (uuid.UUID, error)
	Schema() model.SchemaVersion
	RegisterCompletionObserver(observer pipeline.CompletionObserver)
	RegisterQueueObserver(observer pipeline.QueueObserver)
	Shutdown() error
}

// Counter counts the rows in the event table. It must not share a connection with the pipeline under test.
type Counter interface {
	Count(ctx *appcontext.Context) (int64, error)
}

type Results struct {
	Mode        string
	Submissions int
	Submitted   int64
	Stored      int64
	Failed      int64
	// FailedTransactions counts the transaction errors reported across all submissions.
	FailedTransactions int
	RowsBefore         int64
	RowsAfter          int64
	MaxQueueDepth      int64
	// From the first submission until the last completion report.
	StoreDuration     time.Duration
	TotalTestDuration time.Duration
}

// RowsWritten is the growth of the event table over the test.
func (r *Results) RowsWritten() int64 {
	return r.RowsAfter - r.RowsBefore
}

// RecordsPerSecond is the rate at which records were committed.
func (r *Results) RecordsPerSecond() float64 {
	if r.StoreDuration <= 0 {
		return 0
	}
	return float64(r.Stored) / r.StoreDuration.Seconds()
}

type LoadTester struct {
	config   configuration.LoadTestConfig
	pipeline Pipeline
	counter  Counter
	clock    clock.WithTicker

	outstanding sync.WaitGroup
	stored      atomic.Int64
	failed      atomic.Int64
	txErrors    atomic.Int64
	maxDepth    atomic.Int64

	mu            sync.Mutex
	firstSubmit   time.Time
	lastCompleted time.Time
	errs          *multierror.Error
}

func New(config configuration.LoadTestConfig, p Pipeline, counter Counter) *LoadTester {
	return &LoadTester{config: config, pipeline: p, counter: counter, clock: clock.RealClock{}}
}

// Run submits generated events according to the configured mode, waits for every submission to complete, shuts
// the pipeline down and counts the rows written. Cancelling ctx stops submitting early; whatever was already
// submitted is still drained.
func (l *LoadTester) Run(ctx *appcontext.Context) (*Results, error) {
	start := l.clock.Now()
	results := &Results{Mode: l.config.Mode}

	if err := l.checkConfig(); err != nil {
		_ = l.pipeline.Shutdown()
		return nil, err
	}

	rowsBefore, err := l.counter.Count(ctx)
	if err != nil {
		_ = l.pipeline.Shutdown()
		return nil, errors.WithMessage(err, "counting rows before the test")
	}
	results.RowsBefore = rowsBefore

	l.pipeline.RegisterCompletionObserver(l.onComplete)
	l.pipeline.RegisterQueueObserver(func(s pipeline.QueueSample) {
		ctx.Log.Debugf("Queue: %d prepared, %d storing, %d errors", s.Prepared, s.Storing, s.Errors)
		for {
			depth := s.Depth()
			current := l.maxDepth.Load()
			if depth <= current || l.maxDepth.CompareAndSwap(current, depth) {
				return
			}
		}
	})

	switch l.config.Mode {
	case ModeSingle:
		err = l.submit(ctx, results)
	case ModeSustained:
		err = l.sustain(ctx, results)
	default:
		err = errors.Errorf("unknown load test mode %q", l.config.Mode)
	}
	if err != nil {
		_ = l.pipeline.Shutdown()
		return nil, err
	}

	l.awaitCompletion(ctx)
	if err := l.pipeline.Shutdown(); err != nil {
		ctx.Log.WithError(err).Warn("Pipeline shutdown reported an error")
	}

	rowsAfter, err := l.counter.Count(appcontext.Detach(ctx))
	if err != nil {
		return nil, errors.WithMessage(err, "counting rows after the test")
	}
	results.RowsAfter = rowsAfter

	l.mu.Lock()
	if !l.lastCompleted.IsZero() {
		results.StoreDuration = l.lastCompleted.Sub(l.firstSubmit)
	}
	if l.errs != nil {
		ctx.Log.WithError(l.errs.ErrorOrNil()).Warnf("%d transaction(s) failed during the test", l.errs.Len())
	}
	l.mu.Unlock()
	results.Stored = l.stored.Load()
	results.Failed = l.failed.Load()
	results.FailedTransactions = int(l.txErrors.Load())
	results.MaxQueueDepth = l.maxDepth.Load()
	results.TotalTestDuration = l.clock.Since(start)
	return results, nil
}

// checkConfig rejects settings the chosen mode cannot run with.
func (l *LoadTester) checkConfig() error {
	if l.config.Mode != ModeSustained {
		return nil
	}
	if l.config.SubmitInterval <= 0 {
		return errors.WithStack(&writererrors.ErrConfiguration{
			Name:    "loadTest.submitInterval",
			Value:   l.config.SubmitInterval,
			Message: "sustained mode needs a positive interval",
		})
	}
	if l.config.Duration <= 0 {
		return errors.WithStack(&writererrors.ErrConfiguration{
			Name:    "loadTest.duration",
			Value:   l.config.Duration,
			Message: "sustained mode needs a positive duration",
		})
	}
	return nil
}

func (l *LoadTester) submit(ctx *appcontext.Context, results *Results) error {
	events := GenerateBulk(l.config.BulkSize, l.config.Parameters, l.pipeline.Schema(), l.clock.Now())
	l.outstanding.Add(1)
	l.mu.Lock()
	if l.firstSubmit.IsZero() {
		l.firstSubmit = l.clock.Now()
	}
	l.mu.Unlock()
	id, err := l.pipeline.Submit(events)
	if err != nil {
		l.outstanding.Done()
		return errors.WithMessage(err, "submitting events")
	}
	results.Submissions++
	results.Submitted += int64(len(events))
	ctx.Log.Debugf("Submitted %d events as %s", len(events), id)
	return nil
}

// sustain submits a bulk straight away and then once per interval until the duration has elapsed.
func (l *LoadTester) sustain(ctx *appcontext.Context, results *Results) error {
	start := l.clock.Now()
	ticker := l.clock.NewTicker(l.config.SubmitInterval)
	defer ticker.Stop()
	for {
		if err := l.submit(ctx, results); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			ctx.Log.Infof("Load test cancelled after %d submissions", results.Submissions)
			return nil
		case <-ticker.C():
		}
		if l.clock.Since(start) >= l.config.Duration {
			ctx.Log.Infof("Submitted %d bulks of %d events", results.Submissions, l.config.BulkSize)
			return nil
		}
	}
}

func (l *LoadTester) onComplete(report *pipeline.CompletionReport) {
	l.stored.Add(int64(report.Stored))
	l.failed.Add(int64(report.Failed))
	l.txErrors.Add(int64(len(report.Errors)))
	l.mu.Lock()
	l.lastCompleted = l.clock.Now()
	if len(report.Errors) > 0 {
		l.errs = multierror.Append(l.errs, report.Errors...)
	}
	l.mu.Unlock()
	l.outstanding.Done()
}

// awaitCompletion blocks until every submission has reported or ctx is cancelled. On cancellation the remaining
// reports are delivered by the pipeline's shutdown.
func (l *LoadTester) awaitCompletion(ctx *appcontext.Context) {
	done := make(chan struct{})
	go func() {
		l.outstanding.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		ctx.Log.Info("Stopped waiting for completion reports; draining the pipeline")
	}
}
