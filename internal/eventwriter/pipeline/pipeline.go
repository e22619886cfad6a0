package pipeline

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/common/writererrors"
	"github.com/armadaproject/eventwriter/internal/eventwriter/configuration"
	"github.com/armadaproject/eventwriter/internal/eventwriter/metrics"
	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
	"github.com/armadaproject/eventwriter/internal/eventwriter/storage"
)

const (
	DefaultPollInterval    = 50 * time.Millisecond
	DefaultMonitorInterval = 100 * time.Millisecond
)

const (
	stateRunning int32 = iota
	stateShuttingDown
	stateStopped
)

// Pipeline accepts submissions of events and writes them to storage with a fixed pool of writers. Each writer
// groups up to InsertSize events per insert and up to TransactionSize inserts per transaction.
type Pipeline struct {
	config   configuration.PipelineConfig
	backend  storage.Backend
	queue    *queue
	notifier *notifier
	monitor  *monitor
	metrics  *metrics.Metrics
	writers  *errgroup.Group
	ctx      *appcontext.Context

	state              atomic.Int32
	submitted          atomic.Int64
	stored             atomic.Int64
	failed             atomic.Int64
	storing            atomic.Int64
	transactions       atomic.Int64
	failedTransactions atomic.Int64
	transactionSeq     atomic.Uint64
}

// New connects to the storage described by storageConfig and starts a pipeline writing to it.
// Tuning parameters are checked before any connection is attempted.
func New(ctx *appcontext.Context, storageConfig configuration.StorageConfig, config configuration.PipelineConfig) (*Pipeline, error) {
	if err := validate(config); err != nil {
		return nil, err
	}
	backend, err := storage.Open(ctx, storageConfig)
	if err != nil {
		return nil, err
	}
	p, err := NewWithBackend(ctx, backend, config)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return p, nil
}

// NewWithBackend starts a pipeline writing to an already opened backend. The pipeline closes the backend on
// Shutdown.
func NewWithBackend(ctx *appcontext.Context, backend storage.Backend, config configuration.PipelineConfig) (*Pipeline, error) {
	return newPipeline(ctx, backend, config, clock.RealClock{})
}

func newPipeline(ctx *appcontext.Context, backend storage.Backend, config configuration.PipelineConfig, clk clock.WithTicker) (*Pipeline, error) {
	if err := validate(config); err != nil {
		return nil, err
	}
	if limit := backend.MaxInsertSize(); config.InsertSize > limit {
		return nil, errors.WithStack(&writererrors.ErrConfiguration{
			Name:    "insertSize",
			Value:   config.InsertSize,
			Message: fmt.Sprintf("%s storage accepts at most %d records per insert", backend.Driver(), limit),
		})
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = DefaultMonitorInterval
	}
	if err := backend.Ping(ctx); err != nil {
		return nil, errors.WithStack(&writererrors.ErrConnection{Driver: backend.Driver(), Attempts: 1, Cause: err})
	}

	// Writers outlive the caller's context: only Shutdown stops them.
	workCtx := appcontext.WithLogField(appcontext.Detach(ctx), "component", "eventwriter")
	p := &Pipeline{
		config:   config,
		backend:  backend,
		notifier: newNotifier(workCtx.Log),
		metrics:  metrics.Get(),
		ctx:      workCtx,
	}
	p.queue = newQueue(&p.storing)
	writers, writersCtx := appcontext.ErrGroup(workCtx)
	p.writers = writers
	p.monitor = newMonitor(clk, config.MonitorInterval, p.sample, p.metrics, workCtx.Log)

	go p.notifier.run()
	go p.monitor.run()
	for i := 0; i < config.Workers; i++ {
		w := &writer{id: i, p: p}
		p.writers.Go(func() error {
			w.run(writersCtx)
			return nil
		})
	}
	workCtx.Log.Infof(
		"Started %d writers; insert size %d, transaction size %d, schema %s on %s",
		config.Workers, config.InsertSize, config.TransactionSize, backend.Schema(), backend.Driver())
	return p, nil
}

func validate(config configuration.PipelineConfig) error {
	params := []struct {
		name  string
		value int
	}{
		{"workerCount", config.Workers},
		{"insertSize", config.InsertSize},
		{"transactionSize", config.TransactionSize},
	}
	for _, param := range params {
		if param.value < 1 {
			return errors.WithStack(&writererrors.ErrConfiguration{
				Name:    param.name,
				Value:   param.value,
				Message: "must be at least 1",
			})
		}
	}
	return nil
}

// Submit queues events as one submission and returns its id without waiting for them to be stored.
// The events are copied, so the caller may reuse the slice.
func (p *Pipeline) Submit(events []model.Event) (uuid.UUID, error) {
	if p.state.Load() != stateRunning {
		return uuid.Nil, shutdownRejection(len(events))
	}
	if len(events) == 0 {
		return uuid.Nil, errors.WithStack(&writererrors.ErrInvalidArgument{
			Name:    "events",
			Value:   0,
			Message: "a submission needs at least one event",
		})
	}
	schema := p.backend.Schema()
	for i, e := range events {
		if err := e.Validate(schema); err != nil {
			return uuid.Nil, errors.WithStack(&writererrors.ErrInvalidArgument{
				Name:    fmt.Sprintf("events[%d]", i),
				Value:   e,
				Message: err.Error(),
			})
		}
	}

	sub := newSubmission(len(events))
	owned := make([]model.Event, len(events))
	copy(owned, events)

	p.notifier.track(sub)
	p.submitted.Add(int64(len(events)))
	if !p.queue.push(&chunk{sub: sub, events: owned}) {
		p.submitted.Add(-int64(len(events)))
		p.notifier.untrack(sub)
		return uuid.Nil, shutdownRejection(len(events))
	}
	p.metrics.RecordSubmitted(len(events))
	return sub.id, nil
}

func shutdownRejection(n int) error {
	return errors.WithStack(&writererrors.ErrInvalidArgument{
		Name:    "events",
		Value:   n,
		Message: "the pipeline no longer accepts submissions",
		Cause:   &writererrors.ErrAlreadyShutdown{Operation: "submit"},
	})
}

// QueueDepth is the number of submitted records not yet taken by a writer.
func (p *Pipeline) QueueDepth() int64 {
	return p.queue.count()
}

// Pending is the number of submissions whose completion report has not been produced yet.
func (p *Pipeline) Pending() int {
	return p.notifier.inFlight()
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:          p.submitted.Load(),
		Stored:             p.stored.Load(),
		Failed:             p.failed.Load(),
		Transactions:       p.transactions.Load(),
		FailedTransactions: p.failedTransactions.Load(),
	}
}

func (p *Pipeline) Schema() model.SchemaVersion {
	return p.backend.Schema()
}

// RegisterCompletionObserver adds an observer for completion reports. Reports produced before registration are
// not replayed.
func (p *Pipeline) RegisterCompletionObserver(observer CompletionObserver) {
	p.notifier.register(observer)
}

// RegisterQueueObserver adds an observer for periodic queue samples.
func (p *Pipeline) RegisterQueueObserver(observer QueueObserver) {
	p.monitor.register(observer)
}

func (p *Pipeline) sample() QueueSample {
	queued, storing := p.queue.snapshot()
	return QueueSample{
		Time:     p.monitor.clock.Now(),
		Prepared: queued,
		Storing:  storing,
		Errors:   p.failed.Load(),
	}
}

// Shutdown stops accepting submissions, lets the writers store everything already queued, delivers the remaining
// completion reports and closes the storage. It blocks until all of that is done. Calling it again returns
// *writererrors.ErrAlreadyShutdown.
func (p *Pipeline) Shutdown() error {
	if !p.state.CompareAndSwap(stateRunning, stateShuttingDown) {
		return errors.WithStack(&writererrors.ErrAlreadyShutdown{Operation: "shutdown"})
	}
	log := p.ctx.Log
	log.Infof("Shutting down; %d records queued, %d being stored", p.queue.count(), p.storing.Load())
	start := time.Now()

	p.monitor.shutdown()
	p.queue.close()
	_ = p.writers.Wait()
	p.notifier.close()
	err := p.backend.Close()
	p.state.Store(stateStopped)

	stats := p.Stats()
	log.Infof("Shut down in %s; stored %d of %d records, %d failed in %d of %d transactions",
		time.Since(start), stats.Stored, stats.Submitted, stats.Failed, stats.FailedTransactions, stats.Transactions)
	return errors.WithMessage(err, "closing storage")
}
