package pulsario

import (
	"encoding/json"
	"sync"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/common/logging"
	"github.com/armadaproject/eventwriter/internal/common/writererrors"
	"github.com/armadaproject/eventwriter/internal/eventwriter/configuration"
	"github.com/armadaproject/eventwriter/internal/eventwriter/metrics"
	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
	"github.com/armadaproject/eventwriter/internal/eventwriter/pipeline"
)

const ackAttempts = 5

// Submitter is the part of the pipeline the ingester drives.
type Submitter interface {
	Submit(events []model.Event) (uuid.UUID, error)
	Schema() model.SchemaVersion
	RegisterCompletionObserver(observer pipeline.CompletionObserver)
}

// EventMessage is the JSON payload of one Pulsar message.
type EventMessage struct {
	Events []model.Event `json:"events"`
}

// Ingester reads event messages from Pulsar and submits each batch of messages to the pipeline as one
// submission. A batch's messages are acked once the pipeline reports the submission complete, whether or not
// every record was stored. Messages that cannot be decoded are acked straight away.
type Ingester struct {
	config    configuration.PulsarConfig
	submitter Submitter
	consumer  pulsar.Consumer
	metrics   *metrics.Metrics
	log       *logrus.Entry

	mu      sync.Mutex
	pending map[uuid.UUID][]pulsar.MessageID
}

func NewIngester(config configuration.PulsarConfig, submitter Submitter, consumer pulsar.Consumer) *Ingester {
	i := &Ingester{
		config:    config,
		submitter: submitter,
		consumer:  consumer,
		metrics:   metrics.Get(),
		log:       logrus.WithField("component", "ingester"),
		pending:   make(map[uuid.UUID][]pulsar.MessageID),
	}
	submitter.RegisterCompletionObserver(i.onComplete)
	return i
}

// Run consumes messages until ctx is cancelled, then submits whatever has been batched so far and returns.
// Acks for submissions still in flight happen when the pipeline completes them, so the consumer must stay open
// until the pipeline has shut down.
func (i *Ingester) Run(ctx *appcontext.Context) error {
	ctx, cancel := appcontext.WithCancel(ctx)
	defer cancel()
	msgs := Receive(ctx, i.consumer, i.config.ReceiveTimeout, i.config.BackoffTime, i.metrics)

	batches := make(chan []pulsar.Message)
	batcher := NewBatcher[pulsar.Message](msgs, i.config.BatchSize, i.config.BatchDuration, func(b []pulsar.Message) {
		batches <- b
	})
	go func() {
		// Runs until msgs is closed so the final partial batch is not lost.
		batcher.Run(appcontext.Detach(ctx))
		close(batches)
	}()

	i.log.Infof("Ingesting from %s as %s", i.config.Topic, i.config.SubscriptionName)
	var result error
	for batch := range batches {
		if result != nil {
			continue
		}
		if result = i.submit(batch); result != nil {
			logging.WithStacktrace(i.log, result).Error("Pipeline stopped accepting submissions")
			cancel()
		}
	}
	i.log.Info("Ingestion stopped")
	return result
}

// submit decodes a batch of messages and submits their events. It only fails if the pipeline no longer accepts
// submissions, in which case the batch is left unacked for redelivery.
func (i *Ingester) submit(batch []pulsar.Message) error {
	var events []model.Event
	var ids []pulsar.MessageID
	var rejected []pulsar.MessageID
	schema := i.submitter.Schema()
	for _, msg := range batch {
		decoded, err := decode(msg.Payload(), schema)
		if err != nil {
			i.metrics.RecordPulsarMessageError(metrics.PulsarMessageErrorDeserialization)
			logging.WithStacktrace(i.log, err).Warnf("Could not decode message %s", msg.ID())
			rejected = append(rejected, msg.ID())
			continue
		}
		events = append(events, decoded...)
		ids = append(ids, msg.ID())
	}
	Ack(i.log, i.consumer, rejected, ackAttempts, i.config.BackoffTime, i.metrics)
	if len(events) == 0 {
		return nil
	}

	// Held across Submit so the completion report cannot be handled before the ids are recorded.
	i.mu.Lock()
	id, err := i.submitter.Submit(events)
	if err == nil {
		i.pending[id] = ids
	}
	i.mu.Unlock()

	if err != nil {
		var shutdown *writererrors.ErrAlreadyShutdown
		if errors.As(err, &shutdown) {
			return err
		}
		i.metrics.RecordPulsarMessageError(metrics.PulsarMessageErrorSubmission)
		logging.WithStacktrace(i.log, err).Warnf("Pipeline rejected %d events from %d messages", len(events), len(ids))
		Ack(i.log, i.consumer, ids, ackAttempts, i.config.BackoffTime, i.metrics)
		return nil
	}
	i.log.Debugf("Submitted %d events from %d messages as %s", len(events), len(ids), id)
	return nil
}

func (i *Ingester) onComplete(report *pipeline.CompletionReport) {
	i.mu.Lock()
	ids, ok := i.pending[report.SubmissionId]
	delete(i.pending, report.SubmissionId)
	i.mu.Unlock()
	if !ok {
		return
	}
	if !report.Succeeded() {
		logging.WithStacktrace(i.log, report.Err()).
			WithField("submission", report.SubmissionId).
			Warnf("%d of %d events from %d messages were not stored", report.Failed, report.Submitted, len(ids))
	}
	Ack(i.log, i.consumer, ids, ackAttempts, i.config.BackoffTime, i.metrics)
}

// Pending is the number of submitted batches whose messages have not been acked yet.
func (i *Ingester) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// decode parses one message and checks every event against the storage schema.
func decode(payload []byte, schema model.SchemaVersion) ([]model.Event, error) {
	var msg EventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(msg.Events) == 0 {
		return nil, errors.New("message carries no events")
	}
	for idx, e := range msg.Events {
		if err := e.Validate(schema); err != nil {
			return nil, errors.WithMessagef(err, "event %d", idx)
		}
	}
	return msg.Events, nil
}
