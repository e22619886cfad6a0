package pulsario

import (
	"context"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/common/logging"
	"github.com/armadaproject/eventwriter/internal/eventwriter/metrics"
)

// How often Receive logs message statistics.
const statsInterval = 60 * time.Second

// Receive reads messages from consumer onto the returned channel until ctx is cancelled, at which point the
// channel is closed. Failed receives are counted and retried after backoffTime.
func Receive(
	ctx *appcontext.Context,
	consumer pulsar.Consumer,
	receiveTimeout time.Duration,
	backoffTime time.Duration,
	m *metrics.Metrics,
) chan pulsar.Message {
	out := make(chan pulsar.Message)
	go func() {
		defer close(out)
		lastLogged := time.Now()
		numReceived := 0
		var lastMessageId pulsar.MessageID
		lastPublishTime := time.Now()

		for {
			if time.Since(lastLogged) > statsInterval {
				ctx.Log.WithFields(logrus.Fields{
					"received":      numReceived,
					"interval":      statsInterval,
					"lastMessageId": lastMessageId,
					"timeLag":       time.Since(lastPublishTime),
				}).Info("message statistics")
				numReceived = 0
				lastLogged = time.Now()
			}

			select {
			case <-ctx.Done():
				ctx.Log.Info("Shutting down pulsar receiver")
				return
			default:
			}

			receiveCtx, cancel := appcontext.WithTimeout(ctx, receiveTimeout)
			msg, err := consumer.Receive(receiveCtx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				ctx.Log.Debug("No message received")
				continue
			}
			if err != nil {
				m.RecordPulsarConnectionError()
				logging.
					WithStacktrace(ctx.Log, err).
					WithField("lastMessageId", lastMessageId).
					Warnf("Pulsar receive failed; backing off for %s", backoffTime)
				select {
				case <-ctx.Done():
				case <-time.After(backoffTime):
				}
				continue
			}

			numReceived++
			lastPublishTime = msg.PublishTime()
			lastMessageId = msg.ID()
			select {
			case out <- msg:
			case <-ctx.Done():
				ctx.Log.Info("Shutting down pulsar receiver")
				return
			}
		}
	}()
	return out
}

// Ack acknowledges ids on consumer, retrying each failed ack up to attempts times.
// Ids that still cannot be acked are counted and logged; Pulsar will redeliver them.
func Ack(log *logrus.Entry, consumer pulsar.Consumer, ids []pulsar.MessageID, attempts uint, backoffTime time.Duration, m *metrics.Metrics) {
	for _, id := range ids {
		id := id
		err := retry.Do(
			func() error { return consumer.AckID(id) },
			retry.Attempts(attempts),
			retry.Delay(backoffTime),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				logging.WithStacktrace(log, err).
					WithField("messageId", id).
					Warnf("Pulsar ack failed; backing off for %s", backoffTime)
			}),
		)
		if err != nil {
			m.RecordPulsarMessageError(metrics.PulsarMessageErrorAck)
			logging.WithStacktrace(log, err).WithField("messageId", id).Error("Giving up acking message")
		}
	}
}
