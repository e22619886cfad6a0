package pulsario

import (
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/eventwriter/metrics"
)

func TestReceive(t *testing.T) {
	msgs := []pulsar.Message{newMessage(1, nil), newMessage(2, nil), newMessage(3, nil)}
	consumer := &mockConsumer{msgs: msgs, receiveErrors: 2}
	ctx, cancel := appcontext.WithCancel(appcontext.Background())
	defer cancel()

	out := Receive(ctx, consumer, 10*time.Millisecond, time.Millisecond, metrics.Get())
	var received []pulsar.Message
	for msg := range out {
		received = append(received, msg)
		if len(received) == len(msgs) {
			cancel()
		}
	}
	assert.Equal(t, msgs, received)
}

func TestReceive_ClosesWhenIdleAndCancelled(t *testing.T) {
	ctx, cancel := appcontext.WithCancel(appcontext.Background())
	out := Receive(ctx, &mockConsumer{}, 10*time.Millisecond, time.Millisecond, metrics.Get())
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}
}

func TestAck(t *testing.T) {
	tests := map[string]struct {
		ackErrors int
		attempts  uint
		acked     int
	}{
		"first attempt succeeds":  {ackErrors: 0, attempts: 3, acked: 2},
		"succeeds after a retry":  {ackErrors: 2, attempts: 3, acked: 2},
		"first message abandoned": {ackErrors: 3, attempts: 3, acked: 1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			consumer := &mockConsumer{ackErrors: tc.ackErrors}
			ids := idsOf(newMessage(1, nil), newMessage(2, nil))
			Ack(logrus.NewEntry(logrus.New()), consumer, ids, tc.attempts, time.Millisecond, metrics.Get())
			assert.Equal(t, ids[len(ids)-tc.acked:], consumer.Acked())
		})
	}
}
