package pulsario

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
)

var baseTime = time.Date(2022, 3, 1, 15, 4, 5, 0, time.UTC)

type mockMessageId struct {
	pulsar.MessageID
	id int
}

func (id mockMessageId) String() string {
	return fmt.Sprintf("mock:%d", id.id)
}

type mockMessage struct {
	pulsar.Message
	messageId   pulsar.MessageID
	payload     []byte
	publishTime time.Time
}

func newMessage(id int, payload []byte) mockMessage {
	return mockMessage{messageId: mockMessageId{id: id}, payload: payload, publishTime: baseTime}
}

func (m mockMessage) ID() pulsar.MessageID {
	return m.messageId
}

func (m mockMessage) Payload() []byte {
	return m.payload
}

func (m mockMessage) PublishTime() time.Time {
	return m.publishTime
}

// mockConsumer hands out its messages in order, failing the first receiveErrors receives and the first
// ackErrors acks.
type mockConsumer struct {
	pulsar.Consumer
	mu            sync.Mutex
	msgs          []pulsar.Message
	receiveErrors int
	ackErrors     int
	acked         []pulsar.MessageID
}

func (c *mockConsumer) Receive(ctx context.Context) (pulsar.Message, error) {
	c.mu.Lock()
	if c.receiveErrors > 0 {
		c.receiveErrors--
		c.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	if len(c.msgs) > 0 {
		msg := c.msgs[0]
		c.msgs = c.msgs[1:]
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *mockConsumer) AckID(id pulsar.MessageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ackErrors > 0 {
		c.ackErrors--
		return errors.New("ack timed out")
	}
	c.acked = append(c.acked, id)
	return nil
}

func (c *mockConsumer) Acked() []pulsar.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pulsar.MessageID(nil), c.acked...)
}

func idsOf(msgs ...pulsar.Message) []pulsar.MessageID {
	ids := make([]pulsar.MessageID, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID()
	}
	return ids
}

func payload(t *testing.T, events ...model.Event) []byte {
	t.Helper()
	b, err := json.Marshal(EventMessage{Events: events})
	require.NoError(t, err)
	return b
}

func v1Event(name string, value float32) model.Event {
	return model.Event{ParameterName: name, Time: baseTime, Value: value, Status: 1}
}
