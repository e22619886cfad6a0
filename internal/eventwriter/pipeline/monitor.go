package pipeline

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/eventwriter/internal/common/logging"
	"github.com/armadaproject/eventwriter/internal/eventwriter/metrics"
)

// monitor samples the pipeline's counters every interval and hands each sample to the queue observers.
type monitor struct {
	clock    clock.WithTicker
	interval time.Duration
	sample   func() QueueSample
	metrics  *metrics.Metrics
	log      *logrus.Entry

	observersMu sync.RWMutex
	observers   []QueueObserver

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newMonitor(clk clock.WithTicker, interval time.Duration, sample func() QueueSample, m *metrics.Metrics, log *logrus.Entry) *monitor {
	return &monitor{
		clock:    clk,
		interval: interval,
		sample:   sample,
		metrics:  m,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *monitor) register(observer QueueObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, observer)
}

func (m *monitor) run() {
	defer close(m.done)
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C():
			s := m.sample()
			m.metrics.RecordQueueSample(s.Prepared, s.Storing, s.Errors)
			m.notify(s)
		}
	}
}

func (m *monitor) notify(s QueueSample) {
	m.observersMu.RLock()
	observers := append([]QueueObserver(nil), m.observers...)
	m.observersMu.RUnlock()
	for _, observer := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.WithStacktrace(m.log, errors.Errorf("queue observer panicked: %v", r)).Error("Observer failed")
				}
			}()
			observer(s)
		}()
	}
}

// shutdown stops sampling and waits for an in-progress notification to finish.
func (m *monitor) shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
