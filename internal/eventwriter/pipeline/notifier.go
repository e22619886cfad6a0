package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/eventwriter/internal/common/logging"
)

// Reports waiting for delivery before writers block on handing over more.
const reportBufferSize = 1024

// submission tracks how many of one Submit call's records have been resolved.
type submission struct {
	id        uuid.UUID
	size      int
	submitted time.Time

	mu       sync.Mutex
	resolved int
	stored   int
	failed   int
	errs     []error
	complete bool
}

func newSubmission(size int) *submission {
	return &submission{id: uuid.New(), size: size, submitted: time.Now()}
}

// resolve records the outcome of n records. It returns the completion report if these were the last unresolved
// records, and nil otherwise, so exactly one caller ever receives the report.
func (s *submission) resolve(n int, err error) *CompletionReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.complete {
		return nil
	}
	s.resolved += n
	if err != nil {
		s.failed += n
		s.errs = append(s.errs, err)
	} else {
		s.stored += n
	}
	if s.resolved < s.size {
		return nil
	}
	s.complete = true
	return &CompletionReport{
		SubmissionId: s.id,
		Submitted:    s.size,
		Stored:       s.stored,
		Failed:       s.failed,
		Errors:       s.errs,
		Elapsed:      time.Since(s.submitted),
	}
}

// notifier hands completion reports to observers, in completion order, from a single goroutine.
type notifier struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*submission

	observersMu sync.RWMutex
	observers   []CompletionObserver

	reports chan *CompletionReport
	done    chan struct{}
	log     *logrus.Entry
}

func newNotifier(log *logrus.Entry) *notifier {
	return &notifier{
		pending: make(map[uuid.UUID]*submission),
		reports: make(chan *CompletionReport, reportBufferSize),
		done:    make(chan struct{}),
		log:     log,
	}
}

func (n *notifier) register(observer CompletionObserver) {
	n.observersMu.Lock()
	defer n.observersMu.Unlock()
	n.observers = append(n.observers, observer)
}

func (n *notifier) track(s *submission) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending[s.id] = s
}

func (n *notifier) untrack(s *submission) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.pending, s.id)
}

func (n *notifier) inFlight() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// resolve records the outcome of count of s's records and queues its report if s is now complete.
func (n *notifier) resolve(s *submission, count int, err error) {
	report := s.resolve(count, err)
	if report == nil {
		return
	}
	n.untrack(s)
	n.reports <- report
}

func (n *notifier) run() {
	defer close(n.done)
	for report := range n.reports {
		n.deliver(report)
	}
}

func (n *notifier) deliver(report *CompletionReport) {
	n.observersMu.RLock()
	observers := append([]CompletionObserver(nil), n.observers...)
	n.observersMu.RUnlock()

	log := n.log.WithField("submission", report.SubmissionId)
	if report.Succeeded() {
		log.Debugf("Stored all %d records in %s", report.Submitted, report.Elapsed)
	} else {
		log.Warnf("Stored %d of %d records in %s; %d transaction(s) failed",
			report.Stored, report.Submitted, report.Elapsed, len(report.Errors))
	}
	for _, observer := range observers {
		n.notify(log, observer, report)
	}
}

func (n *notifier) notify(log *logrus.Entry, observer CompletionObserver, report *CompletionReport) {
	defer func() {
		if r := recover(); r != nil {
			logging.WithStacktrace(log, errors.Errorf("completion observer panicked: %v", r)).Error("Observer failed")
		}
	}()
	observer(report)
}

// close delivers every queued report and waits for the delivery goroutine to exit.
// No resolve calls may happen afterwards.
func (n *notifier) close() {
	close(n.reports)
	<-n.done
}
