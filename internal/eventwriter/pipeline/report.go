package pipeline

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// CompletionReport is delivered exactly once per submission, after every one of its records has been either
// committed or lost to a failed transaction.
type CompletionReport struct {
	SubmissionId uuid.UUID
	Submitted    int
	Stored       int
	Failed       int
	// One *writererrors.ErrTransaction per failed transaction that held some of this submission's records.
	Errors []error
	// Time from Submit to the last record being resolved.
	Elapsed time.Duration
}

func (r *CompletionReport) Succeeded() bool {
	return len(r.Errors) == 0
}

// Err folds Errors into a single error, or returns nil if there are none.
func (r *CompletionReport) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return multierror.Append(nil, r.Errors...)
}

// CompletionObserver is called with each completion report. Observers run one at a time on the notifier's
// goroutine and must not call Shutdown.
type CompletionObserver func(report *CompletionReport)

// QueueSample is one periodic reading of the pipeline's counters.
type QueueSample struct {
	Time time.Time
	// Records queued but not yet taken by a writer
	Prepared int64
	// Records taken by writers whose transactions have not finished
	Storing int64
	// Records lost to failed transactions since the pipeline started
	Errors int64
}

func (s QueueSample) Depth() int64 {
	return s.Prepared + s.Storing
}

type QueueObserver func(sample QueueSample)

// Stats are the pipeline's cumulative counters.
type Stats struct {
	Submitted          int64
	Stored             int64
	Failed             int64
	Transactions       int64
	FailedTransactions int64
}
