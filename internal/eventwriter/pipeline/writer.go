package pipeline

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/common/database"
	"github.com/armadaproject/eventwriter/internal/common/logging"
	"github.com/armadaproject/eventwriter/internal/common/writererrors"
	"github.com/armadaproject/eventwriter/internal/eventwriter/metrics"
	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
	"github.com/armadaproject/eventwriter/internal/eventwriter/storage"
)

// writer repeatedly takes a transaction group off the queue and stores it. Failed groups are reported, never
// retried.
type writer struct {
	id int
	p  *Pipeline
}

func (w *writer) run(ctx *appcontext.Context) {
	ctx = appcontext.WithLogField(ctx, "writer", w.id)
	ctx.Log.Debug("Writer started")
	for {
		group, open := w.collect()
		if len(group) == 0 {
			if !open {
				ctx.Log.Debug("Queue drained; writer exiting")
				return
			}
			continue
		}
		w.store(ctx, group)
	}
}

// collect waits for a first batch and then takes whatever further batches are immediately available, up to
// the transaction size.
func (w *writer) collect() ([]batch, bool) {
	config := w.p.config
	first, open := w.p.queue.wait(config.InsertSize, config.PollInterval)
	if first.size == 0 {
		return nil, open
	}
	group := []batch{first}
	for len(group) < config.TransactionSize {
		next := w.p.queue.take(config.InsertSize)
		if next.size == 0 {
			break
		}
		group = append(group, next)
	}
	return group, true
}

// share is how many of one submission's records a transaction group holds.
type share struct {
	sub     *submission
	records int
}

func shares(group []batch) []share {
	var result []share
	index := make(map[*submission]int)
	for _, b := range group {
		for _, c := range b.chunks {
			i, ok := index[c.sub]
			if !ok {
				i = len(result)
				index[c.sub] = i
				result = append(result, share{sub: c.sub})
			}
			result[i].records += len(c.events)
		}
	}
	return result
}

func (w *writer) store(ctx *appcontext.Context, group []batch) {
	p := w.p
	txId := p.transactionSeq.Add(1)
	records := 0
	for _, b := range group {
		records += b.size
	}
	ctx = appcontext.WithLogFields(ctx, logrus.Fields{"transaction": txId, "batches": len(group)})

	start := time.Now()
	err := w.execute(ctx, group)
	taken := time.Since(start)

	if err != nil {
		p.failed.Add(int64(records))
		p.failedTransactions.Add(1)
		p.metrics.RecordTransactionFailed(records, taken)
		logging.WithStacktrace(ctx.Log, err).
			WithField("records", records).
			Warn("Transaction failed; its records will not be retried")
	} else {
		p.stored.Add(int64(records))
		p.metrics.RecordTransactionCommitted(records, taken)
		ctx.Log.Debugf("Stored %d records in %d batches in %dms", records, len(group), taken.Milliseconds())
	}
	p.transactions.Add(1)
	p.queue.finish(records)

	failedAt := time.Now()
	for _, s := range shares(group) {
		var resolution error
		if err != nil {
			resolution = errors.WithStack(&writererrors.ErrTransaction{
				Transaction:  txId,
				Batches:      len(group),
				Records:      s.records,
				TotalRecords: records,
				Transient:    database.IsTransient(err),
				Time:         failedAt,
				Cause:        err,
			})
		}
		p.notifier.resolve(s.sub, s.records, resolution)
	}
}

// execute writes the group as one transaction: one insert per batch, then a commit. Any failure rolls the whole
// group back.
func (w *writer) execute(ctx *appcontext.Context, group []batch) error {
	backend := w.p.backend
	m := w.p.metrics

	batches := make([][]model.Event, len(group))
	all := make([]model.Event, 0, len(group)*w.p.config.InsertSize)
	for i, b := range group {
		batches[i] = b.events()
		all = append(all, batches[i]...)
	}

	if err := backend.Prepare(ctx, all); err != nil {
		m.RecordDBError(metrics.DBOperationPrepare)
		return err
	}

	tx, err := backend.Begin(ctx)
	if err != nil {
		m.RecordDBError(metrics.DBOperationBegin)
		return err
	}
	for i, events := range batches {
		if err := tx.Insert(ctx, events); err != nil {
			m.RecordDBError(metrics.DBOperationInsert)
			w.rollback(ctx, tx)
			return &writererrors.ErrInsert{Batch: i, Records: len(events), Cause: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		m.RecordDBError(metrics.DBOperationCommit)
		w.rollback(ctx, tx)
		return err
	}
	return nil
}

func (w *writer) rollback(ctx *appcontext.Context, tx storage.Tx) {
	if err := tx.Rollback(ctx); err != nil {
		w.p.metrics.RecordDBError(metrics.DBOperationRollback)
		logging.WithStacktrace(ctx.Log, err).Warn("Rollback failed")
	}
}
