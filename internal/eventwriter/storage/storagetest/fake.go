// Package storagetest provides an in-memory storage.Backend that records every transaction and can be told to
// fail, for testing code that writes through the storage interfaces.
package storagetest

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
	"github.com/armadaproject/eventwriter/internal/eventwriter/storage"
)

var ErrInjected = errors.New("injected storage failure")

// Transaction is what a FakeBackend remembers about one transaction.
type Transaction struct {
	Batches    [][]model.Event
	Committed  bool
	RolledBack bool
}

func (t Transaction) Records() int {
	n := 0
	for _, b := range t.Batches {
		n += len(b)
	}
	return n
}

type FakeBackend struct {
	mu           sync.Mutex
	schema       model.SchemaVersion
	maxInsert    int
	stored       []model.Event
	transactions []*Transaction
	prepared     int
	closed       bool
	open         int
	maxOpen      int

	// FailInsert, when set, is consulted for every batch; returning true fails that insert.
	FailInsert func(batch []model.Event) bool
	// FailCommit, when set, is consulted with the zero-based index of the transaction being committed.
	FailCommit func(index int) bool
	PrepareErr error
	PingErr    error
	// OnInsert, when set, is called before every insert, outside of the backend's lock.
	OnInsert func(batch []model.Event)
	// InsertDelay slows every insert down, to keep transactions in flight.
	InsertDelay time.Duration
}

var _ storage.Backend = &FakeBackend{}

func NewFakeBackend(schema model.SchemaVersion) *FakeBackend {
	return &FakeBackend{schema: schema, maxInsert: 1 << 20}
}

func (b *FakeBackend) WithMaxInsertSize(n int) *FakeBackend {
	b.maxInsert = n
	return b
}

func (b *FakeBackend) Driver() string {
	return "fake"
}

func (b *FakeBackend) Schema() model.SchemaVersion {
	return b.schema
}

func (b *FakeBackend) MaxInsertSize() int {
	return b.maxInsert
}

func (b *FakeBackend) Prepare(_ *appcontext.Context, events []model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PrepareErr != nil {
		return b.PrepareErr
	}
	b.prepared += len(events)
	return nil
}

func (b *FakeBackend) Begin(_ *appcontext.Context) (storage.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("backend is closed")
	}
	tx := &Transaction{}
	b.transactions = append(b.transactions, tx)
	b.open++
	if b.open > b.maxOpen {
		b.maxOpen = b.open
	}
	return &fakeTx{backend: b, index: len(b.transactions) - 1, record: tx}, nil
}

func (b *FakeBackend) Count(_ *appcontext.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.stored)), nil
}

func (b *FakeBackend) Migrate(_ *appcontext.Context) error {
	return nil
}

func (b *FakeBackend) Ping(_ *appcontext.Context) error {
	return b.PingErr
}

func (b *FakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Stored returns a copy of every committed event.
func (b *FakeBackend) Stored() []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Event(nil), b.stored...)
}

// Transactions returns a snapshot of every transaction begun so far.
func (b *FakeBackend) Transactions() []Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]Transaction, len(b.transactions))
	for i, tx := range b.transactions {
		result[i] = Transaction{
			Batches:    append([][]model.Event(nil), tx.Batches...),
			Committed:  tx.Committed,
			RolledBack: tx.RolledBack,
		}
	}
	return result
}

func (b *FakeBackend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// MaxConcurrentTransactions is the largest number of transactions that were open at the same time.
func (b *FakeBackend) MaxConcurrentTransactions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxOpen
}

func (b *FakeBackend) Prepared() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prepared
}

type fakeTx struct {
	backend *FakeBackend
	index   int
	record  *Transaction
	pending []model.Event
	done    bool
}

func (t *fakeTx) Insert(_ *appcontext.Context, events []model.Event) error {
	if t.backend.OnInsert != nil {
		t.backend.OnInsert(events)
	}
	if t.backend.InsertDelay > 0 {
		time.Sleep(t.backend.InsertDelay)
	}
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	if t.done {
		return errors.New("transaction is finished")
	}
	if len(events) > t.backend.maxInsert {
		return errors.Errorf("insert of %d events exceeds the limit of %d", len(events), t.backend.maxInsert)
	}
	batch := append([]model.Event(nil), events...)
	t.record.Batches = append(t.record.Batches, batch)
	if t.backend.FailInsert != nil && t.backend.FailInsert(batch) {
		return errors.WithStack(ErrInjected)
	}
	t.pending = append(t.pending, batch...)
	return nil
}

func (t *fakeTx) Commit(_ *appcontext.Context) error {
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	if t.done {
		return errors.New("transaction is finished")
	}
	t.done = true
	t.backend.open--
	if t.backend.FailCommit != nil && t.backend.FailCommit(t.index) {
		t.record.RolledBack = true
		return errors.WithStack(ErrInjected)
	}
	t.record.Committed = true
	t.backend.stored = append(t.backend.stored, t.pending...)
	return nil
}

func (t *fakeTx) Rollback(_ *appcontext.Context) error {
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.backend.open--
	t.record.RolledBack = true
	return nil
}
