package storage

import (
	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
)

const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"
)

// Backend is a relational store that event batches are written to.
type Backend interface {
	Driver() string
	Schema() model.SchemaVersion
	// MaxInsertSize is the largest number of events a single insert statement can carry.
	MaxInsertSize() int
	// Prepare readies storage for events that are about to be written, e.g. by creating missing parameter
	// sections. It runs outside of any transaction.
	Prepare(ctx *appcontext.Context, events []model.Event) error
	Begin(ctx *appcontext.Context) (Tx, error)
	// Count returns the number of stored events for the backend's schema.
	Count(ctx *appcontext.Context) (int64, error)
	// Migrate creates or upgrades the tables events are stored in.
	Migrate(ctx *appcontext.Context) error
	Ping(ctx *appcontext.Context) error
	Close() error
}

// Tx is one storage transaction. After Commit or Rollback it must not be used again.
type Tx interface {
	// Insert writes events with a single multi-row statement.
	Insert(ctx *appcontext.Context, events []model.Event) error
	Commit(ctx *appcontext.Context) error
	Rollback(ctx *appcontext.Context) error
}
