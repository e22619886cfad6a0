package storage

import (
	"database/sql"
	"embed"
	"path"
	"strings"

	"github.com/pkg/errors"
	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
)

//go:embed schema/sqlite/*.sql
var sqliteMigrations embed.FS

// The portable SQLITE_MAX_VARIABLE_NUMBER; builds before 3.32 default to it.
const sqliteMaxParameters = 999

// SqliteBackend stores events in a single SQLite file. SQLite allows one writer at a time, so the pool holds a
// single connection and concurrent transactions queue for it.
type SqliteBackend struct {
	db         *sql.DB
	statements statements
}

func OpenSqliteBackend(ctx *appcontext.Context, file string, schema model.SchemaVersion) (*SqliteBackend, error) {
	if file == "" {
		return nil, errors.New("sqlite database file is required")
	}
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	return &SqliteBackend{db: db, statements: newStatements("sqlite3", schema)}, nil
}

func (b *SqliteBackend) Driver() string {
	return DriverSqlite
}

func (b *SqliteBackend) Schema() model.SchemaVersion {
	return b.statements.schema
}

func (b *SqliteBackend) MaxInsertSize() int {
	return b.statements.maxRows(sqliteMaxParameters)
}

// Prepare is a no-op: SQLite keeps every parameter in one table.
func (b *SqliteBackend) Prepare(_ *appcontext.Context, _ []model.Event) error {
	return nil
}

func (b *SqliteBackend) Begin(ctx *appcontext.Context) (Tx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &sqliteTx{tx: tx, statements: b.statements}, nil
}

func (b *SqliteBackend) Count(ctx *appcontext.Context) (int64, error) {
	query, args, err := b.statements.count()
	if err != nil {
		return 0, err
	}
	var n int64
	err = b.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, errors.WithStack(err)
}

// Migrate applies every embedded schema file. The statements are idempotent.
func (b *SqliteBackend) Migrate(ctx *appcontext.Context) error {
	files, err := sqliteMigrations.ReadDir("schema/sqlite")
	if err != nil {
		return errors.WithStack(err)
	}
	for _, f := range files {
		contents, err := sqliteMigrations.ReadFile(path.Join("schema/sqlite", f.Name()))
		if err != nil {
			return errors.WithStack(err)
		}
		for _, stmt := range strings.Split(string(contents), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := b.db.ExecContext(ctx, stmt); err != nil {
				return errors.WithMessagef(err, "applying %s", f.Name())
			}
		}
		ctx.Log.Infof("Applied sqlite schema %s", f.Name())
	}
	return nil
}

func (b *SqliteBackend) Ping(ctx *appcontext.Context) error {
	return errors.WithStack(b.db.PingContext(ctx))
}

func (b *SqliteBackend) Close() error {
	return errors.WithStack(b.db.Close())
}

type sqliteTx struct {
	tx         *sql.Tx
	statements statements
}

func (t *sqliteTx) Insert(ctx *appcontext.Context, events []model.Event) error {
	query, args, err := t.statements.insert(events)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, query, args...)
	return errors.WithStack(err)
}

func (t *sqliteTx) Commit(_ *appcontext.Context) error {
	return errors.WithStack(t.tx.Commit())
}

func (t *sqliteTx) Rollback(_ *appcontext.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return errors.WithStack(err)
}
