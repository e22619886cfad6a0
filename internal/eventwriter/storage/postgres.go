package storage

import (
	"embed"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/common/database"
	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
)

//go:embed schema/postgres/*.sql
var postgresMigrations embed.FS

// Postgres refuses statements with more bind parameters than this.
const postgresMaxParameters = 65535

// PostgresBackend stores events through a pgx connection pool. Under SchemaV2 every parameter id has its own
// partition ("section") of parameter_events_v2, created the first time the id is written.
type PostgresBackend struct {
	db         *pgxpool.Pool
	statements statements
	// Parameter ids whose section is known to exist.
	sections *lru.Cache
}

func NewPostgresBackend(db *pgxpool.Pool, schema model.SchemaVersion, sectionCacheSize int) (*PostgresBackend, error) {
	if sectionCacheSize < 1 {
		sectionCacheSize = 1
	}
	sections, err := lru.New(sectionCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &PostgresBackend{
		db:         db,
		statements: newStatements("postgres", schema),
		sections:   sections,
	}, nil
}

func (b *PostgresBackend) Driver() string {
	return DriverPostgres
}

func (b *PostgresBackend) Schema() model.SchemaVersion {
	return b.statements.schema
}

func (b *PostgresBackend) MaxInsertSize() int {
	return b.statements.maxRows(postgresMaxParameters)
}

func (b *PostgresBackend) Prepare(ctx *appcontext.Context, events []model.Event) error {
	if b.Schema() != model.SchemaV2 {
		return nil
	}
	for _, id := range parameterIds(events) {
		if b.sections.Contains(id) {
			continue
		}
		if err := b.createSection(ctx, id); err != nil {
			return err
		}
		b.sections.Add(id, struct{}{})
	}
	return nil
}

func (b *PostgresBackend) createSection(ctx *appcontext.Context, id int32) error {
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN (%d)",
		pq.QuoteIdentifier(sectionName(id)), pq.QuoteIdentifier(tableV2), id,
	)
	_, err := b.db.Exec(ctx, stmt)
	// Another writer creating the same section concurrently is fine.
	if err != nil && !database.HasCode(err, pgerrcode.DuplicateTable, pgerrcode.UniqueViolation) {
		return errors.WithMessagef(err, "creating section for parameter %d", id)
	}
	ctx.Log.Debugf("Section for parameter %d is ready", id)
	return nil
}

func sectionName(id int32) string {
	if id < 0 {
		return fmt.Sprintf("%s_n%d", tableV2, -int64(id))
	}
	return fmt.Sprintf("%s_p%d", tableV2, id)
}

// parameterIds returns the distinct parameter ids of events in order of first appearance.
func parameterIds(events []model.Event) []int32 {
	seen := make(map[int32]bool)
	var ids []int32
	for _, e := range events {
		if !seen[e.ParameterId] {
			seen[e.ParameterId] = true
			ids = append(ids, e.ParameterId)
		}
	}
	return ids
}

func (b *PostgresBackend) Begin(ctx *appcontext.Context) (Tx, error) {
	tx, err := b.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.NotDeferrable,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &postgresTx{tx: tx, statements: b.statements}, nil
}

func (b *PostgresBackend) Count(ctx *appcontext.Context) (int64, error) {
	sql, args, err := b.statements.count()
	if err != nil {
		return 0, err
	}
	var n int64
	err = b.db.QueryRow(ctx, sql, args...).Scan(&n)
	return n, errors.WithStack(err)
}

func (b *PostgresBackend) Migrate(ctx *appcontext.Context) error {
	migrations, err := database.ReadMigrations(postgresMigrations, "schema/postgres")
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, b.db, migrations)
}

func (b *PostgresBackend) Ping(ctx *appcontext.Context) error {
	return errors.WithStack(b.db.Ping(ctx))
}

func (b *PostgresBackend) Close() error {
	b.db.Close()
	return nil
}

type postgresTx struct {
	tx         pgx.Tx
	statements statements
}

func (t *postgresTx) Insert(ctx *appcontext.Context, events []model.Event) error {
	sql, args, err := t.statements.insert(events)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, sql, args...)
	return errors.WithStack(err)
}

func (t *postgresTx) Commit(ctx *appcontext.Context) error {
	return errors.WithStack(t.tx.Commit(ctx))
}

func (t *postgresTx) Rollback(ctx *appcontext.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return errors.WithStack(err)
}
