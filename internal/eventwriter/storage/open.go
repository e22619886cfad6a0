package storage

import (
	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
	"github.com/armadaproject/eventwriter/internal/common/database"
	"github.com/armadaproject/eventwriter/internal/common/logging"
	"github.com/armadaproject/eventwriter/internal/common/writererrors"
	"github.com/armadaproject/eventwriter/internal/eventwriter/configuration"
)

// Open connects to the backend named by config.Driver, retrying up to config.ConnectAttempts times.
// An unknown driver or schema yields *writererrors.ErrConfiguration; an unreachable database
// *writererrors.ErrConnection.
func Open(ctx *appcontext.Context, config configuration.StorageConfig) (Backend, error) {
	if config.Driver != DriverPostgres && config.Driver != DriverSqlite {
		return nil, errors.WithStack(&writererrors.ErrConfiguration{
			Name:    "storage.driver",
			Value:   config.Driver,
			Message: "supported drivers are postgres and sqlite",
		})
	}
	if !config.SchemaVersion.Valid() {
		return nil, errors.WithStack(&writererrors.ErrConfiguration{
			Name:  "storage.schemaVersion",
			Value: int(config.SchemaVersion),
		})
	}

	attempts := config.ConnectAttempts
	if attempts == 0 {
		attempts = 1
	}
	ctx = appcontext.WithLogField(ctx, "driver", config.Driver)

	var backend Backend
	made := uint(0)
	err := retry.Do(
		func() error {
			made++
			b, err := open(ctx, config)
			if err != nil {
				return err
			}
			backend = b
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(config.ConnectBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logging.WithStacktrace(ctx.Log, err).Warnf("Connection attempt %d of %d failed", n+1, attempts)
		}),
	)
	if err != nil {
		return nil, errors.WithStack(&writererrors.ErrConnection{Driver: config.Driver, Attempts: made, Cause: err})
	}

	if config.MigrateOnStart {
		if err := backend.Migrate(ctx); err != nil {
			_ = backend.Close()
			return nil, errors.WithMessage(err, "migrating storage")
		}
	}
	ctx.Log.Infof("Connected to %s storage using schema %s", config.Driver, config.SchemaVersion)
	return backend, nil
}

func open(ctx *appcontext.Context, config configuration.StorageConfig) (Backend, error) {
	switch config.Driver {
	case DriverSqlite:
		return OpenSqliteBackend(ctx, config.Connection["file"], config.SchemaVersion)
	default:
		db, err := database.OpenPgxPool(ctx, config.Connection, config.MaxConnections)
		if err != nil {
			return nil, err
		}
		backend, err := NewPostgresBackend(db, config.SchemaVersion, config.SectionCacheSize)
		if err != nil {
			db.Close()
			return nil, err
		}
		return backend, nil
	}
}
