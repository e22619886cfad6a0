package database

import (
	"context"
	"os"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/eventwriter/internal/common/util"
)

// TestPostgresEnvVar names the environment variable holding the libpq connection string of a server that
// tests may create throwaway databases on, e.g. "host=localhost port=5432 user=postgres password=psw sslmode=disable".
const TestPostgresEnvVar = "EVENTWRITER_TEST_POSTGRES"

// TestConnectionString returns the server tests should use, if one is configured.
func TestConnectionString() (string, bool) {
	connectionString, ok := os.LookupEnv(TestPostgresEnvVar)
	return connectionString, ok && connectionString != ""
}

// WithTestDb creates a dedicated database named test_<ulid>, applies migrations, runs action against a pool
// connected to it and drops the database afterwards.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool, dbName string) error) error {
	ctx := context.Background()
	connectionString, ok := TestConnectionString()
	if !ok {
		return errors.Errorf("%s is not set", TestPostgresEnvVar)
	}

	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	if _, err = db.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}

	// Connect again: this time to the database we just created.
	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		// disconnect all db users before cleanup
		_, err := db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			log.WithError(err).Warn("Failed to disconnect users")
		}
		if _, err = db.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			log.WithError(err).Warnf("Failed to drop database %s", dbName)
		}
	}()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool, dbName)
}
