package database

import (
	"context"
	"sort"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

// CreateConnectionString renders libpq key/value pairs, quoting every value.
// Keys are sorted so the result is stable.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "='" + replacer.Replace(values[k]) + "'"
	}
	return strings.Join(pairs, " ")
}

// OpenPgxPool opens a connection pool of at most maxConns connections and checks that the server answers.
// A maxConns of zero keeps the pgx default.
func OpenPgxPool(ctx context.Context, connection map[string]string, maxConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}
	return db, nil
}
