package storage

import (
	"github.com/doug-martin/goqu/v9"
	// Register the SQL dialects used by the backends.
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/pkg/errors"

	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
)

const (
	tableV1 = "parameter_events"
	tableV2 = "parameter_events_v2"
)

var (
	columnsV1 = []interface{}{"parameter_name", "event_time", "event_value", "event_status"}
	columnsV2 = []interface{}{"parameter_id", "event_time", "event_value", "event_status"}
)

// statements builds the parameterized SQL a backend executes for one schema version.
type statements struct {
	dialect goqu.DialectWrapper
	schema  model.SchemaVersion
}

func newStatements(dialect string, schema model.SchemaVersion) statements {
	return statements{dialect: goqu.Dialect(dialect), schema: schema}
}

func (s statements) table() string {
	if s.schema == model.SchemaV2 {
		return tableV2
	}
	return tableV1
}

func (s statements) columns() []interface{} {
	if s.schema == model.SchemaV2 {
		return columnsV2
	}
	return columnsV1
}

// maxRows is the largest insert that stays within maxParameters bind parameters.
func (s statements) maxRows(maxParameters int) int {
	return maxParameters / len(s.columns())
}

func (s statements) row(e model.Event) goqu.Vals {
	if s.schema == model.SchemaV2 {
		return goqu.Vals{e.ParameterId, e.Time, e.Value, e.Status}
	}
	return goqu.Vals{e.ParameterName, e.Time, e.Value, e.Status}
}

// insert renders a single multi-row INSERT with one bind parameter per value.
func (s statements) insert(events []model.Event) (string, []interface{}, error) {
	if len(events) == 0 {
		return "", nil, errors.New("cannot build an insert for zero events")
	}
	rows := make([][]interface{}, len(events))
	for i, e := range events {
		rows[i] = s.row(e)
	}
	sql, args, err := s.dialect.
		Insert(s.table()).
		Prepared(true).
		Cols(s.columns()...).
		Vals(rows...).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func (s statements) count() (string, []interface{}, error) {
	sql, args, err := s.dialect.
		From(s.table()).
		Select(goqu.COUNT(goqu.Star())).
		ToSQL()
	return sql, args, errors.WithStack(err)
}
