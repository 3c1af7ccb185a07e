package db

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// anyArgs builds n pgxmock.AnyArg() matchers for expectations that do not
// care about the individual argument values.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newMockDB(t *testing.T) (pgxmock.PgxPoolIface, *DB) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return mock, NewWithPool(mock)
}

func TestNewWithPool(t *testing.T) {
	mock, database := newMockDB(t)

	assert.NotNil(t, database)
	assert.NotNil(t, database.Pool())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealth(t *testing.T) {
	mock, database := newMockDB(t)

	mock.ExpectQuery("SELECT 1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	err := database.Health(context.Background())
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	mock, database := newMockDB(t)

	mock.ExpectQuery("SELECT 1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	err := database.Ping(context.Background())
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}
