package db

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsUnsafeHost(t *testing.T) {
	err := validate(Config{Host: "host; DROP TABLE nodes;--", Port: "5432", User: "cp", DBName: "cp"})
	require.Error(t, err)
}

func TestValidateRejectsBadPort(t *testing.T) {
	err := validate(Config{Host: "localhost", Port: "not-a-port", User: "cp", DBName: "cp"})
	require.Error(t, err)
}

func TestValidateRejectsUnsafeSSLMode(t *testing.T) {
	err := validate(Config{Host: "localhost", Port: "5432", User: "cp", DBName: "cp", SSLMode: "trust-me"})
	require.Error(t, err)
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	err := validate(Config{Host: "localhost", Port: "5432", User: "cp", DBName: "controlplane", SSLMode: "require"})
	require.NoError(t, err)
}

func TestMigrateRunsEveryStatement(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 9; i++ {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	database := OpenForTesting(conn)
	require.NoError(t, database.Migrate())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsOnFirstError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec(".*").WillReturnError(require.AnError)

	database := OpenForTesting(conn)
	require.Error(t, database.Migrate())
}
