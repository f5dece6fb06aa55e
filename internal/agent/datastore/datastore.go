// Package datastore provisions and removes local databases for deployed
// apps (§4.5 CONFIGURE_DATABASE / RECONFIGURE_DATABASE / REMOVE_DATABASE).
// Grounded on the teacher's internal/db package: lib/pq as the
// database/sql driver, a validated Config before any connection string is
// built, and the same "reject anything that isn't a plain identifier"
// guard the teacher applies to connection parameters, here applied to
// database/role names since they are interpolated into DDL that
// database/sql cannot parameterize.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	_ "github.com/lib/pq"

	"github.com/nodefleet/controlplane/internal/protocol"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidIdentifier is returned when a database/role name isn't a safe
// bare SQL identifier (CREATE DATABASE/ROLE cannot be parameterized via
// database/sql placeholders).
var ErrInvalidIdentifier = fmt.Errorf("invalid identifier")

// Credentials describes a provisioned database's connection details.
// Password is only ever populated on the return value of Configure, never
// logged or persisted by this package.
type Credentials struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// Provisioner provisions Postgres roles and databases on the local host
// using an administrative connection.
type Provisioner struct {
	adminDSN string
	db       *sql.DB // set by NewForTesting to inject a sqlmock connection
	log      zerolog.Logger
}

// New constructs a Provisioner that connects as adminDSN (typically a
// local superuser) to create per-app roles and databases.
func New(adminDSN string, log zerolog.Logger) *Provisioner {
	return &Provisioner{adminDSN: adminDSN, log: log.With().Str("component", "datastore").Logger()}
}

// NewForTesting constructs a Provisioner around an already-open *sql.DB
// (a sqlmock connection in tests), mirroring the teacher's
// db.NewDatabaseForTesting escape hatch.
func NewForTesting(db *sql.DB, log zerolog.Logger) *Provisioner {
	return &Provisioner{db: db, log: log}
}

func (p *Provisioner) conn() (*sql.DB, func(), error) {
	if p.db != nil {
		return p.db, func() {}, nil
	}
	db, err := sql.Open("postgres", p.adminDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open admin connection: %w", err)
	}
	return db, func() { db.Close() }, nil
}

// Configure runs CONFIGURE_DATABASE/RECONFIGURE_DATABASE for Postgres:
// creates a role and database named after payload.Name where they are
// missing, sets a fresh random password on the role (new or existing), and
// returns connection credentials. Only the Postgres engine is implemented;
// MySQL/Redis provisioning is out of scope for a host with no matching
// driver wired (see DESIGN.md).
func (p *Provisioner) Configure(ctx context.Context, payload protocol.ConfigureDatabasePayload) (Credentials, error) {
	if payload.Engine != protocol.DatabaseEnginePostgres {
		return Credentials{}, fmt.Errorf("unsupported database engine %q", payload.Engine)
	}
	if !identifierPattern.MatchString(payload.Name) {
		return Credentials{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, payload.Name)
	}

	db, closeConn, err := p.conn()
	if err != nil {
		return Credentials{}, err
	}
	defer closeConn()

	password, err := randomPassword()
	if err != nil {
		return Credentials{}, fmt.Errorf("generate password: %w", err)
	}

	role := payload.Name
	exists, err := roleExists(ctx, db, role)
	if err != nil {
		return Credentials{}, err
	}
	if !exists {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE ROLE %s WITH LOGIN PASSWORD '%s'`, role, escapeLiteral(password))); err != nil {
			return Credentials{}, fmt.Errorf("create role: %w", err)
		}
	} else {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER ROLE %s WITH PASSWORD '%s'`, role, escapeLiteral(password))); err != nil {
			return Credentials{}, fmt.Errorf("reset role password: %w", err)
		}
	}

	dbExists, err := databaseExists(ctx, db, payload.Name)
	if err != nil {
		return Credentials{}, err
	}
	if !dbExists {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE DATABASE %s OWNER %s`, payload.Name, role)); err != nil {
			return Credentials{}, fmt.Errorf("create database: %w", err)
		}
	}

	p.log.Info().Str("databaseId", payload.DatabaseID).Str("name", payload.Name).Msg("database provisioned")
	return Credentials{Host: "127.0.0.1", Port: 5432, Name: payload.Name, User: role, Password: password}, nil
}

// Remove runs REMOVE_DATABASE: drops the database, and the role too when
// purgeData is set (otherwise the role is left in place in case another
// app still references it).
func (p *Provisioner) Remove(ctx context.Context, payload protocol.RemoveDatabasePayload) error {
	if !identifierPattern.MatchString(payload.DatabaseID) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, payload.DatabaseID)
	}

	db, closeConn, err := p.conn()
	if err != nil {
		return err
	}
	defer closeConn()

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %s`, payload.DatabaseID)); err != nil {
		return fmt.Errorf("drop database: %w", err)
	}
	if payload.PurgeData {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP ROLE IF EXISTS %s`, payload.DatabaseID)); err != nil {
			return fmt.Errorf("drop role: %w", err)
		}
	}
	p.log.Info().Str("databaseId", payload.DatabaseID).Bool("purged", payload.PurgeData).Msg("database removed")
	return nil
}

func roleExists(ctx context.Context, db *sql.DB, role string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, role).Scan(&exists)
	return exists, err
}

func databaseExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	return exists, err
}

func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
