package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
)

const DatabaseTypeSqlite = "sqlite"
const DatabaseTypePostgres = "postgres"

// Database wraps the sql handle together with the dialect differences the
// stores need: placeholder style, the server-side epoch expression used for
// lock timestamps, and a write lock serializing writers on sqlite.
type Database struct {
	db       *sql.DB
	dbType   string
	writeMu  sync.Mutex
	nowEpoch string
}

// OpenDatabase opens the configured backend. Sqlite runs in WAL mode with a
// single in-process writer; postgres pools connections per the config.
func OpenDatabase(config *configuration.FlotillaConfig) (*Database, error) {
	switch config.DatabaseType {
	case DatabaseTypeSqlite:
		dbDir := filepath.Dir(config.DatabasePath)
		if _, err := os.Stat(dbDir); os.IsNotExist(err) {
			if errMkDir := os.MkdirAll(dbDir, 0o755); errMkDir != nil {
				return nil, errors.Wrapf(errMkDir, "could not make directory at %s for sqlite db", dbDir)
			}
		}
		db, err := sql.Open("sqlite", config.DatabasePath)
		if err != nil {
			return nil, errors.Wrapf(err, "error opening sqlite DB from %s", config.DatabasePath)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, errors.WithStack(err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, errors.WithStack(err)
		}
		return &Database{db: db, dbType: DatabaseTypeSqlite, nowEpoch: "CAST(strftime('%s','now') AS INTEGER)"}, nil

	case DatabaseTypePostgres:
		db, err := sql.Open("pgx", createConnectionString(config.PostgresConfig.Connection))
		if err != nil {
			return nil, errors.Wrap(err, "error opening postgres connection")
		}
		db.SetMaxOpenConns(config.PostgresConfig.PoolMaxOpenConns)
		db.SetMaxIdleConns(config.PostgresConfig.PoolMaxIdleConns)
		db.SetConnMaxLifetime(config.PostgresConfig.PoolMaxConnLifetime)
		return &Database{db: db, dbType: DatabaseTypePostgres, nowEpoch: "extract(epoch from now())::bigint"}, nil

	default:
		return nil, errors.Errorf("unknown database type %q, must be %q or %q",
			config.DatabaseType, DatabaseTypeSqlite, DatabaseTypePostgres)
	}
}

// OpenSqliteInMemory returns a sqlite database for tests.
func OpenSqliteInMemory() (*Database, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	// in-memory sqlite loses the schema when its one connection closes
	db.SetMaxOpenConns(1)
	return &Database{db: db, dbType: DatabaseTypeSqlite, nowEpoch: "CAST(strftime('%s','now') AS INTEGER)"}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Check() error {
	return d.db.Ping()
}

// lock serializes writers on sqlite, which supports only one at a time.
// On postgres it is a no-op.
func (d *Database) lock() func() {
	if d.dbType != DatabaseTypeSqlite {
		return func() {}
	}
	d.writeMu.Lock()
	return d.writeMu.Unlock
}

// rebind rewrites ? placeholders to the $n style postgres expects. Statements
// are written with ? and each parameter used exactly once, in order.
func (d *Database) rebind(query string) string {
	if d.dbType != DatabaseTypePostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func (d *Database) exec(query string, args ...interface{}) (sql.Result, error) {
	res, err := d.db.Exec(d.rebind(query), args...)
	if err != nil {
		return nil, wrapDatabaseError(err)
	}
	return res, nil
}

func (d *Database) queryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(d.rebind(query), args...)
}

func (d *Database) query(query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := d.db.Query(d.rebind(query), args...)
	if err != nil {
		return nil, wrapDatabaseError(err)
	}
	return rows, nil
}

// wrapDatabaseError classifies connection-level failures as transient so
// callers can retry with backoff instead of failing jobs.
func wrapDatabaseError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsConnectionException(pgErr.Code) || pgerrcode.IsOperatorIntervention(pgErr.Code) {
			return errors.WithStack(&flotillaerrors.ErrTransientInfra{Source: "database", Inner: err})
		}
		return errors.WithStack(err)
	}
	if flotillaerrors.IsRetryable(err) {
		return errors.WithStack(&flotillaerrors.ErrTransientInfra{Source: "database", Inner: err})
	}
	return errors.WithStack(err)
}

// createConnectionString builds a libpq keyword/value string.
// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
func createConnectionString(values map[string]string) string {
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		result += fmt.Sprintf("%s='%s' ", k, replacer.Replace(v))
	}
	return result
}
