package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	defaultSQLite  = "hotelcore.db"
	memorySQLite   = ":memory:"

	postgresMaxOpenConns = 16
	postgresConnLifetime = 30 * time.Minute
	sqliteBusyTimeoutMS  = 5000
)

var (
	errUnsupportedDatabase = errors.New("unsupported database scheme")
	errEmptyDatabaseURL    = errors.New("database url is empty")
)

// databaseTarget is a parsed database URL: the gorm driver and the DSN it opens.
type databaseTarget struct {
	Driver string
	DSN    string
	// Path is the sqlite file, or memorySQLite.
	Path string
}

// parseDatabaseURL accepts postgres URLs, libpq key/value strings, sqlite://
// URLs and bare sqlite paths.
func parseDatabaseURL(raw string) (databaseTarget, error) {
	dsn := strings.TrimSpace(raw)
	switch {
	case dsn == "":
		return databaseTarget{}, errEmptyDatabaseURL
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return databaseTarget{Driver: driverPostgres, DSN: dsn}, nil
	case isKeyValueDSN(dsn):
		return databaseTarget{Driver: driverPostgres, DSN: dsn}, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		parsed, err := url.Parse(dsn)
		if err != nil {
			return databaseTarget{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Host + parsed.Path
		if path == "" || path == "/" {
			path = defaultSQLite
		}
		return sqliteTarget(path)
	case strings.Contains(dsn, "://"):
		scheme, _, _ := strings.Cut(dsn, "://")
		return databaseTarget{}, fmt.Errorf("%w %q", errUnsupportedDatabase, scheme)
	default:
		return sqliteTarget(dsn)
	}
}

func isKeyValueDSN(dsn string) bool {
	for _, field := range strings.Fields(dsn) {
		key, _, ok := strings.Cut(field, "=")
		if ok && (key == "host" || key == "dbname") {
			return true
		}
	}
	return false
}

func sqliteTarget(path string) (databaseTarget, error) {
	pragmas := url.Values{}
	pragmas.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", sqliteBusyTimeoutMS))
	pragmas.Add("_pragma", "foreign_keys(1)")
	if path == memorySQLite {
		return databaseTarget{Driver: driverSQLite, DSN: "file::memory:?cache=shared&" + pragmas.Encode(), Path: memorySQLite}, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return databaseTarget{}, fmt.Errorf("create sqlite directory: %w", err)
	}
	pragmas.Add("_pragma", "journal_mode(WAL)")
	return databaseTarget{Driver: driverSQLite, DSN: path + "?" + pragmas.Encode(), Path: path}, nil
}

func openDatabase(ctx context.Context, raw string) (*gorm.DB, databaseTarget, func() error, error) {
	target, err := parseDatabaseURL(raw)
	if err != nil {
		return nil, databaseTarget{}, nil, err
	}

	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	var dialector gorm.Dialector
	switch target.Driver {
	case driverPostgres:
		dialector = postgres.Open(target.DSN)
	case driverSQLite:
		dialector = sqlite.Open(target.DSN)
	default:
		return nil, databaseTarget{}, nil, fmt.Errorf("%w %q", errUnsupportedDatabase, target.Driver)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, databaseTarget{}, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, databaseTarget{}, nil, err
	}
	switch target.Driver {
	case driverSQLite:
		// sqlite serializes writers; one connection avoids SQLITE_BUSY under the workers.
		sqlDB.SetMaxOpenConns(1)
	case driverPostgres:
		sqlDB.SetMaxOpenConns(postgresMaxOpenConns)
		sqlDB.SetConnMaxLifetime(postgresConnLifetime)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, databaseTarget{}, nil, fmt.Errorf("ping %s: %w", target.Driver, err)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), target, cleanup, nil
}
