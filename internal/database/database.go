package database

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/kkkkikiki/groupbuy/internal/config"
)

//go:embed schema.sql
var schema string

// DB holds the database connection
type DB struct {
	Conn   *sqlx.DB
	Driver string
}

// NewDB creates the database connection selected by config and applies the schema
func NewDB(ctx context.Context, cfg *config.Config) (*DB, error) {
	var (
		conn *sqlx.DB
		err  error
	)
	switch cfg.Database.Driver {
	case "sqlite":
		conn, err = OpenSQLite(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
	default:
		conn, err = openPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	if err := Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{Conn: conn, Driver: cfg.Database.Driver}, nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	postgres, err := sqlx.Open("postgres", cfg.Database.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL: %w", err)
	}

	// Configure connection pool
	postgres.SetMaxOpenConns(cfg.Database.MaxConns)
	postgres.SetMaxIdleConns(cfg.Database.MinConns)
	postgres.SetConnMaxLifetime(time.Hour)

	if err := ping(ctx, postgres, "PostgreSQL"); err != nil {
		return nil, err
	}

	log.Println("Successfully connected to PostgreSQL")
	return postgres, nil
}

// ping checks a freshly opened pool and closes it when the database is unreachable
func ping(ctx context.Context, db *sqlx.DB, name string) error {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping %s: %w", name, err)
	}
	return nil
}

// OpenSQLite opens an embedded SQLite database. SQLite serialises writers, so
// the pool is pinned to a single connection; this also keeps ":memory:"
// databases alive across calls.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		// One timestamp layout (always UTC) keeps lexical comparisons in SQL chronological.
		dsn = path + "?_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := ping(ctx, db, "SQLite"); err != nil {
		return nil, err
	}

	log.Printf("Successfully opened SQLite database %s", path)
	return db, nil
}

// Migrate applies the idempotent schema, one statement at a time so both
// drivers accept it.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks database reachability
func (db *DB) Ping(ctx context.Context) error {
	return db.Conn.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	if err := db.Conn.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", db.Driver, err)
	}

	return nil
}
