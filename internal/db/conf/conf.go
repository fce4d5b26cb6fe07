// Package conf
package conf

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/amirphl/simple-oms/internal/db/schema"
	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
)

// Config holds an open database handle and the dialect it speaks.
type Config struct {
	Name    string
	Driver  string
	ConnStr string
	DB      *sql.DB
	AdminDB *sql.DB
}

// NewConfig opens a connection pool for driver ("postgres" or "sqlite").
func NewConfig(driver, connStr string, maxOpen, maxIdle int) (*Config, error) {
	switch driver {
	case schema.DialectPostgres, schema.DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if connStr == "" {
		return nil, fmt.Errorf("empty connection string for %s", driver)
	}

	dsn := connStr
	memory := false
	if driver == schema.DialectSQLite {
		dsn = sqliteDSN(connStr)
		// every connection to :memory: is a separate database
		if isMemoryDSN(connStr) {
			memory = true
			maxOpen, maxIdle = 1, 1
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	// closing the only connection would drop an in-memory database
	if !memory {
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	return &Config{Driver: driver, ConnStr: connStr, DB: db}, nil
}

var sqlitePragmas = []string{"foreign_keys(1)", "journal_mode(WAL)", "busy_timeout(5000)"}

// sqliteDSN adds the pragmas every pooled connection needs to connStr.
// The driver runs _pragma parameters on each new connection.
func sqliteDSN(connStr string) string {
	base, query, _ := strings.Cut(connStr, "?")
	q, err := url.ParseQuery(query)
	if err != nil {
		return connStr
	}
	set := make(map[string]bool)
	for _, p := range q["_pragma"] {
		name, _, _ := strings.Cut(p, "(")
		set[strings.ToLower(strings.TrimSpace(name))] = true
	}
	for _, p := range sqlitePragmas {
		name, _, _ := strings.Cut(p, "(")
		if !set[name] {
			q.Add("_pragma", p)
		}
	}
	return base + "?" + q.Encode()
}

func isMemoryDSN(connStr string) bool {
	return strings.Contains(connStr, ":memory:") || strings.Contains(connStr, "mode=memory")
}

// NewTestConfig creates an isolated database with the schema applied.
// When TEST_POSTGRES_DSN points at a Postgres server a database with a
// random name is created there; otherwise an in-memory SQLite database is
// used. The returned function releases everything.
func NewTestConfig(t *testing.T) (*Config, func()) {
	t.Helper()

	adminConnStr := os.Getenv("TEST_POSTGRES_DSN")
	if adminConnStr == "" {
		return newSQLiteTestConfig(t)
	}

	adminDB, err := sql.Open("postgres", adminConnStr)
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}
	if err := adminDB.Ping(); err != nil {
		adminDB.Close()
		t.Skipf("Skipping test: PostgreSQL is not running or not accessible: %v", err)
		return nil, func() {}
	}

	// random name to avoid conflicts between packages running in parallel
	dbName := fmt.Sprintf("test_oms_%d", rand.Int31())
	if _, err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		adminDB.Close()
		t.Fatalf("Failed to create test database: %v", err)
	}

	u, err := url.Parse(adminConnStr)
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to parse TEST_POSTGRES_DSN: %v", err)
	}
	u.Path = "/" + dbName

	cfg, err := NewConfig(schema.DialectPostgres, u.String(), 4, 2)
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := schema.Apply(context.Background(), cfg.DB, schema.DialectPostgres); err != nil {
		cfg.DB.Close()
		adminDB.Close()
		t.Fatalf("Failed to apply schema: %v", err)
	}
	cfg.Name = dbName
	cfg.AdminDB = adminDB

	cleanup := func() {
		cfg.DB.Close()
		if _, err := adminDB.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName)); err != nil {
			t.Logf("Warning: Failed to drop test database %s: %v", dbName, err)
		}
		adminDB.Close()
	}
	return cfg, cleanup
}

func newSQLiteTestConfig(t *testing.T) (*Config, func()) {
	t.Helper()

	cfg, err := NewConfig(schema.DialectSQLite, ":memory:", 1, 1)
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	if err := schema.Apply(context.Background(), cfg.DB, schema.DialectSQLite); err != nil {
		cfg.DB.Close()
		t.Fatalf("Failed to apply schema: %v", err)
	}
	cfg.Name = ":memory:"
	return cfg, func() { cfg.DB.Close() }
}
