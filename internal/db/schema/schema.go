// Package schema holds the SQL schema of the order store for every
// supported dialect.
package schema

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

//go:embed postgres.sql sqlite.sql
var files embed.FS

// SQL returns the raw schema script for a dialect.
func SQL(dialect string) (string, error) {
	var name string
	switch dialect {
	case DialectPostgres:
		name = "postgres.sql"
	case DialectSQLite:
		name = "sqlite.sql"
	default:
		return "", fmt.Errorf("unsupported dialect: %s", dialect)
	}
	data, err := files.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return string(data), nil
}

// Statements splits the schema script into individual statements.
func Statements(dialect string) ([]string, error) {
	script, err := SQL(dialect)
	if err != nil {
		return nil, err
	}
	var statements []string
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		statements = append(statements, stmt)
	}
	return statements, nil
}

// Apply creates every table and index that does not exist yet.
func Apply(ctx context.Context, db *sql.DB, dialect string) error {
	statements, err := Statements(dialect)
	if err != nil {
		return err
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %s: %w", stmt, err)
		}
	}
	return nil
}
