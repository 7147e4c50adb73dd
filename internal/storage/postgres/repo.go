// Package postgres is the Postgres warehouse backend built on pgx.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricestar/internal/storage"
)

// maxParams stays under the wire protocol's 65535 parameter limit.
const maxParams = 65000

func init() {
	storage.Register("postgres", New)
}

// Repo implements storage.Repository for Postgres.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a pool for cfg.DSN and verifies it with a ping.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates schemas and tables that do not exist yet.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, tableSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// InsertRows inserts all chunks in one transaction with
// ON CONFLICT (conflictColumns) DO NOTHING.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := storage.CheckRows(columns, rows); err != nil {
		return 0, err
	}
	if _, err := storage.ColumnIndices(columns, conflictColumns); err != nil {
		return 0, err
	}

	var total int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, part := range storage.Chunk(rows, len(columns), maxParams) {
			q, args := buildInsertSQL(table, columns, part, conflictColumns)
			cmd, err := tx.Exec(ctx, q, args...)
			if err != nil {
				return fmt.Errorf("insert into %s: %w", table, err)
			}
			total += cmd.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+pgTableIdent(table)).Scan(&n)
	return n, err
}

// buildInsertSQL constructs a single INSERT with $n placeholders.
//
// Postgres collapses duplicates inside one statement under DO NOTHING, so
// no client-side dedupe is needed.
func buildInsertSQL(table string, columns []string, rows [][]any, conflictColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(conflictColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(conflictColumns))
		b.WriteString(") DO NOTHING")
	}
	return b.String(), args
}

func columnType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInteger:
		return "BIGINT"
	case storage.TypeDate:
		return "DATE"
	case storage.TypeDecimal:
		return "NUMERIC(12,2)"
	default:
		return "TEXT"
	}
}

// buildColumnDef renders a single column definition with an inline
// REFERENCES clause.
func buildColumnDef(c storage.ColumnSpec) string {
	var b strings.Builder
	b.WriteString(pgIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(columnType(c.Type))
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.References != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
	}
	return b.String()
}

// buildCreateSQL returns an optional CREATE SCHEMA (for "schema.table"
// names) and the CREATE TABLE IF NOT EXISTS statement.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", err
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = "CREATE SCHEMA IF NOT EXISTS " + pgIdent(schema)
	}

	parts := make([]string, 0, len(t.Columns)+1+len(t.Unique))
	for _, c := range t.Columns {
		parts = append(parts, buildColumnDef(c))
	}
	if len(t.PrimaryKey) > 0 {
		parts = append(parts, "PRIMARY KEY ("+joinIdents(t.PrimaryKey)+")")
	}
	for _, u := range t.Unique {
		parts = append(parts, "UNIQUE ("+joinIdents(u)+")")
	}

	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pgTableIdent(t.Name), strings.Join(parts, ", "))
	return schemaSQL, tableSQL, nil
}

// splitQualifiedName splits "schema.table"; anything else is unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	parts := strings.Split(strings.TrimSpace(name), ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func pgTableIdent(name string) string {
	if schema, table := splitQualifiedName(name); schema != "" {
		return pgx.Identifier{schema, table}.Sanitize()
	}
	return pgIdent(name)
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}
