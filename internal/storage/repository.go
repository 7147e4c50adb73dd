// Package storage defines the warehouse repository used by the export
// command and a registry of SQL backends.
//
// Backends register themselves from init() under a kind ("sqlite",
// "postgres", "mssql"). Importing pricestar/internal/storage/all links
// every backend into a binary.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the backend-agnostic warehouse interface.
//
// Each backend implements insert-or-ignore in its own idiom (SQLite OR
// IGNORE, Postgres ON CONFLICT DO NOTHING, SQL Server NOT EXISTS).
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	// EnsureTables creates missing tables. Existing tables are left alone.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// InsertRows inserts rows and skips any row whose conflictColumns match
	// an existing row or an earlier row of the same call. It returns the
	// number of rows actually inserted.
	//
	// conflictColumns must be covered by a primary key or unique
	// constraint of the table.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error)

	// CountRows returns the number of rows in table.
	CountRows(ctx context.Context, table string) (int64, error)
}

// Factory opens a Repository for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under kind.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New opens a Repository using the backend registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind %q (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}
