package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"taskledger/internal/db"
)

// Repo is the SQL store behind the event log, the projection and the side
// tables. The same queries run on sqlite and postgres.
type Repo struct {
	DB     *sql.DB
	Driver string
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(conn *sql.DB, driver string) Repo {
	return Repo{DB: conn, Driver: driver}
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Driver, query)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// placeholders returns "?,?,?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
