package db

import (
	"path/filepath"
	"testing"

	"taskledger/internal/config"
)

func TestRebind(t *testing.T) {
	q := `SELECT id FROM raw_events WHERE event_name=? AND block_time>? LIMIT ?`
	if got := Rebind(config.DriverSQLite, q); got != q {
		t.Fatalf("sqlite query rewritten: %s", got)
	}
	want := `SELECT id FROM raw_events WHERE event_name=$1 AND block_time>$2 LIMIT $3`
	if got := Rebind(config.DriverPostgres, q); got != want {
		t.Fatalf("postgres rebind: %s", got)
	}
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	conn, err := Open(config.DatabaseConfig{Driver: config.DriverSQLite, DSN: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := Open(config.DatabaseConfig{Driver: "mysql"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
