package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// The PostgreSQL backend shares its scan helpers and semantics with
// SQLite (covered by store_test.go); these tests pin the $n SQL it
// emits without needing a live database.

func TestPostgresConfig_DSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db.internal", User: "gate", Password: "s3cret", Database: "toolgate"}
	dsn := cfg.DSN()
	for _, want := range []string{"host=db.internal", "port=5432", "sslmode=require", "dbname=toolgate"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN %q missing %q", dsn, want)
		}
	}

	cfg.Port = 6432
	cfg.SSLMode = "disable"
	dsn = cfg.DSN()
	if !strings.Contains(dsn, "port=6432") || !strings.Contains(dsn, "sslmode=disable") {
		t.Errorf("DSN %q should honor explicit port and sslmode", dsn)
	}
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: db}, mock
}

func TestPostgresStore_GetServer(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	cols := []string{"id", "name", "description", "transport", "command", "args", "env", "url", "headers", "enabled", "status", "error_message", "created_at", "updated_at"}
	mock.ExpectQuery(`SELECT .+ FROM servers WHERE id = \$1`).
		WithArgs("files").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"files", "File Server", "", "stdio", "file-server",
			`["--root","/srv"]`, `{"LOG_LEVEL":"info"}`, "", `{}`,
			true, "active", "", now, now))

	srv, err := store.GetServer(context.Background(), "files")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if srv.Status != ServerStatusActive {
		t.Errorf("status = %q, want active", srv.Status)
	}
	if len(srv.Args) != 2 || srv.Args[0] != "--root" {
		t.Errorf("args = %v, want [--root /srv]", srv.Args)
	}
	if srv.Env["LOG_LEVEL"] != "info" {
		t.Errorf("env = %v", srv.Env)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStore_SetServerStatus_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE servers SET status = \$1`).
		WithArgs("active", "", sqlmock.AnyArg(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetServerStatus(context.Background(), "ghost", ServerStatusActive, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStore_ReplaceCatalog_Commits(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM tools WHERE server_id = \$1`).
		WithArgs("srv").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO tools`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO tools`).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := store.ReplaceCatalog(context.Background(), "srv", []*ToolRecord{
		{Name: "one", Enabled: true},
		{Name: "two", Enabled: true},
	})
	if err != nil {
		t.Fatalf("ReplaceCatalog: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStore_ReplaceCatalog_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM tools WHERE server_id = \$1`).
		WithArgs("srv").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO tools`).
		WillReturnError(fmt.Errorf("duplicate key"))
	mock.ExpectRollback()

	err := store.ReplaceCatalog(context.Background(), "srv", []*ToolRecord{{Name: "bad"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "insert tool bad") {
		t.Errorf("err = %v, want insert tool context", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStore_ListExecutions_Pagination(t *testing.T) {
	store, mock := newMockStore(t)

	rec := `{"id":"e1","input_text":"hi","status":"success","started_at":"2026-03-01T12:00:00Z","completed_at":"2026-03-01T12:00:01Z"}`
	mock.ExpectQuery(`SELECT record FROM executions WHERE true AND user_id = \$1 ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("alice", 10, 20).
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(rec))

	out, err := store.ListExecutions(context.Background(), ListExecutionsOptions{UserID: "alice", Limit: 10, Offset: 20})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(out) != 1 || out[0].ID != "e1" {
		t.Fatalf("out = %v, want [e1]", out)
	}
	if out[0].Status != ExecutionSuccess {
		t.Errorf("status = %s, want success", out[0].Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
