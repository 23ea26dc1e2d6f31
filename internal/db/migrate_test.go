package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:db_migrate_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	return conn
}

func TestMigrateCreatesTables(t *testing.T) {
	conn := openTestDB(t)
	if missing := MissingTables(conn); len(missing) == 0 {
		t.Fatalf("expected missing tables before migrate")
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, table := range []string{"forms", "form_meta", "submissions", "submission_dispatches", "integration_settings", "field_mappings", "integration_logs", "retry_tasks", "settings"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("missing table %s", table)
		}
	}
	if missing := MissingTables(conn); len(missing) != 0 {
		t.Fatalf("unexpected missing tables: %v", missing)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	for i := 0; i < 2; i++ {
		if errMigrate := Migrate(conn); errMigrate != nil {
			t.Fatalf("migrate run %d: %v", i, errMigrate)
		}
	}
	if !conn.Migrator().HasColumn("retry_tasks", "locked_until") {
		t.Fatalf("retry_tasks missing locked_until")
	}
}

func TestDetectDialectFromDSN(t *testing.T) {
	cases := []struct {
		dsn  string
		want string
	}{
		{dsn: "postgres://u:p@localhost/db", want: DialectPostgres},
		{dsn: "host=localhost dbname=formrelay", want: DialectPostgres},
		{dsn: "file:data/formrelay.db", want: DialectSQLite},
		{dsn: "sqlite://data/formrelay.db", want: DialectSQLite},
		{dsn: "formrelay.db", want: DialectSQLite},
	}
	for _, tc := range cases {
		got, err := detectDialectFromDSN(tc.dsn)
		if err != nil {
			t.Fatalf("detect %q: %v", tc.dsn, err)
		}
		if got != tc.want {
			t.Fatalf("detect %q = %s, want %s", tc.dsn, got, tc.want)
		}
	}
	if _, err := detectDialectFromDSN("mysql://root@localhost/db"); err == nil {
		t.Fatalf("expected error for mysql dsn")
	}
}

func TestJSONExtractTextExprSQLite(t *testing.T) {
	conn := openTestDB(t)
	if got := JSONExtractTextExpr(conn, "data", "state"); got != "json_extract(data, '$.state')" {
		t.Fatalf("unexpected expr %q", got)
	}
}
