package persistence

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"", DialectSQLite, false},
		{"sqlite3", DialectSQLite, false},
		{"Postgres", DialectPostgres, false},
		{"pgx", DialectPostgres, false},
		{"mariadb", DialectMySQL, false},
		{"oracle", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDialect(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseDialect(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveDSN(t *testing.T) {
	d, dsn, err := resolveDSN("", "sqlite:///tmp/agent.db")
	if err != nil || d != DialectSQLite || dsn != "/tmp/agent.db" {
		t.Fatalf("sqlite url: got %q %q %v", d, dsn, err)
	}

	d, dsn, err = resolveDSN("", "postgres://u:p@db:5432/agent?sslmode=disable")
	if err != nil || d != DialectPostgres || !strings.HasPrefix(dsn, "postgres://") {
		t.Fatalf("postgres url: got %q %q %v", d, dsn, err)
	}

	d, dsn, err = resolveDSN("", "mysql://agent:secret@db:3307/currency?charset=utf8mb4")
	if err != nil || d != DialectMySQL {
		t.Fatalf("mysql url: got %q %q %v", d, dsn, err)
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("parse resolved mysql dsn %q: %v", dsn, err)
	}
	if cfg.User != "agent" || cfg.Passwd != "secret" || cfg.Addr != "db:3307" || cfg.DBName != "currency" {
		t.Fatalf("unexpected mysql config: %+v", cfg)
	}
	if !cfg.ParseTime {
		t.Fatal("expected parseTime to be forced on")
	}
	if cfg.Params["charset"] != "utf8mb4" {
		t.Fatalf("expected query params carried over, got %#v", cfg.Params)
	}

	d, dsn, err = resolveDSN("mysql", "agent:secret@tcp(db:3306)/currency")
	if err != nil || d != DialectMySQL {
		t.Fatalf("native mysql dsn: got %q %q %v", d, dsn, err)
	}
	if cfg, _ := mysql.ParseDSN(dsn); cfg == nil || !cfg.ParseTime {
		t.Fatalf("expected parseTime on native dsn, got %q", dsn)
	}

	if _, _, err := resolveDSN("", ""); err == nil {
		t.Fatal("expected error for empty sqlite path")
	}
	if _, _, err := resolveDSN("postgres", ""); err == nil {
		t.Fatal("expected error for empty postgres dsn")
	}
}

func TestMySQLDSN(t *testing.T) {
	dsn := MySQLDSN("localhost", 3306, "root", "pw", "currency_agent")
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != "localhost:3306" || cfg.DBName != "currency_agent" || !cfg.ParseTime {
		t.Fatalf("unexpected config from %q: %+v", dsn, cfg)
	}
}

func TestRebind(t *testing.T) {
	q := `UPDATE tasks SET data = ?, updated_at = ? WHERE id = ?`
	if got := DialectSQLite.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	if got := DialectMySQL.rebind(q); got != q {
		t.Fatalf("mysql rebind changed query: %s", got)
	}
	want := `UPDATE tasks SET data = $1, updated_at = $2 WHERE id = $3`
	if got := DialectPostgres.rebind(q); got != want {
		t.Fatalf("postgres rebind:\n got %s\nwant %s", got, want)
	}
}

func TestUpsertClause(t *testing.T) {
	if got := DialectSQLite.upsert("conversation_id", "state_blob"); got != "ON CONFLICT (conversation_id) DO UPDATE SET state_blob = excluded.state_blob" {
		t.Fatalf("sqlite upsert: %s", got)
	}
	if got := DialectPostgres.upsert("conversation_id", "state_blob"); !strings.HasPrefix(got, "ON CONFLICT (conversation_id)") {
		t.Fatalf("postgres upsert: %s", got)
	}
	if got := DialectMySQL.upsert("conversation_id", "state_blob"); got != "ON DUPLICATE KEY UPDATE state_blob = VALUES(state_blob)" {
		t.Fatalf("mysql upsert: %s", got)
	}
}

func TestIsDuplicateKey(t *testing.T) {
	if !DialectPostgres.isDuplicateKey(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("expected pg unique violation to be a duplicate")
	}
	if DialectPostgres.isDuplicateKey(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("serialization failure is not a duplicate")
	}
	if !DialectMySQL.isDuplicateKey(&mysql.MySQLError{Number: 1062}) {
		t.Fatal("expected mysql 1062 to be a duplicate")
	}
	if DialectSQLite.isDuplicateKey(errors.New("disk I/O error")) {
		t.Fatal("plain error is not a duplicate")
	}
	if DialectSQLite.isDuplicateKey(nil) {
		t.Fatal("nil is not a duplicate")
	}
}

func TestIsSchemaRace(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"pg duplicate table", &pgconn.PgError{Code: "42P07"}, true},
		{"pg duplicate object", &pgconn.PgError{Code: "42710"}, true},
		{"pg type race", &pgconn.PgError{Code: "23505"}, true},
		{"pg syntax", &pgconn.PgError{Code: "42601"}, false},
		{"mysql table exists", &mysql.MySQLError{Number: 1050}, true},
		{"mysql dup keyname", &mysql.MySQLError{Number: 1061}, true},
		{"mysql access denied", &mysql.MySQLError{Number: 1045}, false},
		{"sqlite text", errors.New("index idx_tasks_created already exists"), true},
		{"other", errors.New("no such table"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DialectPostgres.isSchemaRace(tc.err); got != tc.want {
				t.Fatalf("isSchemaRace(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
