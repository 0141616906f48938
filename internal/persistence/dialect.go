package persistence

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// driverName returns the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

// ParseDialect normalizes a driver name from config.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q (supported: sqlite, postgres, mysql)", name)
	}
}

// resolveDSN picks the dialect for a DSN and rewrites it into the form the
// driver expects. An explicit driver wins over the DSN scheme.
func resolveDSN(driver, raw string) (Dialect, string, error) {
	raw = strings.TrimSpace(raw)
	scheme := ""
	if i := strings.Index(raw, "://"); i > 0 {
		scheme = strings.ToLower(raw[:i])
	}

	d := DialectSQLite
	switch {
	case strings.TrimSpace(driver) != "":
		parsed, err := ParseDialect(driver)
		if err != nil {
			return "", "", err
		}
		d = parsed
	case scheme == "postgres" || scheme == "postgresql":
		d = DialectPostgres
	case scheme == "mysql":
		d = DialectMySQL
	}

	switch d {
	case DialectPostgres:
		if raw == "" {
			return "", "", errors.New("postgres dsn is empty")
		}
		return d, raw, nil
	case DialectMySQL:
		dsn, err := mysqlDSN(raw)
		if err != nil {
			return "", "", err
		}
		return d, dsn, nil
	default:
		path := strings.TrimPrefix(strings.TrimPrefix(raw, "sqlite3://"), "sqlite://")
		if path == "" {
			return "", "", errors.New("sqlite path is empty")
		}
		return d, path, nil
	}
}

// mysqlDSN accepts either a mysql:// URL or a native go-sql-driver DSN and
// returns a native DSN with parseTime enabled.
func mysqlDSN(raw string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(raw), "mysql://") {
		cfg, err := mysql.ParseDSN(raw)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		return cfg.FormatDSN(), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse mysql url: %w", err)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "3306"
	}
	password, _ := u.User.Password()
	dsn := MySQLDSN(host, mustAtoi(port, 3306), u.User.Username(), password, strings.TrimPrefix(u.Path, "/"))
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	for k, v := range u.Query() {
		if len(v) == 0 {
			continue
		}
		if cfg.Params == nil {
			cfg.Params = map[string]string{}
		}
		cfg.Params[k] = v[0]
	}
	return cfg.FormatDSN(), nil
}

// MySQLDSN builds a native MySQL DSN from discrete connection settings.
func MySQLDSN(host string, port int, user, password, database string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

func mustAtoi(raw string, fallback int) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// rebind rewrites ? placeholders into the dialect's bind syntax.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// upsert returns the conflict clause that turns an INSERT into an atomic
// insert-or-update on key.
func (d Dialect) upsert(key string, cols ...string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if d == DialectMySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	if d == DialectMySQL {
		return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", key, strings.Join(sets, ", "))
}

// Column types per dialect.
func (d Dialect) keyType() string {
	if d == DialectMySQL {
		return "VARCHAR(255)"
	}
	return "TEXT"
}

func (d Dialect) urlType() string {
	if d == DialectMySQL {
		return "VARCHAR(1024)"
	}
	return "TEXT"
}

func (d Dialect) blobType() string {
	switch d {
	case DialectPostgres:
		return "BYTEA"
	case DialectMySQL:
		return "LONGBLOB"
	default:
		return "BLOB"
	}
}

func (d Dialect) jsonType() string {
	switch d {
	case DialectPostgres:
		return "JSONB"
	case DialectMySQL:
		return "JSON"
	default:
		return "TEXT"
	}
}

func (d Dialect) timestampType() string {
	switch d {
	case DialectPostgres:
		return "TIMESTAMPTZ"
	case DialectMySQL:
		return "DATETIME(6)"
	default:
		return "TIMESTAMP"
	}
}

// isDuplicateKey reports a primary-key or unique constraint violation.
func (d Dialect) isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

// isSchemaRace reports errors raised when another process created the same
// table or index between our existence check and our DDL.
func (d Dialect) isSchemaRace(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// duplicate_table, duplicate_object, or the pg_type unique index hit by
		// concurrent CREATE TABLE IF NOT EXISTS.
		return pgErr.Code == "42P07" || pgErr.Code == "42710" || pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// ER_TABLE_EXISTS_ERROR, ER_DUP_KEYNAME
		return myErr.Number == 1050 || myErr.Number == 1061
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
