package metricsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

// ConnectionConfig describes one customer database the engine samples
// metrics from.
type ConnectionConfig struct {
	Type     string `yaml:"type"` // mysql | postgres | mssql
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

type Query struct {
	Table           string
	ValueColumn     string
	TimestampColumn string
	Start           time.Time
	End             time.Time
}

// Connector reads the newest metric value inside a period window. One
// implementation per database flavor; the factory dispatches on the
// config's type tag.
type Connector interface {
	LatestValue(ctx context.Context, q Query) (float64, bool, error)
	Close() error
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func validateIdentifier(name, ident string) error {
	trimmed := strings.TrimSpace(ident)
	if trimmed == "" {
		return fmt.Errorf("%s is empty", name)
	}
	for _, part := range strings.Split(trimmed, ".") {
		if !identPattern.MatchString(part) {
			return fmt.Errorf("%s segment %q is invalid", name, part)
		}
	}
	return nil
}

func (q Query) validate() error {
	if err := validateIdentifier("table", q.Table); err != nil {
		return err
	}
	if err := validateIdentifier("value column", q.ValueColumn); err != nil {
		return err
	}
	return validateIdentifier("timestamp column", q.TimestampColumn)
}

type dialect struct {
	driver      string
	quote       func(string) string
	placeholder func(int) string
	limitStyle  string // "limit" or "top"
}

var dialects = map[string]dialect{
	"postgres": {
		driver:      "postgres",
		quote:       func(s string) string { return `"` + s + `"` },
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		limitStyle:  "limit",
	},
	"mysql": {
		driver:      "mysql",
		quote:       func(s string) string { return "`" + s + "`" },
		placeholder: func(int) string { return "?" },
		limitStyle:  "limit",
	},
	"mssql": {
		driver:      "sqlserver",
		quote:       func(s string) string { return "[" + s + "]" },
		placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
		limitStyle:  "top",
	},
}

type sqlConnector struct {
	db      *sql.DB
	dialect dialect
}

// Open builds a connector for the configured database type.
func Open(cfg ConnectionConfig) (Connector, error) {
	d, ok := dialects[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("unsupported connection type %q", cfg.Type)
	}
	db, err := sql.Open(d.driver, dsnFor(cfg))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &sqlConnector{db: db, dialect: d}, nil
}

func dsnFor(cfg ConnectionConfig) string {
	switch strings.ToLower(cfg.Type) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	case "mssql":
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	default:
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
	}
}

func (c *sqlConnector) LatestValue(ctx context.Context, q Query) (float64, bool, error) {
	query, err := buildLatestValueQuery(c.dialect, q)
	if err != nil {
		return 0, false, err
	}
	row := c.db.QueryRowContext(ctx, query, q.Start, q.End)
	var value float64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return value, true, nil
}

func (c *sqlConnector) Close() error {
	return c.db.Close()
}

func buildLatestValueQuery(d dialect, q Query) (string, error) {
	if err := q.validate(); err != nil {
		return "", err
	}
	table := quoteQualified(q.Table, d.quote)
	value := d.quote(q.ValueColumn)
	ts := d.quote(q.TimestampColumn)
	if d.limitStyle == "top" {
		return fmt.Sprintf("SELECT TOP 1 %s FROM %s WHERE %s >= %s AND %s < %s ORDER BY %s DESC",
			value, table, ts, d.placeholder(1), ts, d.placeholder(2), ts), nil
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s >= %s AND %s < %s ORDER BY %s DESC LIMIT 1",
		value, table, ts, d.placeholder(1), ts, d.placeholder(2), ts), nil
}

func quoteQualified(ident string, quote func(string) string) string {
	parts := strings.Split(ident, ".")
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = quote(part)
	}
	return strings.Join(quoted, ".")
}
