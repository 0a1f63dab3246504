// Package connector reads external customer databases so their rows can be
// synced into the document store and queried by the structured fallback.
//
// One database/sql implementation serves all supported engines; the
// per-engine differences (driver, identifier quoting, catalog queries) live
// in a dialect value selected by data-source kind.
package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	_ "modernc.org/sqlite"             // cgo-free sqlite driver
)

// Kind identifies a supported database engine.
type Kind string

const (
	KindPostgreSQL Kind = "postgresql"
	KindMySQL      Kind = "mysql"
	KindSQLite     Kind = "sqlite"
)

// ErrUnsupportedKind indicates a data-source kind with no connector.
var ErrUnsupportedKind = errors.New("unsupported data source kind")

// Row is one fetched record, keyed by column name.
type Row map[string]any

// Connector provides schema introspection and row access for one external
// database. Implementations are safe for concurrent use.
type Connector interface {
	Ping(ctx context.Context) error
	ListTables(ctx context.Context) ([]string, error)
	ListColumns(ctx context.Context, table string) ([]string, error)
	// FetchRows reads all rows of a table. Empty columns selects every
	// column.
	FetchRows(ctx context.Context, table string, columns []string) ([]Row, error)
	// Query executes an arbitrary SQL statement, returning at most limit
	// rows. Used by the structured-query fallback; the statement is not
	// validated here.
	Query(ctx context.Context, query string, limit int) ([]Row, error)
	Close() error
}

// New opens a connector for the given kind and DSN. The connection is
// verified lazily; call Ping to test it.
func New(kind Kind, dsn string) (Connector, error) {
	d, ok := dialects[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", kind, err)
	}
	return &sqlConnector{db: db, d: d}, nil
}

type sqlConnector struct {
	db *sql.DB
	d  dialect
}

func (c *sqlConnector) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging %s: %w", c.d.name, err)
	}
	return nil
}

func (c *sqlConnector) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, c.d.listTables)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	return tables, nil
}

func (c *sqlConnector) ListColumns(ctx context.Context, table string) ([]string, error) {
	query, args := c.d.listColumns(table)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		if err := c.d.scanColumn(rows, &columns); err != nil {
			return nil, fmt.Errorf("scanning column of %s: %w", table, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", table, err)
	}
	return columns, nil
}

func (c *sqlConnector) FetchRows(ctx context.Context, table string, columns []string) ([]Row, error) {
	cols := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, col := range columns {
			quoted[i] = c.d.quote(col)
		}
		cols = strings.Join(quoted, ", ")
	}
	query := fmt.Sprintf("SELECT %s FROM %s", cols, c.d.quote(table))
	return c.collectRows(ctx, query, 0)
}

func (c *sqlConnector) Query(ctx context.Context, query string, limit int) ([]Row, error) {
	return c.collectRows(ctx, query, limit)
}

func (c *sqlConnector) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("closing %s connection: %w", c.d.name, err)
	}
	return nil
}

// collectRows runs query and folds the results into generic rows.
// limit 0 means unbounded.
func (c *sqlConnector) collectRows(ctx context.Context, query string, limit int) ([]Row, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading column names: %w", err)
	}

	var out []Row
	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(Row, len(names))
		for i, name := range names {
			if b, ok := values[i].([]byte); ok {
				row[name] = string(b)
				continue
			}
			row[name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

// RowText renders a row as a natural-language line for embedding, e.g.
// "record in table users: email=a@b.c, name=Ann". Columns are emitted in
// sorted order so the same row always embeds to the same text; nil values
// are skipped.
func RowText(table string, row Row) string {
	keys := make([]string, 0, len(row))
	for k, v := range row {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "record in table %s:", table)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, " %s=%v", k, row[k])
	}
	return b.String()
}
