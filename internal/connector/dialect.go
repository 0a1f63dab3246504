package connector

import (
	"database/sql"
	"strings"
)

// dialect carries the per-engine pieces: driver name, catalog queries, and
// identifier quoting.
type dialect struct {
	name        string
	driver      string
	listTables  string
	listColumns func(table string) (query string, args []any)
	// scanColumn appends the column name from one catalog row. SQLite's
	// PRAGMA returns six columns, the others return one.
	scanColumn func(rows *sql.Rows, out *[]string) error
	quote      func(ident string) string
}

func scanSingle(rows *sql.Rows, out *[]string) error {
	var name string
	if err := rows.Scan(&name); err != nil {
		return err
	}
	*out = append(*out, name)
	return nil
}

// scanPragma reads sqlite's `PRAGMA table_info` shape
// (cid, name, type, notnull, dflt_value, pk).
func scanPragma(rows *sql.Rows, out *[]string) error {
	var (
		cid, notNull, pk int
		name, colType    string
		dflt             any
	)
	if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
		return err
	}
	*out = append(*out, name)
	return nil
}

func quoteDouble(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteBacktick(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

var dialects = map[Kind]dialect{
	KindPostgreSQL: {
		name:       "postgresql",
		driver:     "pgx",
		listTables: `SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`,
		listColumns: func(table string) (string, []any) {
			return `SELECT column_name FROM information_schema.columns
				WHERE table_name = $1 AND table_schema = 'public'
				ORDER BY ordinal_position`, []any{table}
		},
		scanColumn: scanSingle,
		quote:      quoteDouble,
	},
	KindMySQL: {
		name:       "mysql",
		driver:     "mysql",
		listTables: `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name`,
		listColumns: func(table string) (string, []any) {
			return `SELECT column_name FROM information_schema.columns
				WHERE table_name = ? AND table_schema = DATABASE()
				ORDER BY ordinal_position`, []any{table}
		},
		scanColumn: scanSingle,
		quote:      quoteBacktick,
	},
	KindSQLite: {
		name:       "sqlite",
		driver:     "sqlite",
		listTables: `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
		listColumns: func(table string) (string, []any) {
			return "PRAGMA table_info(" + quoteDouble(table) + ")", nil
		},
		scanColumn: scanPragma,
		quote:      quoteDouble,
	},
}
