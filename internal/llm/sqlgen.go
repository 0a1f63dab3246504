package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// TableSchema describes one table for SQL generation.
type TableSchema struct {
	Table   string
	Columns []string
}

// cannotGenerate is the sentinel the model emits when no valid SQL exists
// for the question.
const cannotGenerate = "CANNOT_GENERATE"

const sqlPrompt = `You are a %s database expert.
Known table structure:
%s

User question: %q

Generate one SQL query that answers the question.
Rules:
- Output only the SQL statement, no explanation
- Use LIMIT 10 to bound the result size
- Use LIKE '%%keyword%%' for fuzzy matching
- If no valid SQL can answer the question, output: CANNOT_GENERATE

SQL:`

// GenerateSQL asks the model for a query over the given schemas. Returns ""
// when the model declines (CANNOT_GENERATE) or anything fails; the caller
// treats "" as "no fallback available". The returned SQL is not validated
// here.
func GenerateSQL(ctx context.Context, gen Generator, question string, schemas []TableSchema, dialect string, logger *slog.Logger) string {
	if len(schemas) == 0 {
		return ""
	}

	lines := make([]string, len(schemas))
	for i, s := range schemas {
		lines[i] = fmt.Sprintf("table %s: columns %s", s.Table, strings.Join(s.Columns, ", "))
	}
	prompt := fmt.Sprintf(sqlPrompt, strings.ToUpper(dialect), strings.Join(lines, "\n"), question)

	out, err := gen.Complete(ctx, []Message{User(prompt)})
	if err != nil {
		logger.Warn("sql generation failed", "error", err)
		return ""
	}

	sql := stripFence(out, "sql")
	if sql == "" || strings.EqualFold(sql, cannotGenerate) {
		return ""
	}
	return sql
}
