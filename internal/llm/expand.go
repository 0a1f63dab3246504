package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Expansion is the structured result of query rewriting.
type Expansion struct {
	// Keywords are 2-5 core terms for exact lexical matching.
	Keywords []string `json:"keywords"`
	// Queries are semantic rephrasings for multi-path vector retrieval.
	Queries []string `json:"queries"`
	// HyDEHint sketches what a matching record would contain.
	HyDEHint string `json:"hyde_hint"`
}

const rewritePrompt = `You are the query optimizer of a database question-answering system.
User question: %q

Analyze the question and output JSON only (no surrounding text):
{
  "keywords": ["term1", "term2"],
  "queries": ["rephrasing 1", "rephrasing 2", "rephrasing 3"],
  "hyde_hint": "one sentence describing what a matching record would roughly contain"
}

"keywords" holds 2-5 core terms for exact full-text matching, "queries"
holds 3 semantically equivalent rephrasings, "hyde_hint" sketches a
hypothetical matching record.`

// Rewrite expands a question into keywords, query variants and a HyDE hint.
// Any failure (transport, malformed output) falls back to the question
// itself for all three fields; expansion never aborts the pipeline.
func Rewrite(ctx context.Context, gen Generator, question string, logger *slog.Logger) Expansion {
	fallback := Expansion{
		Keywords: []string{question},
		Queries:  []string{question},
		HyDEHint: question,
	}

	out, err := gen.Complete(ctx, []Message{User(fmt.Sprintf(rewritePrompt, question))})
	if err != nil {
		logger.Warn("query rewrite failed, using original question", "error", err)
		return fallback
	}

	var exp Expansion
	if err := json.Unmarshal([]byte(extractJSON(out)), &exp); err != nil {
		logger.Warn("query rewrite returned malformed JSON, using original question",
			"error", err)
		return fallback
	}
	if len(exp.Keywords) == 0 {
		exp.Keywords = []string{question}
	}
	if len(exp.Queries) == 0 {
		exp.Queries = []string{question}
	}
	if exp.HyDEHint == "" {
		exp.HyDEHint = question
	}
	return exp
}

const hydePrompt = `You write hypothetical database records.
User question: %q
Hint: %s

Write a short hypothetical record description (50-100 words) as if the
record actually existed in the database. Output only the description.`

// HyDE generates a hypothetical answer passage whose embedding should sit
// near real matches. Failure falls back to the question itself.
func HyDE(ctx context.Context, gen Generator, question, hint string, logger *slog.Logger) string {
	out, err := gen.Complete(ctx, []Message{User(fmt.Sprintf(hydePrompt, question, hint))})
	if err != nil || strings.TrimSpace(out) == "" {
		logger.Warn("hyde generation failed, using original question", "error", err)
		return question
	}
	return strings.TrimSpace(out)
}

// extractJSON strips markdown fences and surrounding prose, returning the
// first top-level JSON object in content (or content unchanged if none is
// found, letting the caller's Unmarshal report the failure).
func extractJSON(content string) string {
	content = stripFence(content, "json")
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}

// stripFence unwraps a ```lang ... ``` block if present.
func stripFence(content, lang string) string {
	if !strings.Contains(content, "```") {
		return strings.TrimSpace(content)
	}
	parts := strings.Split(content, "```")
	if len(parts) < 2 {
		return strings.TrimSpace(content)
	}
	inner := parts[1]
	inner = strings.TrimPrefix(inner, lang)
	return strings.TrimSpace(inner)
}
