package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerag/zerag/internal/log"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRegistry_PlainText(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.txt", "line one\nline two")

	text, err := NewRegistry().Extract(path)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", text)
}

func TestRegistry_Markdown(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "README.md", "# Title\n\nbody text")

	text, err := NewRegistry().Extract(path)
	require.NoError(t, err)
	assert.Contains(t, text, "body text")
}

func TestRegistry_HTMLStripsMarkup(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "page.html", `<html><head>
		<script>var hidden = 1;</script><style>.x{}</style></head>
		<body><h1>Heading</h1><p>First paragraph.</p><p>Second paragraph.</p></body></html>`)

	text, err := NewRegistry().Extract(path)
	require.NoError(t, err)
	assert.Contains(t, text, "Heading")
	assert.Contains(t, text, "First paragraph.")
	assert.NotContains(t, text, "hidden")
	assert.NotContains(t, text, "<p>")
}

func TestRegistry_HTMLParagraphBoundaries(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "page.html",
		`<body><p>alpha</p><p>beta</p></body>`)

	text, err := NewRegistry().Extract(path)
	require.NoError(t, err)
	// Block elements must not run together into one line.
	assert.NotContains(t, text, "alphabeta")
}

func TestRegistry_UnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "binary.pdf", "%PDF-1.4")

	_, err := NewRegistry().Extract(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestRegistry_CaseInsensitiveExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "NOTES.TXT", "content")

	text, err := NewRegistry().Extract(path)
	require.NoError(t, err)
	assert.Equal(t, "content", text)
}

func TestDirDocuments_SkipsUnsupportedAndSubdirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha")
	writeFile(t, dir, "b.md", "beta")
	writeFile(t, dir, "c.bin", "gamma")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o750))
	writeFile(t, filepath.Join(dir, "nested"), "d.txt", "delta")

	docs, err := DirDocuments(dir, NewRegistry(), log.NewNop())
	require.NoError(t, err)
	require.Len(t, docs, 2, "unsupported file and nested dir skipped")
	assert.Equal(t, "a.txt", docs[0].Name)
	assert.Equal(t, "alpha", docs[0].Text)
}

func TestDirDocuments_MissingDir(t *testing.T) {
	_, err := DirDocuments("/does/not/exist", NewRegistry(), log.NewNop())
	assert.Error(t, err)
}

func TestCrawler_FetchesReadableContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Release Notes</title></head><body>
			<article><h1>Release Notes</h1>
			<p>This release improves replication throughput significantly and
			fixes a long-standing crash in the scheduler component.</p>
			<p>Upgrading is recommended for all deployments running version
			two or later, especially those with large working sets.</p>
			</article></body></html>`)
	}))
	defer srv.Close()

	c := NewCrawler(CrawlerConfig{Parallelism: 1, Delay: time.Millisecond, Timeout: 5 * time.Second}, log.NewNop())
	pages := c.Fetch(context.Background(), []string{srv.URL})

	require.Len(t, pages, 1)
	assert.Contains(t, pages[0].Text, "replication throughput")
	assert.NotContains(t, pages[0].Text, "<p>")
}

func TestCrawler_SkipsFailedURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCrawler(CrawlerConfig{Parallelism: 1, Delay: time.Millisecond}, log.NewNop())
	pages := c.Fetch(context.Background(), []string{srv.URL, "http://127.0.0.1:1/unreachable"})
	assert.Empty(t, pages)
}

func TestCrawler_ContextCancelStopsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCrawler(CrawlerConfig{Parallelism: 1, Delay: time.Hour}, log.NewNop())
	start := time.Now()
	pages := c.Fetch(ctx, []string{"http://example.invalid/a", "http://example.invalid/b"})
	assert.Empty(t, pages)
	assert.Less(t, time.Since(start), time.Second, "canceled context must not wait out the delay")
}
