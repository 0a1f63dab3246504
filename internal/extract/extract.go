// Package extract turns source material (files, web pages) into plain text
// ready for chunking.
//
// File extraction is registry-based: each supported extension maps to an
// Extractor. Unsupported or unreadable files are skipped by callers, never
// fatal to a sync.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Sentinel errors.
var (
	// ErrUnsupportedFormat indicates no extractor is registered for the
	// file's extension.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrParse indicates the file matched a supported format but could not
	// be parsed.
	ErrParse = errors.New("parse error")
)

// Extractor converts one file into plain text.
type Extractor interface {
	Extract(path string) (string, error)
}

// Registry maps file extensions to extractors.
type Registry struct {
	byExt map[string]Extractor
}

// NewRegistry returns a registry with the built-in extractors: plain text
// for .txt and .md, tag stripping for .html and .htm.
func NewRegistry() *Registry {
	plain := plainTextExtractor{}
	html := htmlExtractor{}
	return &Registry{byExt: map[string]Extractor{
		".txt":  plain,
		".md":   plain,
		".html": html,
		".htm":  html,
	}}
}

// Register adds or replaces the extractor for an extension (with dot,
// lowercase).
func (r *Registry) Register(ext string, e Extractor) {
	r.byExt[ext] = e
}

// Extract converts the file at path to plain text, selecting the extractor
// by extension.
func (r *Registry) Extract(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	e, ok := r.byExt[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return e.Extract(path)
}

// Supported reports whether the registry can handle the file at path.
func (r *Registry) Supported(path string) bool {
	_, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return ok
}

type plainTextExtractor struct{}

func (plainTextExtractor) Extract(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

var reBlankRuns = regexp.MustCompile(`\n{3,}`)

type htmlExtractor struct{}

func (htmlExtractor) Extract(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	doc.Find("script, style, noscript").Remove()

	// Newlines before block elements keep paragraph boundaries visible to
	// the chunker.
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, br, tr").
		Each(func(_ int, s *goquery.Selection) {
			s.PrependHtml("\n")
			s.AppendHtml("\n")
		})

	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = reBlankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text), nil
}
