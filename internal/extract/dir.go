package extract

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Document is one extracted source file.
type Document struct {
	Name string
	Path string
	Text string
}

// DirDocuments extracts every supported file directly under dir (one level,
// no recursion). Unsupported or failing files are logged and skipped; the
// error return covers only the directory read itself.
func DirDocuments(dir string, registry *Registry, logger *slog.Logger) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	var docs []Document
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !registry.Supported(path) {
			logger.Debug("skipping unsupported file", "file", entry.Name())
			continue
		}
		text, err := registry.Extract(path)
		if err != nil {
			logger.Warn("skipping file, extraction failed",
				"file", entry.Name(), "error", err)
			continue
		}
		docs = append(docs, Document{Name: entry.Name(), Path: path, Text: text})
	}
	return docs, nil
}
