package fs

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"docsearch/internal/domain"
)

// Walker enumerates documentation files under a root directory.
// Include and exclude patterns are doublestar globs matched against
// slash-separated paths relative to the root. A directory matching an
// exclude pattern is pruned whole.
type Walker struct {
	includes []string
	excludes []string
}

func NewWalker(includes, excludes []string) *Walker {
	if len(includes) == 0 {
		includes = []string{"**/*.md", "**/*.markdown", "**/*.html", "**/*.htm"}
	}
	return &Walker{
		includes: includes,
		excludes: excludes,
	}
}

// FileInfo describes one matched documentation file.
type FileInfo struct {
	Path    string
	RelPath string
	Type    domain.DocType
	ModTime time.Time
	Size    int64
}

func (w *Walker) Walk(root string) ([]FileInfo, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && w.shouldExclude(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if !w.shouldInclude(rel) || w.shouldExclude(rel) {
			return nil
		}
		docType, ok := typeForPath(rel)
		if !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Path:    path,
			RelPath: rel,
			Type:    docType,
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
		return nil
	})
	return files, err
}

func (w *Walker) shouldInclude(path string) bool {
	for _, pattern := range w.includes {
		if matched, err := doublestar.Match(pattern, path); err == nil && matched {
			return true
		}
	}
	return false
}

func (w *Walker) shouldExclude(path string) bool {
	for _, pattern := range w.excludes {
		if matched, err := doublestar.Match(pattern, path); err == nil && matched {
			return true
		}
	}
	return false
}

func typeForPath(path string) (domain.DocType, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return domain.DocTypeMarkdown, true
	case ".html", ".htm":
		return domain.DocTypeHTML, true
	}
	return "", false
}

// ReadPage loads a matched file as a page ready for ingestion. The
// synthetic file URL keeps document identity stable across re-runs
// over the same tree.
func ReadPage(file FileInfo) (domain.Page, error) {
	body, err := os.ReadFile(file.Path)
	if err != nil {
		return domain.Page{}, err
	}
	return domain.Page{
		URL:       "file://" + filepath.ToSlash(file.Path),
		Body:      body,
		Type:      file.Type,
		FetchedAt: file.ModTime,
	}, nil
}
