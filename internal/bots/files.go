package bots

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Upload is a file handed to the service by a transport (HTTP form, CLI).
type Upload struct {
	Name string
	Body io.Reader
}

// SanitizeFilename reduces name to its base and keeps only letters, digits,
// spaces, dots, underscores and hyphens. Leading dots and surrounding spaces
// are stripped so the result is never hidden or a path traversal.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == ' ', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(strings.TrimSpace(b.String()), ".")
}

// UniquePath returns dir/name, or dir/stem_n.ext with the smallest n >= 1
// that does not exist yet.
func UniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}

// saveUploads writes uploads into dir and returns the written paths.
// Partially written files are removed on error.
func saveUploads(dir string, uploads []Upload) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating documents directory: %w", err)
	}
	var paths []string
	for _, u := range uploads {
		name := SanitizeFilename(u.Name)
		if name == "" {
			removeAll(paths)
			return nil, fmt.Errorf("%w: invalid file name %q", ErrInvalidBot, u.Name)
		}
		path := UniquePath(dir, name)
		if err := writeFile(path, u.Body); err != nil {
			removeAll(paths)
			return nil, fmt.Errorf("saving %s: %w", name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func removeAll(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

func baseNames(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}
	return out
}
