// Package loader reads source documents and splits them into chunks that
// fit a single embedding request.
package loader

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxChunkChars is used when Load is given a non-positive limit.
const DefaultMaxChunkChars = 10000

// ErrUnreadableDocument is returned for unsupported, missing or corrupt files.
var ErrUnreadableDocument = errors.New("unreadable document")

// Chunk is a contiguous piece of a document.
type Chunk struct {
	Text     string
	Position int // 0-based order within the document
}

type extractor func(path string) (string, error)

var extractors = map[string]extractor{
	".txt":      extractPlain,
	".md":       extractPlain,
	".markdown": extractPlain,
	".csv":      extractPlain,
	".json":     extractPlain,
	".log":      extractPlain,
	".pdf":      extractPDF,
	".docx":     extractDOCX,
	".html":     extractHTML,
	".htm":      extractHTML,
}

// Supported reports whether the file extension of path has an extractor.
func Supported(path string) bool {
	_, ok := extractors[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Load extracts the text of the file at path and returns its chunks as a
// lazy sequence. Extraction errors surface here; the sequence itself cannot
// fail. The sequence is single-pass: iterating it a second time yields
// nothing.
func Load(path string, maxChunkChars int) (iter.Seq[Chunk], error) {
	if maxChunkChars <= 0 {
		maxChunkChars = DefaultMaxChunkChars
	}

	extract, ok := extractors[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("%w: %s: unsupported file type", ErrUnreadableDocument, filepath.Base(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnreadableDocument, path)
	}

	text, err := extract(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableDocument, filepath.Base(path), err)
	}

	consumed := false
	return func(yield func(Chunk) bool) {
		if consumed {
			return
		}
		consumed = true
		pos := 0
		for piece := range Split(text, maxChunkChars) {
			if !yield(Chunk{Text: piece, Position: pos}) {
				return
			}
			pos++
		}
	}, nil
}

// Collect drains seq into a slice.
func Collect(seq iter.Seq[Chunk]) []Chunk {
	var out []Chunk
	for c := range seq {
		out = append(out, c)
	}
	return out
}
