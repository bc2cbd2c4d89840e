package loader

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

// separators are tried from coarsest to finest when a piece is too long.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " "}

// Split cuts text into pieces of at most maxChars runes, preferring
// paragraph, then line, sentence and word boundaries, and cutting inside a
// word only when a single word exceeds the limit. Adjacent small pieces are
// packed together. Pieces are trimmed and empty ones dropped, so
// concatenating the pieces gives back the text minus whitespace at the
// cut points.
func Split(text string, maxChars int) iter.Seq[string] {
	if maxChars <= 0 {
		maxChars = DefaultMaxChunkChars
	}
	return func(yield func(string) bool) {
		var buf strings.Builder
		bufLen := 0

		flush := func() bool {
			s := strings.TrimSpace(buf.String())
			buf.Reset()
			bufLen = 0
			if s == "" {
				return true
			}
			return yield(s)
		}

		for _, piece := range atoms(text, maxChars, separators) {
			// Trailing whitespace is trimmed if the piece ends a chunk.
			fit := utf8.RuneCountInString(strings.TrimRightFunc(piece, unicode.IsSpace))
			if bufLen > 0 && bufLen+fit > maxChars {
				if !flush() {
					return
				}
			}
			buf.WriteString(piece)
			bufLen += utf8.RuneCountInString(piece)
		}
		flush()
	}
}

// atoms breaks text into pieces no longer than maxChars whose concatenation
// is exactly text.
func atoms(text string, maxChars int, seps []string) []string {
	if utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}
	for i, sep := range seps {
		if !strings.Contains(text, sep) {
			continue
		}
		var out []string
		for _, part := range strings.SplitAfter(text, sep) {
			if part == "" {
				continue
			}
			out = append(out, atoms(part, maxChars, seps[i+1:])...)
		}
		return out
	}
	return hardSplit(text, maxChars)
}

func hardSplit(text string, maxChars int) []string {
	var out []string
	for len(text) > 0 {
		end, count := 0, 0
		for end < len(text) && count < maxChars {
			_, size := utf8.DecodeRuneInString(text[end:])
			end += size
			count++
		}
		out = append(out, text[:end])
		text = text[end:]
	}
	return out
}
