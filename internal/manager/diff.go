package manager

import (
	"strings"
	"unicode/utf8"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/roach88/patchkit/internal/history"
)

// diffContext is the number of unchanged lines kept around a change.
const diffContext = 2

// FileDiff previews the change of one file.
type FileDiff struct {
	Path   string             `json:"path"`
	Type   history.ChangeType `json:"type"`
	Binary bool               `json:"binary,omitempty"`

	// Lines are prefixed with "+", "-" or " "; elided runs of unchanged
	// lines are replaced by a single "@@" line.
	Lines []string `json:"lines,omitempty"`
}

// Diff renders a line diff of before and after.
func Diff(ch history.Change, before, after []byte) FileDiff {
	fd := FileDiff{Path: ch.Path, Type: ch.Type}
	if !utf8.Valid(before) || !utf8.Valid(after) {
		fd.Binary = true
		return fd
	}

	dmp := diffpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(string(before), string(after))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	for i, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffpatch.DiffInsert:
			fd.Lines = append(fd.Lines, prefix("+", lines)...)
		case diffpatch.DiffDelete:
			fd.Lines = append(fd.Lines, prefix("-", lines)...)
		case diffpatch.DiffEqual:
			fd.Lines = append(fd.Lines, contextLines(lines, i > 0, i < len(diffs)-1)...)
		}
	}
	return fd
}

// contextLines keeps the unchanged lines next to a change: the head of a run
// that follows a change and the tail of a run that precedes one.
func contextLines(lines []string, afterChange, beforeChange bool) []string {
	keepHead, keepTail := 0, 0
	if afterChange {
		keepHead = diffContext
	}
	if beforeChange {
		keepTail = diffContext
	}
	if keepHead+keepTail >= len(lines) {
		return prefix(" ", lines)
	}
	out := prefix(" ", lines[:keepHead])
	out = append(out, "@@")
	return append(out, prefix(" ", lines[len(lines)-keepTail:])...)
}

func prefix(p string, lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = p + l
	}
	return out
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
