package stream

import (
	"bytes"
	"strings"
)

// lineBuffer splits a byte stream into newline-terminated lines. Bytes of an
// unterminated trailing line are retained until their newline arrives.
type lineBuffer struct {
	pending []byte
}

// Feed appends chunk and calls emit for every line completed by it. Only
// the newly appended bytes are scanned for newlines.
func (b *lineBuffer) Feed(chunk []byte, emit func(line string)) {
	if len(chunk) == 0 {
		return
	}

	scanFrom := len(b.pending)
	b.pending = append(b.pending, chunk...)

	lineStart := 0
	for {
		idx := bytes.IndexByte(b.pending[scanFrom:], '\n')
		if idx < 0 {
			break
		}
		end := scanFrom + idx
		emit(toLine(b.pending[lineStart:end]))
		lineStart = end + 1
		scanFrom = lineStart
	}

	if lineStart > 0 {
		n := copy(b.pending, b.pending[lineStart:])
		b.pending = b.pending[:n]
	}
}

// Flush returns the unterminated remainder, if any, and resets the buffer.
func (b *lineBuffer) Flush() (string, bool) {
	if len(b.pending) == 0 {
		return "", false
	}
	line := toLine(b.pending)
	b.pending = b.pending[:0]
	if strings.TrimSpace(line) == "" {
		return "", false
	}
	return line, true
}

// Len reports the number of buffered bytes.
func (b *lineBuffer) Len() int {
	return len(b.pending)
}

func toLine(raw []byte) string {
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	return strings.ToValidUTF8(string(raw), "�")
}
