// Package sanitize cleans text that arrives from peers before it reaches
// the daemon log.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxEscapeScan caps the scan of a CSI sequence that never terminates.
const maxEscapeScan = 64

// LogLine makes peer-supplied text safe for a single log line: escape
// sequences and control characters are removed, newlines become spaces,
// and the result is cut to maxBytes.
func LogLine(s string, maxBytes int) string {
	s = StripControlChars(s)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxBytes {
		return s
	}
	return TruncateUTF8(s, maxBytes) + "…"
}

// TruncateUTF8 truncates s to at most maxBytes bytes without splitting UTF-8 runes.
func TruncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	truncated := s[:maxBytes]
	for len(truncated) > 0 && !utf8.ValidString(truncated) {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated
}

// StripControlChars removes ANSI escape sequences and non-printable control
// characters except newline and tab.
func StripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		if s[i] != '\x1b' {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == '\n' || r == '\t' || (r >= ' ' && !unicode.IsControl(r)) {
				b.WriteString(s[i : i+size])
			}
			i += size
			continue
		}
		i = skipEscape(s, i)
	}
	return b.String()
}

// skipEscape returns the index just past the escape sequence at s[i].
func skipEscape(s string, i int) int {
	if i+1 >= len(s) {
		return len(s)
	}
	switch s[i+1] {
	case '[': // CSI: ESC [ params final(0x40-0x7E)
		j := i + 2
		limit := min(j+maxEscapeScan, len(s))
		for j < limit && (s[j] < 0x40 || s[j] > 0x7E) {
			j++
		}
		if j < len(s) && s[j] >= 0x40 && s[j] <= 0x7E {
			j++
		}
		return j
	case ']': // OSC: terminated by BEL or ESC \
		for j := i + 2; j < len(s); j++ {
			if s[j] == '\x07' {
				return j + 1
			}
			if s[j] == '\x1b' && j+1 < len(s) && s[j+1] == '\\' {
				return j + 2
			}
		}
		return len(s)
	}
	return i + 2
}
