// Package sanitize turns comic/episode/bonus-item titles into safe
// filesystem path components by replacing characters illegal or awkward in
// filenames with visually similar substitutes. Do not alter the mapping —
// it must stay stable across runs so re-downloading a chapter lands on the
// same path.
package sanitize

import "strings"

// Filename replaces characters illegal or awkward in filenames with
// visually similar full-width counterparts, then trims surrounding
// whitespace. It is idempotent: sanitizing an already-sanitized string is a
// no-op, since none of the mapping's outputs are themselves inputs.
func Filename(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\', '/':
			b.WriteRune(' ')
		case ':':
			b.WriteRune('：')
		case '*':
			b.WriteRune('⭐')
		case '?':
			b.WriteRune('？')
		case '"':
			b.WriteRune('\'')
		case '<':
			b.WriteRune('《')
		case '>':
			b.WriteRune('》')
		case '|':
			b.WriteRune('丨')
		case '.':
			b.WriteRune('·')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
