package logutil

import "strings"

// maxLoggedLen bounds how much operator-supplied text ends up in one log
// entry.
const maxLoggedLen = 256

// SanitizeForLog strips line breaks and control characters from text typed
// by operators or supplied by remote peers, so it cannot forge extra log
// lines or terminal escape sequences on other operators' consoles. Overlong
// input is cut off with an ellipsis.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLoggedLen+3))
	n := 0
	for _, r := range s {
		if n == maxLoggedLen {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
