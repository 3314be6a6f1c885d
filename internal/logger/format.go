package logger

import "strings"

// stripAnsiCodes removes CSI colour sequences so file logs stay plain. A
// byte scan keeps regexp off the per-record path.
func stripAnsiCodes(s string) string {
	if !strings.ContainsRune(s, '\x1b') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] == '\x1b' && i+1 < len(s) && s[i+1] == '[' {
			i += 2
			for i < len(s) {
				c := s[i]
				if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
					break
				}
				i++
			}
			continue
		}
		b.WriteByte(s[i])
	}

	return b.String()
}
