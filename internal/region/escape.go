package region

import "strings"

const hexDigits = "0123456789abcdef"

// EscapeKey renders a binary key in a readable, stable form. Printable ASCII
// is kept, everything else becomes a \xNN escape.
func EscapeKey(key []byte) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, c := range key {
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\t':
			b.WriteString(`\t`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c >= 0x20 && c < 0x7f:
			b.WriteByte(c)
		default:
			b.WriteString(`\x`)
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}
