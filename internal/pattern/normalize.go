// Package pattern canonicalizes operation and error signatures into pattern keys so
// that samples differing only in literal values aggregate together.
package pattern

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Placeholder replaces every stripped literal.
const Placeholder = "?"

// Normalize strips quoted and numeric literals from an operation signature and
// collapses whitespace. Normalize(Normalize(s)) == Normalize(s).
func Normalize(signature string) string {
	var b strings.Builder
	b.Grow(len(signature))

	in := []rune(signature)
	for i := 0; i < len(in); {
		r := in[i]
		switch {
		case r == '\'' || r == '"' || r == '`':
			i = skipQuoted(in, i)
			b.WriteString(Placeholder)
		case isDigit(r) && !identBefore(in, i):
			i = skipNumber(in, i)
			b.WriteString(Placeholder)
		default:
			b.WriteRune(r)
			i++
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// ErrorKey returns the stable pattern key for an error signature.
func ErrorKey(kind, message string) string {
	return Digest(kind + "\x00" + message)
}

// Digest returns a short, store-safe hash of a pattern key.
func Digest(key string) string {
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}

// skipQuoted returns the index just past the literal opened at in[start]. A doubled
// quote or a backslash escapes the quote character. Unterminated literals run to the end.
func skipQuoted(in []rune, start int) int {
	quote := in[start]
	i := start + 1
	for i < len(in) {
		switch in[i] {
		case '\\':
			i += 2
			continue
		case quote:
			if i+1 < len(in) && in[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(in)
}

// skipNumber consumes integer, decimal, exponent and hex literals.
func skipNumber(in []rune, start int) int {
	i := start
	if in[i] == '0' && i+1 < len(in) && (in[i+1] == 'x' || in[i+1] == 'X') {
		i += 2
		for i < len(in) && isHex(in[i]) {
			i++
		}
		return i
	}
	for i < len(in) && isDigit(in[i]) {
		i++
	}
	if i+1 < len(in) && in[i] == '.' && isDigit(in[i+1]) {
		i++
		for i < len(in) && isDigit(in[i]) {
			i++
		}
	}
	if i+1 < len(in) && (in[i] == 'e' || in[i] == 'E') {
		j := i + 1
		if j < len(in) && (in[j] == '+' || in[j] == '-') {
			j++
		}
		if j < len(in) && isDigit(in[j]) {
			i = j
			for i < len(in) && isDigit(in[i]) {
				i++
			}
		}
	}
	return i
}

// identBefore reports whether the digit at in[i] continues an identifier such as
// "table2" or "user_id9".
func identBefore(in []rune, i int) bool {
	if i == 0 {
		return false
	}
	p := in[i-1]
	return p == '_' || p == '$' || isLetter(p) || isDigit(p)
}

func isDigit(r rune) bool  { return r >= '0' && r <= '9' }
func isLetter(r rune) bool { return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r > 0x7f }
func isHex(r rune) bool    { return isDigit(r) || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') }
