// Package identity resolves which stored query record an observed
// statement belongs to. Every engine goes through Of so that collection,
// alerting and operator opt-in agree on identity.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// QueryIdentity is the normalized text of a statement and its content hash.
type QueryIdentity struct {
	Text string
	Hash string
}

// Of normalizes raw statement text and hashes it. Normalization collapses
// whitespace runs outside quoted spans and drops trailing semicolons;
// literals are left to the statistics extension, so statements differing
// only in un-parameterized literals keep separate identities.
func Of(raw string) QueryIdentity {
	text := Normalize(raw)
	sum := sha256.Sum256([]byte(text))
	return QueryIdentity{Text: text, Hash: hex.EncodeToString(sum[:])}
}

// Normalize is the text half of Of. String literals, quoted identifiers and
// dollar-quoted bodies are copied verbatim.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	space := false
	for i := 0; i < len(raw); {
		if isSpace(raw[i]) {
			space = true
			i++
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		end := tokenEnd(raw, i)
		b.WriteString(raw[i:end])
		i = end
	}

	text := b.String()
	for strings.HasSuffix(text, ";") {
		text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	}
	return text
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

// tokenEnd returns the offset just past the byte at i, or past the whole
// quoted span that starts there. Unterminated spans run to the end.
func tokenEnd(s string, i int) int {
	switch c := s[i]; c {
	case '\'', '"':
		// E'...' strings honour backslash escapes.
		escapes := c == '\'' && i > 0 && (s[i-1] == 'E' || s[i-1] == 'e')
		for j := i + 1; j < len(s); j++ {
			switch {
			case escapes && s[j] == '\\':
				j++
			case s[j] == c:
				if j+1 < len(s) && s[j+1] == c {
					j++
					continue
				}
				return j + 1
			}
		}
		return len(s)
	case '$':
		tag := dollarTag(s, i)
		if tag == "" {
			return i + 1
		}
		k := strings.Index(s[i+len(tag):], tag)
		if k < 0 {
			return len(s)
		}
		return i + 2*len(tag) + k
	}
	return i + 1
}

// dollarTag returns the $tag$ opening at i, or "" for a positional
// parameter such as $1.
func dollarTag(s string, i int) string {
	j := i + 1
	if j < len(s) && s[j] >= '0' && s[j] <= '9' {
		return ""
	}
	for j < len(s) && (s[j] == '_' || s[j] >= 'a' && s[j] <= 'z' || s[j] >= 'A' && s[j] <= 'Z' || s[j] >= '0' && s[j] <= '9') {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[i : j+1]
	}
	return ""
}

// Equal reports whether two raw texts resolve to the same identity.
func Equal(a, b string) bool {
	return Of(a).Hash == Of(b).Hash
}
