package cookie

import "strings"

// Split breaks a combined Set-Cookie header into directives. A comma only
// separates two directives when it is followed, after optional whitespace,
// by a name= pair; commas inside Expires dates or values are kept.
func Split(header string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(header); i++ {
		if header[i] != ',' || !startsDirective(header[i+1:]) {
			continue
		}
		if p := strings.TrimSpace(header[start:i]); p != "" {
			parts = append(parts, p)
		}
		start = i + 1
	}
	if p := strings.TrimSpace(header[start:]); p != "" {
		parts = append(parts, p)
	}
	return parts
}

// SplitAll applies Split to each header value. Go exposes repeated
// Set-Cookie headers as a list, so each value is usually already a single
// directive; folded values from intermediaries are still split.
func SplitAll(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, Split(v)...)
	}
	return out
}

func startsDirective(s string) bool {
	s = strings.TrimLeft(s, " \t")
	n := 0
	for n < len(s) && isTokenByte(s[n]) {
		n++
	}
	return n > 0 && n < len(s) && s[n] == '='
}

// isTokenByte reports whether b may appear in an RFC 7230 token.
func isTokenByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", b) >= 0
}
