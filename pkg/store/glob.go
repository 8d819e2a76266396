package store

// matchGlob reports whether key matches pattern under the KEYS glob rules:
// `*` matches any run of bytes (including `/` and `:`), `?` matches one
// byte, `[...]` matches a set with `^` negation and `a-z` ranges, and `\`
// escapes the next byte. An unterminated set closes at the end of the
// pattern.
func matchGlob(pattern, key string) bool {
	p, i := 0, 0
	starP, starI := -1, 0
	for i < len(key) {
		if p < len(pattern) {
			if pattern[p] == '*' {
				starP, starI = p, i
				p++
				continue
			}
			if next, ok := matchByte(pattern, p, key[i]); ok {
				p = next
				i++
				continue
			}
		}
		if starP < 0 {
			return false
		}
		starI++
		p, i = starP+1, starI
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchByte matches c against the single-byte token at pattern[p] and
// returns the index of the following token.
func matchByte(pattern string, p int, c byte) (int, bool) {
	switch pattern[p] {
	case '?':
		return p + 1, true
	case '\\':
		if p+1 < len(pattern) {
			return p + 2, pattern[p+1] == c
		}
		return p + 1, c == '\\'
	case '[':
		return matchSet(pattern, p+1, c)
	default:
		return p + 1, pattern[p] == c
	}
}

func matchSet(pattern string, p int, c byte) (int, bool) {
	negate := p < len(pattern) && pattern[p] == '^'
	if negate {
		p++
	}
	matched := false
	for p < len(pattern) && pattern[p] != ']' {
		switch {
		case pattern[p] == '\\' && p+1 < len(pattern):
			if pattern[p+1] == c {
				matched = true
			}
			p += 2
		case p+2 < len(pattern) && pattern[p+1] == '-' && pattern[p+2] != ']':
			lo, hi := pattern[p], pattern[p+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			p += 3
		default:
			if pattern[p] == c {
				matched = true
			}
			p++
		}
	}
	if p < len(pattern) {
		p++ // ]
	}
	return p, matched != negate
}
