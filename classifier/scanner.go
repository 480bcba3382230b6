package classifier

import "strings"

// scanner walks a SQL statement skipping whitespace and comments, and
// tokenizes whitespace/punctuation-delimited words without ever looking
// inside a quoted or backtick-quoted literal — so a keyword appearing
// inside a string constant is never mistaken for a real keyword.
type scanner struct {
	src []rune
	pos int
}

func newScanner(query string) *scanner {
	return &scanner{src: []rune(query)}
}

func (s *scanner) skipWhitespaceAndComments() {
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			s.pos++
		case c == '-' && s.peekIs(1, '-'):
			s.skipLineComment()
		case c == '#':
			s.skipLineComment()
		case c == '/' && s.peekIs(1, '*'):
			s.skipBlockComment()
		default:
			return
		}
	}
}

func (s *scanner) peekIs(offset int, r rune) bool {
	return s.pos+offset < len(s.src) && s.src[s.pos+offset] == r
}

func (s *scanner) skipLineComment() {
	for s.pos < len(s.src) && s.src[s.pos] != '\n' {
		s.pos++
	}
}

// skipBlockComment skips a /* ... */ comment, tolerating nesting (MySQL
// supports /*! ... */ version comments and nested /* /* */ */ blocks in
// some dialects; we conservatively track depth so a nested opener doesn't
// let content past the first closer leak through as real tokens).
func (s *scanner) skipBlockComment() {
	depth := 0
	for s.pos < len(s.src) {
		if s.peekIs(0, '/') && s.peekIs(1, '*') {
			depth++
			s.pos += 2
			continue
		}
		if s.peekIs(0, '*') && s.peekIs(1, '/') {
			depth--
			s.pos += 2
			if depth <= 0 {
				return
			}
			continue
		}
		s.pos++
	}
}

// skipQuoted skips a quoted literal delimited by quote, honoring the SQL
// convention of a doubled delimiter as an escaped quote character.
func (s *scanner) skipQuoted(quote rune) {
	s.pos++ // opening quote
	for s.pos < len(s.src) {
		if s.src[s.pos] == '\\' && s.pos+1 < len(s.src) {
			s.pos += 2
			continue
		}
		if s.src[s.pos] == quote {
			if s.peekIs(1, quote) {
				s.pos += 2
				continue
			}
			s.pos++
			return
		}
		s.pos++
	}
}

// nextKeyword returns the next token, upper-cased, skipping whitespace,
// comments, and quoted literals entirely. Returns "" at end of input.
func (s *scanner) nextKeyword() string {
	s.skipWhitespaceAndComments()
	for s.pos < len(s.src) && (s.src[s.pos] == '\'' || s.src[s.pos] == '"' || s.src[s.pos] == '`') {
		s.skipQuoted(s.src[s.pos])
		s.skipWhitespaceAndComments()
	}
	start := s.pos
	for s.pos < len(s.src) && isWordRune(s.src[s.pos]) {
		s.pos++
	}
	if s.pos == start {
		// Punctuation/operator token the caller doesn't care about;
		// consume exactly one rune so callers can't spin forever.
		if s.pos < len(s.src) {
			s.pos++
		}
		return ""
	}
	return strings.ToUpper(string(s.src[start:s.pos]))
}

func isWordRune(r rune) bool {
	return r == '_' || r == '@' || r == '.' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// remainderUpper returns everything from the current position to the end
// of input, upper-cased, for substring checks (FOR UPDATE, @@GLOBAL.).
// Quoted literals are NOT stripped here deliberately cheaply — callers using
// it only check for keyword substrings that would be pathological to embed
// deliberately inside a literal in a way that changes routing semantics; the
// precise leading-keyword decisions above always go through nextKeyword.
func (s *scanner) remainderUpper() string {
	return strings.ToUpper(string(s.src[s.pos:]))
}
