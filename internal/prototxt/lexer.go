package prototxt

import (
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord          // identifiers, numbers and enum literals
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	line int
}

// lexer splits prototxt source into tokens, dropping whitespace and
// `#` comments.
type lexer struct {
	src  string
	pos  int
	line int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1}
}

func isWordByte(c byte) bool {
	return c == '_' || c == '.' || c == '-' || c == '+' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: l.line}, nil
	}

	c := l.src[l.pos]
	switch {
	case strings.IndexByte(":{}<>[],;", c) >= 0:
		l.pos++
		return token{kind: tokPunct, text: string(c), line: l.line}, nil
	case c == '"' || c == '\'':
		return l.readString(c)
	case isWordByte(c):
		start := l.pos
		for l.pos < len(l.src) && isWordByte(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokWord, text: l.src[start:l.pos], line: l.line}, nil
	default:
		return token{}, &ParseError{Message: "unexpected character " + quoteByte(c), Line: l.line}
	}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch c := l.src[l.pos]; {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++
		case c == '#':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		default:
			return
		}
	}
}

// readString reads a quoted string, handling the usual C escapes.
func (l *lexer) readString(quote byte) (token, error) {
	startLine := l.line
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == quote:
			l.pos++
			return token{kind: tokString, text: sb.String(), line: startLine}, nil
		case c == '\n':
			return token{}, &ParseError{Message: "newline in string literal", Line: l.line}
		case c == '\\' && l.pos+1 < len(l.src):
			l.pos++
			switch e := l.src[l.pos]; e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(e)
			}
		default:
			sb.WriteByte(c)
		}
		l.pos++
	}
	return token{}, &ParseError{Message: "unterminated string literal", Line: startLine}
}

func quoteByte(c byte) string {
	return "'" + string(rune(c)) + "'"
}
