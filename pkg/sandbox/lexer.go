package sandbox

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokQuotedIdent
	tokString
	// tokEscapeString is an E'...' literal, whose backslash escapes the scanner does not model.
	tokEscapeString
	tokNumber
	tokSymbol
)

type token struct {
	kind tokenKind
	// text is the raw text for symbols and numbers, the unquoted value for quoted
	// identifiers and strings, and the lowercased name for identifiers.
	text string
	pos  int
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

func (t token) keyword(words ...string) bool {
	if t.kind != tokIdent {
		return false
	}
	for _, w := range words {
		if t.text == w {
			return true
		}
	}
	return false
}

var twoCharSymbols = map[string]bool{
	"::": true, "<=": true, ">=": true, "<>": true, "!=": true, "||": true, "==": true, "->": true, "**": true, "//": true,
}

// lex splits script text into tokens, dropping whitespace and comments. It keeps going
// after an unterminated quote or comment so the safety scan still sees every token; the
// first such problem is returned alongside the tokens.
func lex(src string) ([]token, error) {
	var (
		toks   []token
		lexErr error
	)
	fail := func(format string, args ...any) {
		if lexErr == nil {
			lexErr = fmt.Errorf(format, args...)
		}
	}

	r := []rune(src)
	for i := 0; i < len(r); {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '-' && i+1 < len(r) && r[i+1] == '-':
			for i < len(r) && r[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < len(r) && r[i+1] == '*':
			j := i + 2
			for j+1 < len(r) && (r[j] != '*' || r[j+1] != '/') {
				j++
			}
			if j+1 >= len(r) {
				fail("unterminated comment at offset %d", i)
				i = len(r)
				continue
			}
			i = j + 2

		case c == '\'' || c == '"':
			start := i
			val, n, ok := quoted(r[i:], c)
			if !ok {
				fail("unterminated quote at offset %d", start)
			}
			kind := tokString
			if c == '"' {
				kind = tokQuotedIdent
			}
			toks = append(toks, token{kind: kind, text: val, pos: start})
			i += n

		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(r) && (r[i] == '_' || unicode.IsLetter(r[i]) || unicode.IsDigit(r[i])) {
				i++
			}
			word := strings.ToLower(string(r[start:i]))
			// E'...' escape strings are string literals.
			if word == "e" && i < len(r) && r[i] == '\'' {
				val, n, ok := quoted(r[i:], '\'')
				if !ok {
					fail("unterminated quote at offset %d", i)
				}
				toks = append(toks, token{kind: tokEscapeString, text: val, pos: start})
				i += n
				continue
			}
			toks = append(toks, token{kind: tokIdent, text: word, pos: start})

		case unicode.IsDigit(c) || (c == '.' && i+1 < len(r) && unicode.IsDigit(r[i+1])):
			start := i
			for i < len(r) && (unicode.IsDigit(r[i]) || r[i] == '.' || r[i] == '_' ||
				r[i] == 'e' || r[i] == 'E' ||
				((r[i] == '+' || r[i] == '-') && (r[i-1] == 'e' || r[i-1] == 'E'))) {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: string(r[start:i]), pos: start})

		default:
			if i+1 < len(r) && twoCharSymbols[string(r[i:i+2])] {
				toks = append(toks, token{kind: tokSymbol, text: string(r[i : i+2]), pos: i})
				i += 2
				continue
			}
			toks = append(toks, token{kind: tokSymbol, text: string(c), pos: i})
			i++
		}
	}
	return toks, lexErr
}

// quoted reads a quote-delimited value starting at r[0]. A doubled quote is an escaped
// quote. It returns the value, the number of runes consumed and whether the closing quote
// was found.
func quoted(r []rune, q rune) (string, int, bool) {
	var sb strings.Builder
	for i := 1; i < len(r); i++ {
		if r[i] != q {
			sb.WriteRune(r[i])
			continue
		}
		if i+1 < len(r) && r[i+1] == q {
			sb.WriteRune(q)
			i++
			continue
		}
		return sb.String(), i + 1, true
	}
	return sb.String(), len(r), false
}
