package template

import (
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokenText tokenKind = iota
	tokenMustache
	tokenBlockOpen
	tokenBlockClose
	tokenElse
)

type token struct {
	kind tokenKind
	text string // raw text for tokenText, mustache interior otherwise
	line int
	col  int
}

const (
	openDelim    = "{{"
	closeDelim   = "}}"
	commentOpen  = "{{!--"
	commentClose = "--}}"
)

// lex splits template source into text and mustache tokens. Comments are
// dropped here. Positions are 1-based and refer to the opening delimiter.
func lex(name, src string) ([]token, error) {
	var tokens []token
	line, col := 1, 1
	for len(src) > 0 {
		idx := strings.Index(src, openDelim)
		if idx < 0 {
			tokens = append(tokens, token{kind: tokenText, text: src, line: line, col: col})
			break
		}
		if idx > 0 {
			text := src[:idx]
			tokens = append(tokens, token{kind: tokenText, text: text, line: line, col: col})
			line, col = advance(text, line, col)
			src = src[idx:]
		}

		openLine, openCol := line, col

		// Long-form comments may contain }} so they get their own close scan.
		if strings.HasPrefix(src, commentOpen) {
			end := strings.Index(src, commentClose)
			if end < 0 {
				return nil, &ParseError{Template: name, Line: openLine, Col: openCol, Msg: "unterminated comment"}
			}
			consumed := src[:end+len(commentClose)]
			line, col = advance(consumed, line, col)
			src = src[end+len(commentClose):]
			continue
		}

		end := strings.Index(src, closeDelim)
		if end < 0 {
			return nil, &ParseError{Template: name, Line: openLine, Col: openCol, Msg: "unterminated expression: missing }}"}
		}
		interior := src[len(openDelim):end]
		consumed := src[:end+len(closeDelim)]
		line, col = advance(consumed, line, col)
		src = src[end+len(closeDelim):]

		trimmed := strings.TrimSpace(interior)
		switch {
		case trimmed == "":
			return nil, &ParseError{Template: name, Line: openLine, Col: openCol, Msg: "empty expression"}
		case strings.HasPrefix(trimmed, "!"):
			// short comment
			continue
		case strings.HasPrefix(trimmed, "#"):
			tokens = append(tokens, token{kind: tokenBlockOpen, text: strings.TrimSpace(trimmed[1:]), line: openLine, col: openCol})
		case strings.HasPrefix(trimmed, "/"):
			tokens = append(tokens, token{kind: tokenBlockClose, text: strings.TrimSpace(trimmed[1:]), line: openLine, col: openCol})
		case trimmed == "else":
			tokens = append(tokens, token{kind: tokenElse, line: openLine, col: openCol})
		default:
			tokens = append(tokens, token{kind: tokenMustache, text: trimmed, line: openLine, col: openCol})
		}
	}
	return tokens, nil
}

// advance returns the line and column after consuming s.
func advance(s string, line, col int) (int, int) {
	for _, r := range s {
		if r == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

// splitFields splits a mustache interior into whitespace-separated fields,
// keeping double-quoted strings intact.
func splitFields(s string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case (c == ' ' || c == '\t') && !inQuote:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, strconv.ErrSyntax
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields, nil
}
