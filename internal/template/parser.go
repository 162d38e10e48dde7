package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse parses template source into an immutable Template.
func Parse(name, src string) (*Template, error) {
	tokens, err := lex(name, src)
	if err != nil {
		return nil, err
	}
	p := &parser{name: name, tokens: tokens}
	nodes, err := p.parseNodes("")
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		return nil, &ParseError{Template: name, Line: tok.line, Col: tok.col, Msg: fmt.Sprintf("unexpected {{/%s}}", tok.text)}
	}
	return &Template{Name: name, nodes: nodes}, nil
}

// MustParse parses src and panics on error. For tests and static templates.
func MustParse(name, src string) *Template {
	t, err := Parse(name, src)
	if err != nil {
		panic(err)
	}
	return t
}

type parser struct {
	name   string
	tokens []token
	pos    int
}

// parseNodes consumes tokens until a block close for open (or end of input
// when open is empty). The closing token is left for the caller to verify.
func (p *parser) parseNodes(open string) ([]Node, error) {
	nodes := []Node{}
	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		switch tok.kind {
		case tokenText:
			nodes = append(nodes, &TextNode{Text: tok.text})
			p.pos++
		case tokenMustache:
			expr, err := p.parseExpr(tok)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, &MustacheNode{Expr: expr})
			p.pos++
		case tokenBlockOpen:
			block, err := p.parseBlock(tok)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, block)
		case tokenBlockClose, tokenElse:
			if open == "" && tok.kind == tokenElse {
				return nil, &ParseError{Template: p.name, Line: tok.line, Col: tok.col, Msg: "{{else}} outside a block"}
			}
			return nodes, nil
		}
	}
	return nodes, nil
}

func (p *parser) parseBlock(tok token) (*BlockNode, error) {
	expr, err := p.parseExpr(tok)
	if err != nil {
		return nil, err
	}
	switch BlockKind(expr.Helper) {
	case BlockIf, BlockUnless, BlockEach, BlockWith, BlockEachAlive:
	default:
		return nil, &ParseError{Template: p.name, Line: tok.line, Col: tok.col, Msg: fmt.Sprintf("unknown block helper %q", expr.Helper)}
	}
	if len(expr.Args) != 1 {
		return nil, &ParseError{Template: p.name, Line: tok.line, Col: tok.col, Msg: fmt.Sprintf("#%s takes exactly one argument", expr.Helper)}
	}
	p.pos++ // consume the open token

	body, err := p.parseNodes(expr.Helper)
	if err != nil {
		return nil, err
	}
	block := &BlockNode{Kind: expr, Body: body}

	if p.pos < len(p.tokens) && p.tokens[p.pos].kind == tokenElse {
		p.pos++
		block.Else, err = p.parseNodes(expr.Helper)
		if err != nil {
			return nil, err
		}
	}

	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tokenBlockClose {
		return nil, &ParseError{Template: p.name, Line: tok.line, Col: tok.col, Msg: fmt.Sprintf("unclosed block {{#%s}}", expr.Helper)}
	}
	closeTok := p.tokens[p.pos]
	if closeTok.text != expr.Helper {
		return nil, &ParseError{Template: p.name, Line: closeTok.line, Col: closeTok.col, Msg: fmt.Sprintf("mismatched close tag: expected {{/%s}}, got {{/%s}}", expr.Helper, closeTok.text)}
	}
	p.pos++
	return block, nil
}

// parseExpr parses a mustache or block-open interior: either a bare path or
// a helper name followed by arguments.
func (p *parser) parseExpr(tok token) (Expr, error) {
	fields, err := splitFields(tok.text)
	if err != nil || len(fields) == 0 {
		return Expr{}, &ParseError{Template: p.name, Line: tok.line, Col: tok.col, Msg: fmt.Sprintf("malformed expression %q", tok.text)}
	}

	expr := Expr{Line: tok.line, Col: tok.col}
	head := fields[0]
	isHelper := tok.kind == tokenBlockOpen || len(fields) > 1 || isHelperName(head)
	if isHelper && !strings.Contains(head, ".") {
		expr.Helper = head
		fields = fields[1:]
	}
	for _, f := range fields {
		arg, err := parseArg(f)
		if err != nil {
			return Expr{}, &ParseError{Template: p.name, Line: tok.line, Col: tok.col, Msg: err.Error()}
		}
		expr.Args = append(expr.Args, arg)
	}
	if expr.Helper == "" && len(expr.Args) != 1 {
		return Expr{}, &ParseError{Template: p.name, Line: tok.line, Col: tok.col, Msg: fmt.Sprintf("malformed expression %q", tok.text)}
	}
	return expr, nil
}

func parseArg(field string) (Arg, error) {
	if strings.HasPrefix(field, `"`) {
		if len(field) < 2 || !strings.HasSuffix(field, `"`) {
			return Arg{}, fmt.Errorf("unterminated string %s", field)
		}
		return Arg{IsLit: true, Literal: field[1 : len(field)-1]}, nil
	}
	if n, err := strconv.ParseInt(field, 10, 64); err == nil {
		return Arg{IsLit: true, Literal: n}, nil
	}
	switch field {
	case "true":
		return Arg{IsLit: true, Literal: true}, nil
	case "false":
		return Arg{IsLit: true, Literal: false}, nil
	}
	path := strings.Split(field, ".")
	for _, seg := range path {
		if seg == "" {
			return Arg{}, fmt.Errorf("malformed path %q", field)
		}
	}
	return Arg{Path: path}, nil
}

func isHelperName(name string) bool {
	_, ok := helpers[name]
	return ok
}
