// Package template implements the placeholder syntax used to render service
// configuration files and hooks: `{{ }}` substitutions with dotted path
// lookups, `#if`/`#unless`/`#each`/`#with`/`#eachAlive` blocks, comments,
// and a small set of inline helpers. Output is written verbatim with no
// escaping; the targets are configuration files, not HTML.
//
// Parsing and rendering are separate phases. A parsed *Template is immutable
// and safe for concurrent rendering against different data.
package template

import "fmt"

// Node is a parsed template element.
type Node interface {
	node()
}

// TextNode is literal text passed through byte-for-byte.
type TextNode struct {
	Text string
}

// MustacheNode is a `{{expr}}` substitution.
type MustacheNode struct {
	Expr Expr
}

// BlockKind names a block helper.
type BlockKind string

const (
	BlockIf        BlockKind = "if"
	BlockUnless    BlockKind = "unless"
	BlockEach      BlockKind = "each"
	BlockWith      BlockKind = "with"
	BlockEachAlive BlockKind = "eachAlive"
)

// BlockNode is a `{{#kind expr}} … {{else}} … {{/kind}}` section.
type BlockNode struct {
	Kind Expr // Kind.Helper holds the block name
	Body []Node
	Else []Node
}

func (*TextNode) node()     {}
func (*MustacheNode) node() {}
func (*BlockNode) node()    {}

// Expr is a helper invocation or a bare path lookup. A bare path is an Expr
// with an empty Helper and a single path argument.
type Expr struct {
	Helper string
	Args   []Arg
	Line   int
	Col    int
}

// Arg is an expression argument: a dotted path or a literal.
type Arg struct {
	Path    []string
	Literal interface{}
	IsLit   bool
}

// Template is a parsed template ready for rendering.
type Template struct {
	Name  string
	nodes []Node
}

// ParseError reports a syntax error with its position.
type ParseError struct {
	Template string
	Line     int
	Col      int
	Msg      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Template, e.Line, e.Col, e.Msg)
}

// RenderError reports an evaluation failure with its position.
type RenderError struct {
	Template string
	Line     int
	Col      int
	Msg      string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Template, e.Line, e.Col, e.Msg)
}
