package template

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// RenderOptions control evaluation behavior.
type RenderOptions struct {
	// Strict turns missing-path lookups into render errors instead of
	// empty output.
	Strict bool
	// Warn, when set, receives a message for every missing path rendered
	// as empty output in non-strict mode.
	Warn func(msg string)
}

// Render evaluates the template against data with default options.
func (t *Template) Render(data map[string]interface{}) (string, error) {
	return t.RenderOpts(data, RenderOptions{})
}

// RenderOpts evaluates the template against data.
func (t *Template) RenderOpts(data map[string]interface{}, opts RenderOptions) (string, error) {
	st := &renderState{tmpl: t, root: data, opts: opts}
	var sb strings.Builder
	if err := st.renderNodes(&sb, t.nodes); err != nil {
		return "", err
	}
	return sb.String(), nil
}

type frame struct {
	value interface{}
	meta  map[string]interface{} // @index, @first, @last
}

type renderState struct {
	tmpl   *Template
	root   map[string]interface{}
	frames []frame
	opts   RenderOptions
}

func (st *renderState) renderNodes(sb *strings.Builder, nodes []Node) error {
	for _, n := range nodes {
		switch node := n.(type) {
		case *TextNode:
			sb.WriteString(node.Text)
		case *MustacheNode:
			val, err := st.eval(node.Expr)
			if err != nil {
				return err
			}
			sb.WriteString(stringify(val))
		case *BlockNode:
			if err := st.renderBlock(sb, node); err != nil {
				return err
			}
		}
	}
	return nil
}

func (st *renderState) renderBlock(sb *strings.Builder, block *BlockNode) error {
	val, err := st.evalArg(block.Kind.Args[0], block.Kind)
	if err != nil {
		return err
	}

	switch BlockKind(block.Kind.Helper) {
	case BlockIf:
		if truthy(val) {
			return st.renderNodes(sb, block.Body)
		}
		return st.renderNodes(sb, block.Else)

	case BlockUnless:
		if !truthy(val) {
			return st.renderNodes(sb, block.Body)
		}
		return st.renderNodes(sb, block.Else)

	case BlockWith:
		if !truthy(val) {
			return st.renderNodes(sb, block.Else)
		}
		st.frames = append(st.frames, frame{value: val})
		err := st.renderNodes(sb, block.Body)
		st.frames = st.frames[:len(st.frames)-1]
		return err

	case BlockEach, BlockEachAlive:
		items := collect(val)
		if BlockKind(block.Kind.Helper) == BlockEachAlive {
			items = filterAlive(items)
		}
		if len(items) == 0 {
			return st.renderNodes(sb, block.Else)
		}
		for i, item := range items {
			st.frames = append(st.frames, frame{
				value: item,
				meta: map[string]interface{}{
					"index": i,
					"first": i == 0,
					"last":  i == len(items)-1,
				},
			})
			err := st.renderNodes(sb, block.Body)
			st.frames = st.frames[:len(st.frames)-1]
			if err != nil {
				return err
			}
		}
		return nil
	}
	return &RenderError{Template: st.tmpl.Name, Line: block.Kind.Line, Col: block.Kind.Col, Msg: fmt.Sprintf("unknown block %q", block.Kind.Helper)}
}

// eval evaluates an expression: a bare path lookup or a helper call.
func (st *renderState) eval(expr Expr) (interface{}, error) {
	if expr.Helper == "" {
		return st.evalArg(expr.Args[0], expr)
	}
	helper, ok := helpers[expr.Helper]
	if !ok {
		return nil, &RenderError{Template: st.tmpl.Name, Line: expr.Line, Col: expr.Col, Msg: fmt.Sprintf("unknown helper %q", expr.Helper)}
	}
	args := make([]interface{}, len(expr.Args))
	for i, a := range expr.Args {
		v, err := st.evalArg(a, expr)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	out, err := helper(st, args)
	if err != nil {
		return nil, &RenderError{Template: st.tmpl.Name, Line: expr.Line, Col: expr.Col, Msg: fmt.Sprintf("%s: %v", expr.Helper, err)}
	}
	return out, nil
}

func (st *renderState) evalArg(arg Arg, expr Expr) (interface{}, error) {
	if arg.IsLit {
		return arg.Literal, nil
	}
	val, found := st.lookup(arg.Path)
	if !found {
		path := strings.Join(arg.Path, ".")
		if st.opts.Strict {
			return nil, &RenderError{Template: st.tmpl.Name, Line: expr.Line, Col: expr.Col, Msg: fmt.Sprintf("no value at path %q", path)}
		}
		if st.opts.Warn != nil {
			st.opts.Warn(fmt.Sprintf("%s:%d:%d: no value at path %q", st.tmpl.Name, expr.Line, expr.Col, path))
		}
		return nil, nil
	}
	return val, nil
}

// lookup resolves a dotted path. `this` and `@…` address the innermost
// frame; everything else resolves against the innermost frame first and
// falls back to the root data.
func (st *renderState) lookup(path []string) (interface{}, bool) {
	head := path[0]

	if strings.HasPrefix(head, "@") {
		if len(st.frames) == 0 {
			return nil, false
		}
		v, ok := st.frames[len(st.frames)-1].meta[head[1:]]
		return v, ok
	}
	if head == "this" {
		if len(st.frames) == 0 {
			return nil, false
		}
		return walk(st.frames[len(st.frames)-1].value, path[1:])
	}
	if len(st.frames) > 0 {
		if v, ok := walk(st.frames[len(st.frames)-1].value, path); ok {
			return v, ok
		}
	}
	return walk(st.root, path)
}

// walk descends through maps and slices following path segments.
func walk(val interface{}, path []string) (interface{}, bool) {
	for _, seg := range path {
		switch cur := val.(type) {
		case map[string]interface{}:
			v, ok := cur[seg]
			if !ok {
				return nil, false
			}
			val = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur) {
				return nil, false
			}
			val = cur[idx]
		default:
			return nil, false
		}
	}
	return val, true
}

// truthy implements template truthiness: false, nil, empty strings, zero
// numbers, and empty collections are falsey.
func truthy(val interface{}) bool {
	switch v := val.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case map[string]interface{}:
		return len(v) > 0
	case []interface{}:
		return len(v) > 0
	default:
		rv := reflect.ValueOf(val)
		switch rv.Kind() {
		case reflect.Slice, reflect.Map, reflect.Array:
			return rv.Len() > 0
		}
		return true
	}
}

// collect turns an iterable value into an ordered item list. Maps iterate
// as their values in key order so output is deterministic.
func collect(val interface{}) []interface{} {
	switch v := val.(type) {
	case []interface{}:
		return v
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]interface{}, 0, len(v))
		for _, k := range keys {
			items = append(items, v[k])
		}
		return items
	case nil:
		return nil
	default:
		rv := reflect.ValueOf(val)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			items := make([]interface{}, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				items[i] = rv.Index(i).Interface()
			}
			return items
		}
		return nil
	}
}

// filterAlive keeps items whose "alive" field is truthy.
func filterAlive(items []interface{}) []interface{} {
	var out []interface{}
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok && truthy(m["alive"]) {
			out = append(out, item)
		}
	}
	return out
}

// stringify renders a value into output text.
func stringify(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
