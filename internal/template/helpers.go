package template

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type helperFunc func(st *renderState, args []interface{}) (interface{}, error)

// helpers is the inline helper registry. Block helpers (#if, #each, …) are
// handled by the parser, not listed here.
var helpers = map[string]helperFunc{
	"toUppercase": stringHelper(strings.ToUpper),
	"toLowercase": stringHelper(strings.ToLower),
	"toTitlecase": stringHelper(func(s string) string {
		return cases.Title(language.English).String(s)
	}),
	"strJoin":    helperStrJoin,
	"strReplace": helperStrReplace,
	"toJson":     helperToJSON,
	"pkgPathFor": helperPkgPathFor,
}

func stringHelper(fn func(string) string) helperFunc {
	return func(_ *renderState, args []interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		return fn(stringify(args[0])), nil
	}
}

func helperStrJoin(_ *renderState, args []interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(args))
	}
	items := collect(args[0])
	sep := stringify(args[1])
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = stringify(item)
	}
	return strings.Join(parts, sep), nil
}

func helperStrReplace(_ *renderState, args []interface{}) (interface{}, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("expected 3 arguments, got %d", len(args))
	}
	return strings.ReplaceAll(stringify(args[0]), stringify(args[1]), stringify(args[2])), nil
}

func helperToJSON(_ *renderState, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	out, err := json.MarshalIndent(args[0], "", "  ")
	if err != nil {
		return nil, err
	}
	return string(out), nil
}

// helperPkgPathFor resolves the install path of a package dependency. It
// searches pkg.deps in the render data for an entry whose ident satisfies
// the requested identifier and returns its path. The running package itself
// (pkg.ident) matches too.
func helperPkgPathFor(st *renderState, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	want := stringify(args[0])
	wantParts := strings.Split(want, "/")
	if len(wantParts) < 2 {
		return nil, fmt.Errorf("invalid package identifier %q", want)
	}

	pkg, _ := walk(st.root, []string{"pkg"})
	pkgMap, ok := pkg.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("no pkg data available")
	}
	if ident, ok := pkgMap["ident"].(string); ok && identMatches(ident, wantParts) {
		return stringify(pkgMap["path"]), nil
	}
	deps, _ := pkgMap["deps"].([]interface{})
	for _, dep := range deps {
		m, ok := dep.(map[string]interface{})
		if !ok {
			continue
		}
		if ident, ok := m["ident"].(string); ok && identMatches(ident, wantParts) {
			return stringify(m["path"]), nil
		}
	}
	return nil, fmt.Errorf("package %q is not a dependency", filepath.ToSlash(want))
}

func identMatches(full string, wantParts []string) bool {
	parts := strings.Split(full, "/")
	if len(wantParts) > len(parts) {
		return false
	}
	for i, w := range wantParts {
		if parts[i] != w {
			return false
		}
	}
	return true
}
