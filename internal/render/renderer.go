package render

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gocache "github.com/patrickmn/go-cache"

	rerrors "github.com/roost-sh/roost/internal/errors"
	"github.com/roost-sh/roost/internal/logging"
	"github.com/roost-sh/roost/internal/template"
)

// Hooks that force a service restart when their rendered content changes.
// Anything else only triggers the reload hook.
var restartHooks = map[string]bool{
	"run":  true,
	"init": true,
}

// FileResult records the outcome for one rendered file.
type FileResult struct {
	Name    string
	Path    string
	Hash    uint32
	Changed bool
}

// Result summarizes one render pass over a service directory.
type Result struct {
	Files []FileResult
}

// Changed returns the names of files whose content changed.
func (r *Result) Changed() []string {
	var out []string
	for _, f := range r.Files {
		if f.Changed {
			out = append(out, f.Name)
		}
	}
	return out
}

// NeedsRestart reports whether any changed file requires a full restart.
func (r *Result) NeedsRestart() bool {
	for _, f := range r.Files {
		if f.Changed && restartHooks[hookName(f.Name)] {
			return true
		}
	}
	return false
}

// NeedsReload reports whether anything changed at all.
func (r *Result) NeedsReload() bool {
	return len(r.Changed()) > 0
}

func hookName(name string) string {
	if strings.HasPrefix(name, "hooks/") {
		return strings.TrimPrefix(name, "hooks/")
	}
	return ""
}

// Renderer renders a service's config templates and hooks. Parsed templates
// are cached by source checksum so unchanged sources are not reparsed, and
// output hashes are kept so the caller learns which files changed.
type Renderer struct {
	logger    logging.Logger
	collector *rerrors.Collector
	compiled  *gocache.Cache // source checksum -> *template.Template
	hashes    map[string]uint32
	strict    bool
}

// NewRenderer creates a renderer. The collector may be nil.
func NewRenderer(logger logging.Logger, collector *rerrors.Collector, strict bool) *Renderer {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	if collector == nil {
		collector = rerrors.NewCollector()
	}
	return &Renderer{
		logger:    logger.WithComponent("render"),
		collector: collector,
		compiled:  gocache.New(gocache.NoExpiration, 0),
		hashes:    make(map[string]uint32),
		strict:    strict,
	}
}

// RenderService renders every template under configDir into outDir and
// every hook under hooksDir into outDir/hooks. Hook outputs are written
// executable. Paths in the result are relative ("config.toml",
// "hooks/run").
func (r *Renderer) RenderService(ctx context.Context, service, configDir, hooksDir, outDir string, rctx *Context) (*Result, error) {
	data, err := rctx.Data()
	if err != nil {
		return nil, err
	}

	result := &Result{}

	if configDir != "" {
		if err := r.renderTree(ctx, service, configDir, outDir, "", 0o644, data, result); err != nil {
			return nil, err
		}
	}
	if hooksDir != "" {
		if err := r.renderTree(ctx, service, hooksDir, filepath.Join(outDir, "hooks"), "hooks/", 0o700, data, result); err != nil {
			return nil, err
		}
	}

	sort.Slice(result.Files, func(i, j int) bool { return result.Files[i].Name < result.Files[j].Name })
	return result, nil
}

// renderTree renders every regular file under srcDir into dstDir,
// preserving relative paths.
func (r *Renderer) renderTree(ctx context.Context, service, srcDir, dstDir, namePrefix string, mode os.FileMode, data map[string]interface{}, result *Result) error {
	entries, err := collectFiles(srcDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return err
		}
	}

	for _, rel := range entries {
		name := namePrefix + filepath.ToSlash(rel)
		out, err := r.renderFile(service, name, filepath.Join(srcDir, rel), data)
		if err != nil {
			return err
		}
		dst := filepath.Join(dstDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		fr, err := r.writeIfChanged(name, dst, out, mode)
		if err != nil {
			return err
		}
		result.Files = append(result.Files, fr)
		if fr.Changed {
			r.logger.Debug(ctx, "rendered file changed", "service", service, "file", name)
		}
	}
	return nil
}

// renderFile parses (or reuses) and renders one template.
func (r *Renderer) renderFile(service, name, path string, data map[string]interface{}) (string, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	cacheKey := fmt.Sprintf("%s:%08x", name, crc32.ChecksumIEEE(src))
	var tmpl *template.Template
	if cached, ok := r.compiled.Get(cacheKey); ok {
		tmpl = cached.(*template.Template)
	} else {
		tmpl, err = template.Parse(name, string(src))
		if err != nil {
			r.recordError(service, name, err)
			return "", err
		}
		r.compiled.SetDefault(cacheKey, tmpl)
	}

	out, err := tmpl.RenderOpts(data, template.RenderOptions{
		Strict: r.strict,
		Warn: func(msg string) {
			r.collector.Add(rerrors.RenderError{
				Service:  service,
				Template: name,
				Message:  msg,
				Severity: rerrors.SeverityWarning,
			})
		},
	})
	if err != nil {
		r.recordError(service, name, err)
		return "", err
	}
	return out, nil
}

// writeIfChanged writes content atomically when its checksum differs from
// the last render.
func (r *Renderer) writeIfChanged(name, dst, content string, mode os.FileMode) (FileResult, error) {
	hash := crc32.ChecksumIEEE([]byte(content))
	fr := FileResult{Name: name, Path: dst, Hash: hash}

	prev, had := r.hashes[dst]
	if had && prev == hash {
		if _, err := os.Stat(dst); err == nil {
			return fr, nil
		}
		// output vanished underneath us, rewrite it
	}

	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), mode); err != nil {
		return fr, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fr, err
	}
	r.hashes[dst] = hash
	fr.Changed = !had || prev != hash
	return fr, nil
}

func (r *Renderer) recordError(service, name string, err error) {
	re := rerrors.RenderError{
		Service:  service,
		Template: name,
		Message:  err.Error(),
		Severity: rerrors.SeverityError,
	}
	switch e := err.(type) {
	case *template.ParseError:
		re.Line, re.Column, re.Message = e.Line, e.Col, e.Msg
	case *template.RenderError:
		re.Line, re.Column, re.Message = e.Line, e.Col, e.Msg
	}
	r.collector.Add(re)
}

// Errors exposes the renderer's error collector.
func (r *Renderer) Errors() *rerrors.Collector {
	return r.collector
}

// collectFiles lists regular files under root as sorted relative paths.
func collectFiles(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
