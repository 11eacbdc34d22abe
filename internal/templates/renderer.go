// Package templates renders the upstream route paths used by the platform
// bridge. Templates get the Sprig helpers minus anything that touches the
// process environment or filesystem.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles templates against a restricted function map.
type Renderer struct {
	funcs template.FuncMap
}

// Template represents a compiled template ready for execution. Templates are
// safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer constructs a renderer with Sprig's text helpers plus segment,
// which escapes a value for use as a single path segment.
func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}

	r := &Renderer{funcs: make(template.FuncMap, len(funcs)+1)}
	for name, fn := range funcs {
		r.funcs[name] = fn
	}
	r.funcs["segment"] = url.PathEscape
	return r
}

// CompileInline parses an inline template source. Empty or whitespace-only
// sources return nil without error to simplify optional configuration fields.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileSet compiles every named source. Empty sources are rejected because
// a route set is only useful when each route resolves.
func (r *Renderer) CompileSet(sources map[string]string) (map[string]*Template, error) {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]*Template, len(sources))
	for _, name := range names {
		tmpl, err := r.CompileInline(name, sources[name])
		if err != nil {
			return nil, err
		}
		if tmpl == nil {
			return nil, fmt.Errorf("templates: %q is empty", name)
		}
		out[name] = tmpl
	}
	return out, nil
}

// Render executes the compiled template with the supplied data returning the
// rendered string. Errors are propagated for callers to surface or log.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name exposes the logical template name which callers may embed in logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
