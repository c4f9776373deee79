// Package tmpl renders the per-variant configuration templates for a site.
package tmpl

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

//go:embed all:templates
var templateFS embed.FS

const suffix = ".tmpl"

// Renderer resolves a variant's template set and renders it against a flat
// context map. Rendering is pure: output is produced fully in memory and
// writing it to disk is a separate explicit step.
type Renderer struct {
	overrideDir string
}

// New creates a Renderer. When overrideDir is non-empty and contains a
// directory for the requested template set, it takes precedence over the
// embedded defaults.
func New(overrideDir string) *Renderer {
	return &Renderer{overrideDir: overrideDir}
}

// Render renders every template of the named set against ctx and returns the
// output keyed by relative file name (the .tmpl suffix stripped). A missing
// context key or an unresolvable template fails the whole render.
func (r *Renderer) Render(set string, ctx map[string]any) (map[string]string, error) {
	source, err := r.resolveSet(set)
	if err != nil {
		return nil, err
	}
	names, err := fs.Glob(source, "*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("list template set %s: %w", set, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("template set %s is empty", set)
	}

	out := make(map[string]string, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(source, name)
		if err != nil {
			return nil, fmt.Errorf("read template %s/%s: %w", set, name, err)
		}
		t, err := template.New(name).
			Funcs(sprig.TxtFuncMap()).
			Option("missingkey=error").
			Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse template %s/%s: %w", set, name, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, ctx); err != nil {
			return nil, fmt.Errorf("render template %s/%s: %w", set, name, err)
		}
		out[strings.TrimSuffix(name, suffix)] = buf.String()
	}
	return out, nil
}

func (r *Renderer) resolveSet(set string) (fs.FS, error) {
	if set == "" {
		return nil, fmt.Errorf("template set name required")
	}
	if r.overrideDir != "" {
		dir := filepath.Join(r.overrideDir, set)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir), nil
		}
	}
	sub, err := fs.Sub(templateFS, "templates/"+set)
	if err != nil {
		return nil, fmt.Errorf("unknown template set %s: %w", set, err)
	}
	if _, err := fs.Stat(sub, "."); err != nil {
		return nil, fmt.Errorf("unknown template set %s: %w", set, err)
	}
	return sub, nil
}

// WriteFiles writes rendered output into dir, one atomic rename per file.
// Parent directories are created as needed.
func WriteFiles(dir string, files map[string]string) error {
	for name, content := range files {
		target := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", name, err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
		if err != nil {
			return fmt.Errorf("create temp file for %s: %w", name, err)
		}
		if _, err := tmp.WriteString(content); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("close %s: %w", name, err)
		}
		if err := os.Rename(tmp.Name(), target); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return nil
}
