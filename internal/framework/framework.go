// Package framework classifies a checked-out source tree into one of the
// closed set of application stacks the agent can provision.
package framework

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Variant identifies one supported application stack.
type Variant string

const (
	Laravel        Variant = "laravel"
	LaravelInertia Variant = "laravel-inertia"
	NextJS         Variant = "nextjs"
	Nuxt           Variant = "nuxt"
	NodeAPI        Variant = "nodeapi"
	Static         Variant = "static"
	Unknown        Variant = "unknown"
)

// Profile is the static classification record for one variant.
type Profile struct {
	Variant          Variant
	TemplateSet      string
	RequiresDatabase bool
	// InstallImage/InstallCmd describe the optional dependency install step,
	// run as a one-shot container with the site directory mounted at /app.
	InstallImage string
	InstallCmd   []string
}

var profiles = map[Variant]Profile{
	Laravel: {
		Variant:          Laravel,
		TemplateSet:      "laravel",
		RequiresDatabase: true,
		InstallImage:     "composer:latest",
		InstallCmd:       []string{"install", "--no-dev", "--no-interaction"},
	},
	LaravelInertia: {
		Variant:          LaravelInertia,
		TemplateSet:      "laravel-inertia",
		RequiresDatabase: true,
		InstallImage:     "composer:latest",
		InstallCmd:       []string{"install", "--no-dev", "--no-interaction"},
	},
	NextJS: {
		Variant:     NextJS,
		TemplateSet: "nextjs",
		InstallCmd:  []string{"npm", "install"},
	},
	Nuxt: {
		Variant:     Nuxt,
		TemplateSet: "nuxt",
		InstallCmd:  []string{"npm", "install"},
	},
	NodeAPI: {
		Variant:     NodeAPI,
		TemplateSet: "nodeapi",
		InstallCmd:  []string{"npm", "install"},
	},
	Static: {
		Variant:     Static,
		TemplateSet: "static",
	},
	Unknown: {
		Variant: Unknown,
	},
}

// ProfileFor returns the profile for a variant.
func ProfileFor(v Variant) Profile {
	if p, ok := profiles[v]; ok {
		return p
	}
	return profiles[Unknown]
}

// Resolve maps a request-supplied override onto a known variant.
// Empty input and unrecognized names both resolve to Unknown.
func Resolve(name string) Variant {
	v := Variant(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := profiles[v]; ok && v != Unknown {
		return v
	}
	return Unknown
}

// rule pairs a detection predicate with the variant it selects. Rules are
// evaluated in order; the first match wins.
type rule struct {
	match   func(dir string) bool
	variant Variant
}

var rules = []rule{
	{func(dir string) bool {
		return composerRequires(dir, "laravel/framework") && composerRequires(dir, "inertiajs/inertia-laravel")
	}, LaravelInertia},
	{func(dir string) bool { return composerRequires(dir, "laravel/framework") }, Laravel},
	{func(dir string) bool { return npmDeclares(dir, "next") }, NextJS},
	{func(dir string) bool { return npmDeclares(dir, "nuxt") }, Nuxt},
	{func(dir string) bool { return npmDeclares(dir, "express") || npmDeclares(dir, "fastify") }, NodeAPI},
	{func(dir string) bool { return fileExists(filepath.Join(dir, "index.html")) }, Static},
}

// Detect inspects the source tree and returns the matching variant. Detection
// is read-only; a missing or unreadable manifest means "dependency not
// declared" and evaluation falls through to the next rule.
func Detect(dir string) Variant {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Unknown
	}
	for _, r := range rules {
		if r.match(dir) {
			return r.variant
		}
	}
	return Unknown
}

type composerManifest struct {
	Require    map[string]string `json:"require"`
	RequireDev map[string]string `json:"require-dev"`
}

func composerRequires(dir, pkg string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "composer.json"))
	if err != nil {
		return false
	}
	var manifest composerManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return false
	}
	if _, ok := manifest.Require[pkg]; ok {
		return true
	}
	_, ok := manifest.RequireDev[pkg]
	return ok
}

type npmManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func npmDeclares(dir, pkg string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return false
	}
	for dep := range manifest.Dependencies {
		if strings.EqualFold(dep, pkg) {
			return true
		}
	}
	for dep := range manifest.DevDependencies {
		if strings.EqualFold(dep, pkg) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
