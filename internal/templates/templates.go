// Package templates renders the post-install configuration files. Each
// template declares the substitution values it needs; rendering fails closed
// when a token in the source has no declared value, instead of leaving a
// literal placeholder on the target machine.
package templates

import (
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

//go:embed assets/*.tmpl
var assets embed.FS

// tokenPattern matches the literal {{NAME}} placeholders used by the
// template assets. This is not text/template syntax; the assets predate the
// tool and are shared with other provisioning scripts.
var tokenPattern = regexp.MustCompile(`\{\{([A-Z][A-Z0-9_]*)\}\}`)

// Values maps placeholder tokens to their substitutions. An empty string is
// a valid value (absent IPv6 configuration renders as nothing).
type Values map[string]string

// Template is one configuration file to render and push.
type Template struct {
	Name   string // template identifier
	Dest   string // destination path on the target
	Source string // raw text with {{TOKEN}} placeholders
	Values Values
}

// Rendered is the push-ready form of a template.
type Rendered struct {
	Name string
	Dest string
	Body string
}

// UnresolvedTokenError reports a placeholder with no declared substitution.
type UnresolvedTokenError struct {
	Template string
	Token    string
}

func (e *UnresolvedTokenError) Error() string {
	return fmt.Sprintf("template %s: no value declared for token %s", e.Template, e.Token)
}

// Render substitutes every declared token and fails on any leftover.
func (t Template) Render() (Rendered, error) {
	body := t.Source
	for token, value := range t.Values {
		body = strings.ReplaceAll(body, "{{"+token+"}}", value)
	}

	if match := tokenPattern.FindStringSubmatch(body); match != nil {
		return Rendered{}, &UnresolvedTokenError{Template: t.Name, Token: match[1]}
	}

	return Rendered{Name: t.Name, Dest: t.Dest, Body: body}, nil
}

// Set is an ordered collection of templates sharing one value table.
type Set struct {
	templates []Template
}

// NewSet builds a set from the embedded assets, all bound to the same
// substitution values. Order is stable (asset name order) because the
// executor pushes files in sequence.
func NewSet(values Values) (*Set, error) {
	entries, err := assets.ReadDir("assets")
	if err != nil {
		return nil, fmt.Errorf("read template assets: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	set := &Set{}
	for _, name := range names {
		source, err := assets.ReadFile("assets/" + name)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
		id := strings.TrimSuffix(name, ".tmpl")
		dest, ok := destinations[id]
		if !ok {
			return nil, fmt.Errorf("template %s has no destination path", id)
		}
		set.templates = append(set.templates, Template{
			Name:   id,
			Dest:   dest,
			Source: string(source),
			Values: values,
		})
	}
	return set, nil
}

// destinations maps template identifiers to their fixed target paths.
var destinations = map[string]string{
	"hosts":      "/etc/hosts",
	"interfaces": "/etc/network/interfaces",
	"resolvconf": "/etc/resolv.conf",
	"sources":    "/etc/apt/sources.list",
	"sysctl":     "/etc/sysctl.d/99-hetzner.conf",
}

// Add appends a caller-supplied template to the set.
func (s *Set) Add(t Template) {
	s.templates = append(s.templates, t)
}

// RenderAll renders every template, failing on the first unresolved token.
func (s *Set) RenderAll() ([]Rendered, error) {
	rendered := make([]Rendered, 0, len(s.templates))
	for _, t := range s.templates {
		r, err := t.Render()
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, r)
	}
	return rendered, nil
}
