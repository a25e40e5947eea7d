package routes

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRoute is returned by Build for a name that was never added.
var ErrUnknownRoute = errors.New("routes: unknown route")

// Match is the result of routing a path.
type Match struct {
	Name      string
	Template  string
	Variables map[string]string
}

// Router maps URL paths to named routes and renders paths back from a
// route name and variable values. It is a pure data structure: configure
// it up front, then share it freely for read-only use.
type Router struct {
	// TrailingSlashInsensitive, when set before any Add call, normalizes
	// both templates and incoming paths by appending a trailing slash.
	TrailingSlashInsensitive bool

	order     []string
	templates map[string]*Template
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{templates: map[string]*Template{}}
}

// Add registers a template under a name and returns the variable names the
// template binds. Adding a name twice replaces the earlier template.
func (r *Router) Add(template, name string) ([]string, error) {
	if r.TrailingSlashInsensitive {
		template = ensureTrailingSlash(template)
	}
	t, err := ParseTemplate(template)
	if err != nil {
		return nil, err
	}
	if _, exists := r.templates[name]; !exists {
		r.order = append(r.order, name)
	}
	r.templates[name] = t
	return t.Variables(), nil
}

// Has reports whether a route with the given name is registered.
func (r *Router) Has(name string) bool {
	_, ok := r.templates[name]
	return ok
}

// Route matches a path against the registered templates in registration
// order and returns the first match.
func (r *Router) Route(path string) (Match, bool) {
	if r.TrailingSlashInsensitive {
		path = ensureTrailingSlash(path)
	}
	for _, name := range r.order {
		t := r.templates[name]
		if vars, ok := t.Match(path); ok {
			return Match{Name: name, Template: t.String(), Variables: vars}, true
		}
	}
	return Match{}, false
}

// Build renders the path for a named route. It fails when the route is
// unknown or a required variable is missing.
func (r *Router) Build(name string, values map[string]string) (string, error) {
	t, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRoute, name)
	}
	path, err := t.Expand(values)
	if err != nil {
		return "", err
	}
	if r.TrailingSlashInsensitive {
		path = ensureTrailingSlash(path)
	}
	return path, nil
}

// Clone returns an independent copy sharing no mutable state with the
// original.
func (r *Router) Clone() *Router {
	c := &Router{
		TrailingSlashInsensitive: r.TrailingSlashInsensitive,
		order:                    append([]string(nil), r.order...),
		templates:                make(map[string]*Template, len(r.templates)),
	}
	for name, t := range r.templates {
		c.templates[name] = t // templates are immutable after parse
	}
	return c
}

func ensureTrailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
