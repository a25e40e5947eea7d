// Package routes implements the URI template router used to multiplex all
// federation endpoints over a single HTTP entrypoint. Templates are a
// Level 4 subset of RFC 6570: literal segments plus {var}, {+var}, {/var},
// {?var,...} and {#var} expressions with the * explode and :N prefix
// modifiers. The router both matches incoming paths and builds paths back
// from a route name and variable values.
package routes

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var (
	// ErrMalformedTemplate is returned when a template cannot be parsed or
	// does not begin with "/".
	ErrMalformedTemplate = errors.New("routes: malformed template")
	// ErrMissingVariable is returned by Expand when a required variable has
	// no value.
	ErrMissingVariable = errors.New("routes: missing variable")
)

// operator is the RFC 6570 expression operator. The empty operator is
// simple string expansion.
type operator byte

const (
	opSimple   operator = 0
	opReserved operator = '+'
	opPath     operator = '/'
	opQuery    operator = '?'
	opFragment operator = '#'
)

// varspec is one variable inside an expression, e.g. "id:4" or "rest*".
type varspec struct {
	name    string
	explode bool
	prefix  int // 0 means no :N modifier
}

// token is either a literal run or a single expression.
type token struct {
	literal string
	op      operator
	vars    []varspec
}

// Template is a parsed URI template.
type Template struct {
	raw    string
	tokens []token
}

// ParseTemplate parses a template string. The template must begin with "/".
func ParseTemplate(raw string) (*Template, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("%w: %q does not begin with /", ErrMalformedTemplate, raw)
	}

	var tokens []token
	rest := raw
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			tokens = append(tokens, token{literal: rest})
			break
		}
		if open > 0 {
			tokens = append(tokens, token{literal: rest[:open]})
		}
		close := strings.IndexByte(rest[open:], '}')
		if close < 0 {
			return nil, fmt.Errorf("%w: unterminated expression in %q", ErrMalformedTemplate, raw)
		}
		expr := rest[open+1 : open+close]
		rest = rest[open+close+1:]

		tok, err := parseExpression(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v in %q", ErrMalformedTemplate, err, raw)
		}
		tokens = append(tokens, tok)
	}
	return &Template{raw: raw, tokens: tokens}, nil
}

func parseExpression(expr string) (token, error) {
	if expr == "" {
		return token{}, errors.New("empty expression")
	}
	tok := token{op: opSimple}
	switch expr[0] {
	case '+', '/', '?', '#':
		tok.op = operator(expr[0])
		expr = expr[1:]
	}
	if expr == "" {
		return token{}, errors.New("expression has no variables")
	}
	for _, part := range strings.Split(expr, ",") {
		vs := varspec{name: part}
		if strings.HasSuffix(vs.name, "*") {
			vs.explode = true
			vs.name = strings.TrimSuffix(vs.name, "*")
		}
		if i := strings.IndexByte(vs.name, ':'); i >= 0 {
			n, err := strconv.Atoi(vs.name[i+1:])
			if err != nil || n <= 0 {
				return token{}, fmt.Errorf("bad prefix modifier in %q", part)
			}
			vs.prefix = n
			vs.name = vs.name[:i]
		}
		if vs.name == "" || !validVarName(vs.name) {
			return token{}, fmt.Errorf("bad variable name in %q", part)
		}
		tok.vars = append(tok.vars, vs)
	}
	return tok, nil
}

func validVarName(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// String returns the original template text.
func (t *Template) String() string { return t.raw }

// Variables returns the variable names bound by the template, in
// declaration order.
func (t *Template) Variables() []string {
	var names []string
	for _, tok := range t.tokens {
		for _, vs := range tok.vars {
			names = append(names, vs.name)
		}
	}
	return names
}

// Match matches a request path against the template. Simple {var}
// expressions bind a single path segment; {+var} and exploded {/var*}
// bind the remainder of the path. Query and fragment expressions are
// ignored for matching purposes. Matching is greedy up to the next
// literal run.
func (t *Template) Match(path string) (map[string]string, bool) {
	vars := make(map[string]string)
	rest := path
	for i, tok := range t.tokens {
		if tok.literal != "" {
			if !strings.HasPrefix(rest, tok.literal) {
				return nil, false
			}
			rest = rest[len(tok.literal):]
			continue
		}
		switch tok.op {
		case opQuery, opFragment:
			// Not part of the path; the path must be fully consumed.
			continue
		case opReserved:
			// Binds the remainder of the path.
			vars[tok.vars[0].name] = rest
			rest = ""
		case opPath:
			if !tok.vars[0].explode {
				// A single slash-prefixed segment.
				if !strings.HasPrefix(rest, "/") {
					return nil, false
				}
				seg := rest[1:]
				if j := strings.IndexByte(seg, '/'); j >= 0 {
					vars[tok.vars[0].name] = seg[:j]
					rest = seg[j:]
				} else {
					vars[tok.vars[0].name] = seg
					rest = ""
				}
				continue
			}
			// {/var*} binds the remainder, without the leading slash.
			vars[tok.vars[0].name] = strings.TrimPrefix(rest, "/")
			rest = ""
		default:
			// Simple expansion: greedy up to the next literal run, bounded
			// to a single path segment.
			end := len(rest)
			if j := strings.IndexByte(rest, '/'); j >= 0 {
				end = j
			}
			if i+1 < len(t.tokens) {
				next := t.tokens[i+1].literal
				if next != "" {
					if j := strings.Index(rest[:end], firstSegment(next)); j >= 0 {
						end = j
					}
				}
			}
			if end == 0 {
				return nil, false
			}
			seg, err := url.PathUnescape(rest[:end])
			if err != nil {
				return nil, false
			}
			vars[tok.vars[0].name] = seg
			rest = rest[end:]
		}
	}
	if rest != "" {
		return nil, false
	}
	return vars, true
}

// firstSegment returns the literal up to (but not including) the next
// slash, so that a simple variable never swallows a following separator.
func firstSegment(lit string) string {
	if j := strings.IndexByte(lit, '/'); j > 0 {
		return lit[:j]
	}
	return lit
}

// Expand renders the template with the given variable values. Path-level
// variables are required; query and fragment variables are skipped when
// absent.
func (t *Template) Expand(values map[string]string) (string, error) {
	var b strings.Builder
	for _, tok := range t.tokens {
		if tok.literal != "" {
			b.WriteString(tok.literal)
			continue
		}
		switch tok.op {
		case opQuery:
			first := true
			for _, vs := range tok.vars {
				v, ok := values[vs.name]
				if !ok {
					continue
				}
				if first {
					b.WriteByte('?')
					first = false
				} else {
					b.WriteByte('&')
				}
				b.WriteString(vs.name)
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(truncate(v, vs.prefix)))
			}
		case opFragment:
			v, ok := values[tok.vars[0].name]
			if !ok {
				continue
			}
			b.WriteByte('#')
			b.WriteString(truncate(v, tok.vars[0].prefix))
		case opReserved:
			v, ok := values[tok.vars[0].name]
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrMissingVariable, tok.vars[0].name)
			}
			b.WriteString(truncate(v, tok.vars[0].prefix))
		case opPath:
			vs := tok.vars[0]
			v, ok := values[vs.name]
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrMissingVariable, vs.name)
			}
			b.WriteByte('/')
			if vs.explode {
				// Segments are separated by slashes and escaped per segment.
				parts := strings.Split(v, "/")
				for i, p := range parts {
					if i > 0 {
						b.WriteByte('/')
					}
					b.WriteString(url.PathEscape(p))
				}
			} else {
				b.WriteString(url.PathEscape(truncate(v, vs.prefix)))
			}
		default:
			vs := tok.vars[0]
			v, ok := values[vs.name]
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrMissingVariable, vs.name)
			}
			b.WriteString(url.PathEscape(truncate(v, vs.prefix)))
		}
	}
	return b.String(), nil
}

func truncate(s string, n int) string {
	if n > 0 && n < len(s) {
		return s[:n]
	}
	return s
}
