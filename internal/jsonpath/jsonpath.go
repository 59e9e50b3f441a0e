// Package jsonpath implements the restricted path expression language used
// by source mappings. Supported forms: $, .member, [index], [*], chained in
// any order after $. Expressions compile once at schema registration and are
// evaluated per document without re-parsing.
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"kgraph/internal/logging"
	"kgraph/internal/types"
)

type stepKind int

const (
	stepMember stepKind = iota
	stepIndex
	stepWildcard
)

type step struct {
	kind  stepKind
	name  string // stepMember
	index int    // stepIndex
}

// Path is a compiled path expression.
type Path struct {
	expr  string
	steps []step
}

// String returns the original expression text.
func (p *Path) String() string { return p.expr }

// HasWildcard reports whether the path contains a [*] step and may therefore
// produce multiple values.
func (p *Path) HasWildcard() bool {
	for _, s := range p.steps {
		if s.kind == stepWildcard {
			return true
		}
	}
	return false
}

// Compile parses a path expression. Malformed expressions fail with
// ErrPathInvalid; evaluation itself never fails.
func Compile(expr string) (*Path, error) {
	if !strings.HasPrefix(expr, "$") {
		return nil, fmt.Errorf("%w: %q must begin with $", types.ErrPathInvalid, expr)
	}

	p := &Path{expr: expr}
	rest := expr[1:]
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			i := 0
			for i < len(rest) && isNameRune(rune(rest[i])) {
				i++
			}
			if i == 0 {
				return nil, fmt.Errorf("%w: %q has an empty member name", types.ErrPathInvalid, expr)
			}
			p.steps = append(p.steps, step{kind: stepMember, name: rest[:i]})
			rest = rest[i:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: %q has an unterminated bracket", types.ErrPathInvalid, expr)
			}
			inner := rest[1:end]
			if inner == "*" {
				p.steps = append(p.steps, step{kind: stepWildcard})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return nil, fmt.Errorf("%w: %q has a bad index %q", types.ErrPathInvalid, expr, inner)
				}
				p.steps = append(p.steps, step{kind: stepIndex, index: n})
			}
			rest = rest[end+1:]
		default:
			return nil, fmt.Errorf("%w: unexpected %q in %q", types.ErrPathInvalid, rest[0], expr)
		}
	}

	logging.PathDebug("Compiled path %q (%d steps)", expr, len(p.steps))
	return p, nil
}

func isNameRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

// Scalar evaluates the path in scalar mode: the first match wins. The second
// return distinguishes "no value" from a matched JSON null.
func (p *Path) Scalar(doc any) (any, bool) {
	matches := p.eval(doc, 1)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// Multi evaluates the path in multi mode, returning the full flattened
// sequence of matches. Absent data yields an empty slice, never an error.
func (p *Path) Multi(doc any) []any {
	return p.eval(doc, -1)
}

// eval walks the step list over the document tree. limit < 0 means no limit.
func (p *Path) eval(doc any, limit int) []any {
	current := []any{doc}
	for _, s := range p.steps {
		var next []any
		for _, v := range current {
			switch s.kind {
			case stepMember:
				obj, ok := v.(map[string]any)
				if !ok {
					continue
				}
				child, ok := obj[s.name]
				if !ok {
					continue
				}
				next = append(next, child)
			case stepIndex:
				arr, ok := v.([]any)
				if !ok || s.index >= len(arr) {
					continue
				}
				next = append(next, arr[s.index])
			case stepWildcard:
				arr, ok := v.([]any)
				if !ok {
					continue
				}
				next = append(next, arr...)
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	if limit >= 0 && len(current) > limit {
		current = current[:limit]
	}
	return current
}
