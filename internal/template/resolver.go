// Package template resolves {{...}} references in workflow step inputs,
// conditions, and error messages against the run's variable context.
package template

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/orieg/yaml-workflow-sub000/internal/vars"
	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// UndefinedError reports a reference to a variable that does not exist in
// the context. It names both the variable and the namespace it was looked
// up in so workflow authors can tell "args.fiel" from "steps.fetch.fiel".
type UndefinedError struct {
	Namespace string
	Name      string
	Expr      string
}

func (e *UndefinedError) Error() string {
	return fmt.Sprintf("undefined variable %q in namespace %q (from {{%s}})", e.Name, e.Namespace, e.Expr)
}

// Resolver renders template strings against a vars.Context.
//
// A reference that is a plain dotted path (args.name, steps.fetch.result)
// is resolved by namespace traversal, producing UndefinedError on a missing
// variable. Anything else is compiled and evaluated as an expr expression
// over the same scope, so templates like {{ args.count + 1 }} work too.
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewResolver creates a Resolver with an empty program cache.
func NewResolver() *Resolver {
	return &Resolver{cache: make(map[string]*vm.Program)}
}

// Render resolves a template string. If the whole string is exactly one
// {{...}} reference the resolved value keeps its native type; otherwise
// each reference is stringified into the surrounding text.
func (r *Resolver) Render(text string, c *vars.Context) (any, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	scope := c.Snapshot()

	// Whole-string reference: preserve the value's type.
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := trimmed[2 : len(trimmed)-2]
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return r.resolveRef(strings.TrimSpace(inner), scope)
		}
	}

	var out strings.Builder
	out.Grow(len(text))

	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "{{")
		if idx == -1 {
			out.WriteString(text[i:])
			break
		}
		out.WriteString(text[i : i+idx])
		start := i + idx + 2

		end := strings.Index(text[start:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "unclosed {{ reference in %q", text)
		}
		end += start

		ref := strings.TrimSpace(text[start:end])
		if ref == "" {
			return nil, schema.NewError(schema.ErrCodeTemplate, "empty variable reference: {{ }}")
		}

		val, err := r.resolveRef(ref, scope)
		if err != nil {
			return nil, err
		}
		out.WriteString(stringify(val))

		i = end + 2
	}

	return out.String(), nil
}

// RenderDeep recurses through mappings and lists, rendering every string
// leaf. Non-string scalars are returned unchanged.
func (r *Resolver) RenderDeep(value any, c *vars.Context) (any, error) {
	switch v := value.(type) {
	case string:
		return r.Render(v, c)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			rendered, err := r.RenderDeep(item, c)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := r.RenderDeep(item, c)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// resolveRef resolves one reference: dotted-path traversal when the
// reference is a plain path, expr evaluation otherwise.
func (r *Resolver) resolveRef(ref string, scope map[string]any) (any, error) {
	if isPath(ref) {
		return traverse(ref, scope)
	}
	return r.eval(ref, scope)
}

// eval compiles (or reuses) and runs an expr expression over the scope.
func (r *Resolver) eval(expression string, scope map[string]any) (any, error) {
	r.mu.RLock()
	prg, ok := r.cache[expression]
	r.mu.RUnlock()

	if !ok {
		var err error
		prg, err = expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"compile error in {{%s}}: %s", expression, err.Error()).WithCause(err)
		}
		r.mu.Lock()
		r.cache[expression] = prg
		r.mu.Unlock()
	}

	out, err := vm.Run(prg, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate,
			"evaluation failed for {{%s}}: %s", expression, err.Error()).WithCause(err)
	}
	return out, nil
}

// traverse resolves a dotted path against the scope, reporting the missing
// segment and its namespace on failure.
func traverse(path string, scope map[string]any) (any, error) {
	segments := strings.Split(path, ".")

	current, ok := scope[segments[0]]
	if !ok {
		undef := &UndefinedError{Namespace: "root", Name: segments[0], Expr: path}
		return nil, schema.NewError(schema.ErrCodeTemplate, undef.Error()).WithCause(undef)
	}

	for i, seg := range segments[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"cannot traverse into non-mapping at %q in {{%s}} (type %T)",
				seg, path, current)
		}
		val, ok := m[seg]
		if !ok {
			undef := &UndefinedError{
				Namespace: strings.Join(segments[:i+1], "."),
				Name:      seg,
				Expr:      path,
			}
			return nil, schema.NewError(schema.ErrCodeTemplate, undef.Error()).WithCause(undef)
		}
		current = val
	}

	return current, nil
}

// isPath reports whether the reference is a plain dotted identifier path.
func isPath(ref string) bool {
	if ref == "" {
		return false
	}
	for _, seg := range strings.Split(ref, ".") {
		if seg == "" {
			return false
		}
		for i, r := range seg {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			case r >= '0' && r <= '9', r == '-':
				if i == 0 && r == '-' {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

// stringify renders a resolved value for embedding inside surrounding text.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
