// Package expressions implements the engine's template substitution and
// boolean-expression evaluation: the `{{ }}` path language described in
// SPEC_FULL.md §4.1, and the small hand-rolled infix grammar used by
// condition nodes.
package expressions

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dagflow/engine/pkg/schema"
)

// LoopFrame is the innermost loop stack frame visible to template resolution.
// A frame lives only for the duration of one iteration (SPEC_FULL.md §3).
type LoopFrame struct {
	Item    any
	Index   int
	Length  int
	IsFirst bool
	IsLast  bool
	// Alias, if set, additionally exposes Item under loop.<Alias>.
	Alias string
}

// Scope is a read-only, already-deep-copied snapshot of everything template
// resolution may reference: workflow variables, completed step outputs, and
// the current loop frame (if any). Scopes are built by ScopeBuilder.Build
// and safe to use concurrently once built.
type Scope struct {
	Variables map[string]any
	// Steps maps node id to its outputs map.
	Steps map[string]any
	Loop  *LoopFrame
}

var templatePattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// HasInterpolation reports whether s contains at least one `{{ }}` marker.
func HasInterpolation(s string) bool {
	return templatePattern.MatchString(s)
}

// Resolve walks an arbitrary JSON-like value (string, map[string]any,
// []any, or a JSON primitive) and substitutes every `{{ expr }}` occurrence
// found in string leaves. A string leaf consisting of a single placeholder
// preserves the native type of the evaluated expression; any other string
// has each placeholder stringified and spliced in.
func Resolve(value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, vv := range v {
			rv, err := Resolve(vv, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, vv := range v {
			rv, err := Resolve(vv, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, scope *Scope) (any, error) {
	matches := templatePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string single placeholder: preserve native type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		return evalPath(expr, scope)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end, exprStart, exprEnd := m[0], m[1], m[2], m[3]
		b.WriteString(s[last:start])
		expr := strings.TrimSpace(s[exprStart:exprEnd])
		val, err := evalPath(expr, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		last = end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// path is the small parsed AST for the substitution path language: a
// segment list with an optional trailing pipe filter (SPEC_FULL.md §9).
type path struct {
	segments []string
	pipe     string // "", "length", "upper", "lower"
}

func parsePath(expr string) (*path, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeTemplateResolve, "empty template expression")
	}

	pipe := ""
	if idx := strings.LastIndex(expr, "|"); idx >= 0 {
		candidate := strings.TrimSpace(expr[idx+1:])
		switch candidate {
		case "length", "upper", "lower":
			pipe = candidate
			expr = strings.TrimSpace(expr[:idx])
		}
	}

	if expr == "" {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateResolve, "template expression %q has no path before pipe", expr)
	}

	return &path{segments: strings.Split(expr, "."), pipe: pipe}, nil
}

func evalPath(expr string, scope *Scope) (any, error) {
	p, err := parsePath(expr)
	if err != nil {
		return nil, err
	}

	val, err := resolveSegments(p.segments, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateResolve, "%s: %s", expr, err.Error())
	}

	if p.pipe == "" {
		return val, nil
	}
	return applyPipe(val, p.pipe, expr)
}

func resolveSegments(segments []string, scope *Scope) (any, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty path")
	}

	switch segments[0] {
	case "variables":
		if len(segments) < 2 {
			return nil, fmt.Errorf("variables.<name> requires a name")
		}
		v, ok := scope.Variables[segments[1]]
		if !ok {
			return nil, fmt.Errorf("unresolved variable %q", segments[1])
		}
		return traverse(v, segments[2:])

	case "steps":
		if len(segments) < 2 {
			return nil, fmt.Errorf("steps.<id> requires a node id")
		}
		outputs, ok := scope.Steps[segments[1]]
		if !ok {
			return nil, fmt.Errorf("unresolved step %q", segments[1])
		}
		if len(segments) < 3 || segments[2] != "outputs" {
			return nil, fmt.Errorf("steps.%s requires .outputs", segments[1])
		}
		if len(segments) == 3 {
			return outputs, nil
		}
		return traverse(outputs, segments[3:])

	case "loop":
		if scope.Loop == nil {
			return nil, fmt.Errorf("no enclosing loop frame")
		}
		if len(segments) < 2 {
			return nil, fmt.Errorf("loop.<field> requires a field")
		}
		var val any
		switch segments[1] {
		case "item":
			val = scope.Loop.Item
		case "index":
			val = scope.Loop.Index
		case "length":
			val = scope.Loop.Length
		case "is_first":
			val = scope.Loop.IsFirst
		case "is_last":
			val = scope.Loop.IsLast
		default:
			if scope.Loop.Alias != "" && segments[1] == scope.Loop.Alias {
				val = scope.Loop.Item
			} else {
				return nil, fmt.Errorf("unresolved loop field %q", segments[1])
			}
		}
		return traverse(val, segments[2:])

	default:
		return nil, fmt.Errorf("unresolved path root %q", segments[0])
	}
}

// traverse walks dot-path segments into a map[string]any/[]any tree.
func traverse(v any, segments []string) (any, error) {
	cur := v
	for _, seg := range segments {
		switch c := cur.(type) {
		case map[string]any:
			val, ok := c[seg]
			if !ok {
				return nil, fmt.Errorf("no key %q (available: %s)", seg, availableKeys(c))
			}
			cur = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, fmt.Errorf("invalid array index %q", seg)
			}
			cur = c[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %q on a %T", seg, cur)
		}
	}
	return cur, nil
}

func availableKeys(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return strings.Join(keys, ", ")
}

func applyPipe(v any, pipe, expr string) (any, error) {
	switch pipe {
	case "length":
		switch val := v.(type) {
		case string:
			return len(val), nil
		case []any:
			return len(val), nil
		case map[string]any:
			return len(val), nil
		default:
			return nil, schema.NewErrorf(schema.ErrCodeTemplateResolve, "%s: |length on non-sized value %T", expr, v)
		}
	case "upper", "lower":
		s, ok := v.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateResolve, "%s: |%s on non-string value %T", expr, pipe, v)
		}
		if pipe == "upper" {
			return strings.ToUpper(s), nil
		}
		return strings.ToLower(s), nil
	default:
		return v, nil
	}
}

// stringify renders a resolved value for splicing into a larger string.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}
