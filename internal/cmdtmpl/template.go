// Package cmdtmpl renders work unit command templates into argv.
//
// Each template element may embed $(expr) JavaScript expressions evaluated
// against two objects:
//
//	unit     id, kind, channel, inputs, output, weight, params
//	runtime  cores, memory_bytes, memory_gb, scratch, attempt, run_id
//
// An element that is exactly one expression yielding an array expands into
// one argv element per item. \$( is a literal "$(".
package cmdtmpl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/me/cubesched/pkg/model"
)

// Runtime describes the allocation an invocation runs under.
type Runtime struct {
	Cores       int
	MemoryBytes uint64
	ScratchDir  string
	Attempt     int
	RunID       string
}

func (r Runtime) values() map[string]any {
	return map[string]any{
		"cores":        r.Cores,
		"memory_bytes": int64(r.MemoryBytes),
		"memory_gb":    float64(r.MemoryBytes) / float64(1<<30),
		"scratch":      r.ScratchDir,
		"attempt":      r.Attempt,
		"run_id":       r.RunID,
	}
}

func unitValues(u model.WorkUnit) map[string]any {
	inputs := u.InputPaths()
	in := make([]any, len(inputs))
	for i, p := range inputs {
		in[i] = p
	}
	params := map[string]any{}
	if u.Params != nil {
		params = u.Params.Values()
	}
	return map[string]any{
		"id":      u.ID,
		"kind":    string(u.Kind),
		"channel": u.ChannelIndex,
		"inputs":  in,
		"output":  u.OutputPath,
		"weight":  u.WeightPath,
		"params":  params,
	}
}

// Render expands the unit's command template for one attempt.
// Expression failures are configuration errors: retrying cannot fix them.
func Render(u model.WorkUnit, rt Runtime) ([]string, error) {
	tmpl := u.CommandTemplate()
	if len(tmpl) == 0 {
		return nil, model.NewConfigurationError("unit %s: empty command template", u.ID)
	}
	var vm *goja.Runtime
	argv := make([]string, 0, len(tmpl))
	for i, elem := range tmpl {
		matches := findExpressions(elem)
		if len(matches) == 0 {
			argv = append(argv, unescape(elem))
			continue
		}
		if vm == nil {
			vm = goja.New()
			if err := vm.Set("unit", unitValues(u)); err != nil {
				return nil, fmt.Errorf("set unit: %w", err)
			}
			if err := vm.Set("runtime", rt.values()); err != nil {
				return nil, fmt.Errorf("set runtime: %w", err)
			}
		}
		out, err := renderElement(vm, elem, matches)
		if err != nil {
			return nil, &model.ConfigurationError{
				Message: fmt.Sprintf("unit %s: command template element %d %q", u.ID, i, elem),
				Err:     err,
			}
		}
		argv = append(argv, out...)
	}
	return argv, nil
}

func renderElement(vm *goja.Runtime, elem string, matches []exprMatch) ([]string, error) {
	if len(matches) == 1 && matches[0].start == 0 && matches[0].end == len(elem) {
		v, err := eval(vm, matches[0].expr)
		if err != nil {
			return nil, err
		}
		if arr, ok := v.([]any); ok {
			out := make([]string, len(arr))
			for i, item := range arr {
				out[i] = toString(item)
			}
			return out, nil
		}
		return []string{toString(v)}, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(unescape(elem[last:m.start]))
		v, err := eval(vm, m.expr)
		if err != nil {
			return nil, err
		}
		b.WriteString(toString(v))
		last = m.end
	}
	b.WriteString(unescape(elem[last:]))
	return []string{b.String()}, nil
}

func eval(vm *goja.Runtime, expr string) (any, error) {
	val, err := vm.RunString(expr)
	if err != nil {
		return nil, fmt.Errorf("$(%s): %w", expr, err)
	}
	if val == nil || goja.IsUndefined(val) {
		return nil, fmt.Errorf("$(%s) is undefined", expr)
	}
	return val.Export(), nil
}

type exprMatch struct {
	start, end int
	expr       string
}

// findExpressions locates unescaped $( ... ) spans with balanced parentheses.
func findExpressions(s string) []exprMatch {
	var matches []exprMatch
	for i := 0; i < len(s)-1; i++ {
		if s[i] != '$' || s[i+1] != '(' || (i > 0 && s[i-1] == '\\') {
			continue
		}
		depth := 1
		j := i + 2
		for j < len(s) && depth > 0 {
			switch s[j] {
			case '(':
				depth++
			case ')':
				depth--
			}
			j++
		}
		if depth != 0 {
			break
		}
		matches = append(matches, exprMatch{start: i, end: j, expr: s[i+2 : j-1]})
		i = j - 1
	}
	return matches
}

func unescape(s string) string {
	return strings.ReplaceAll(s, `\$(`, "$(")
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
