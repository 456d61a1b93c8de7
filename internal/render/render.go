// Package render substitutes "{{state.path}}" placeholders against a
// RuntimeState, the way every step executor's templated fields (prompts,
// tool parameters, transform values) are expanded before use.
package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conduitrun/conduit/internal/runtimestate"
)

// ErrMalformedPlaceholder is returned for "{{" with no matching "}}".
var ErrMalformedPlaceholder = fmt.Errorf("render: malformed placeholder")

const (
	openTag = "{{"
	closeTag = "}}"
	prefix   = "state."
)

// Render substitutes every "{{state.<path>}}" occurrence in template with
// the value at <path> in state. Object values are encoded as canonical JSON.
// An unresolved path first falls back to "data.<path>"; if still unresolved
// the literal placeholder is preserved and a warning is logged.
//
// Render never fails on an unresolved placeholder — only on malformed
// placeholder syntax (an unterminated "{{").
func Render(template string, state *runtimestate.State) (string, error) {
	var out strings.Builder
	rest := template

	for {
		start := strings.Index(rest, openTag)
		if start == -1 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])

		afterOpen := rest[start+len(openTag):]
		end := strings.Index(afterOpen, closeTag)
		if end == -1 {
			return "", ErrMalformedPlaceholder
		}

		raw := strings.TrimSpace(afterOpen[:end])
		out.WriteString(resolvePlaceholder(raw, state))
		rest = afterOpen[end+len(closeTag):]
	}

	return out.String(), nil
}

func resolvePlaceholder(raw string, state *runtimestate.State) string {
	path := strings.TrimPrefix(raw, prefix)
	if value, ok := state.Resolve(path); ok {
		return stringify(value)
	}

	if state.Handles.Logger != nil {
		state.Handles.Logger.Warn("render: unresolved placeholder", "placeholder", raw)
	}
	return openTag + raw + closeTag
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// RenderParams recursively renders every string value found in obj against
// state; non-string scalars pass through unchanged, maps and slices recurse
// element-wise.
func RenderParams(obj any, state *runtimestate.State) (any, error) {
	switch v := obj.(type) {
	case string:
		return Render(v, state)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderParams(val, state)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderParams(val, state)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}
