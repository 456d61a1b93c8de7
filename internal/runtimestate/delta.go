package runtimestate

// Delta is a partial state update returned by a step executor or node. Only
// non-nil/non-zero fields are meant to be applied; callers build Delta with
// composite literals leaving everything else at its zero value.
//
// Data uses dot-path keys at the producer side (e.g. "data.plan") which the
// universal node expands into nested maps before this
// Delta reaches Reduce; by the time Reduce sees it, Data is already nested.
type Delta struct {
	Data          map[string]any
	Messages      []ChatMessage
	Response      *ChatMessage
	NextRoute     string
	FinalResponse string
	Counters      *Counters
}

// Reduce applies delta to state in place and returns state for chaining. It
// is the single place RuntimeState is ever mutated.
//
// Reduction rules:
//   - Data deep-merges nested objects; top-level arrays are replaced, not
//     concatenated.
//   - Messages always concatenates — a prefix-preserving extension.
//   - Every other field is last-write-wins.
func Reduce(state *State, delta Delta) *State {
	state.mu.Lock()
	defer state.mu.Unlock()

	if delta.Data != nil {
		state.Data = deepMerge(state.Data, delta.Data)
	}
	if len(delta.Messages) > 0 {
		state.Messages = append(state.Messages, delta.Messages...)
	}
	if delta.Response != nil {
		state.Response = delta.Response
	}
	if delta.NextRoute != "" {
		state.NextRoute = delta.NextRoute
	}
	if delta.FinalResponse != "" {
		state.FinalResponse = delta.FinalResponse
	}
	if delta.Counters != nil {
		state.Counters = *delta.Counters
	}
	return state
}

// ReduceAll folds a sequence of deltas onto state in order. Property: for any
// split point k, ReduceAll(state, d[:k]) then ReduceAll(_, d[k:]) yields the
// same state as ReduceAll(state, d) in one pass.
func ReduceAll(state *State, deltas []Delta) *State {
	for _, d := range deltas {
		Reduce(state, d)
	}
	return state
}

// deepMerge merges src into a copy of dst. Nested maps recurse; any other
// value type (including arrays) is replaced wholesale by src's value.
func deepMerge(dst, src map[string]any) map[string]any {
	out := deepCopyMap(dst)
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

// ExpandDotPaths turns flat dot-path keys like "data.plan.summary" into a
// nested map {"plan": {"summary": ...}}. Keys that are
// already bare (no dot) pass through unchanged.
func ExpandDotPaths(flat map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range flat {
		segments := splitDotPath(key)
		insertPath(out, segments, value)
	}
	return out
}

func splitDotPath(key string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			segments = append(segments, key[start:i])
			start = i + 1
		}
	}
	segments = append(segments, key[start:])
	return segments
}

func insertPath(m map[string]any, segments []string, value any) {
	if len(segments) == 1 {
		m[segments[0]] = value
		return
	}
	head := segments[0]
	child, ok := m[head].(map[string]any)
	if !ok {
		child = map[string]any{}
		m[head] = child
	}
	insertPath(child, segments[1:], value)
}

// GetPath reads a dot-separated path out of a nested map, returning
// (value, true) on success. Used by the template renderer and expression
// evaluator to resolve "state.a.b.c" against Data/top-level State fields.
func GetPath(m map[string]any, path string) (any, bool) {
	segments := splitDotPath(path)
	var cur any = m
	for _, seg := range segments {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
