package runtimestate

// Resolve looks up a dot-separated path rooted at "state." (the caller strips
// that prefix) against the well-known top-level fields first, then falls
// back into Data. This backs both the template renderer and the safe
// expression evaluator, which must observe identical resolution order.
func (s *State) Resolve(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	segments := splitDotPath(path)
	if len(segments) == 0 {
		return nil, false
	}

	switch segments[0] {
	case "query":
		if len(segments) == 1 {
			return s.Query, true
		}
		return nil, false
	case "userId":
		return s.UserID, true
	case "accountTier":
		return s.AccountTier, true
	case "contextSummary":
		return s.ContextSummary, true
	case "nextRoute":
		return s.NextRoute, true
	case "finalResponse":
		return s.FinalResponse, true
	case "messages":
		return chatMessagesToAny(s.Messages), true
	case "data":
		if len(segments) == 1 {
			return s.Data, true
		}
		return GetPath(s.Data, joinDotPath(segments[1:]))
	}

	// Bare fields (not "data.") fall back to data.<path>.
	return GetPath(s.Data, joinDotPath(segments))
}

func chatMessagesToAny(msgs []ChatMessage) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return out
}

func joinDotPath(segments []string) string {
	out := segments[0]
	for _, s := range segments[1:] {
		out += "." + s
	}
	return out
}
