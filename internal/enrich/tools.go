package enrich

// Tool is a discovered tool descriptor. Server and Name combine into the
// advertised name so tools from different servers never collide.
type Tool struct {
	Server      string
	Name        string
	Description string
	Parameters  map[string]any
}

// QualifiedName returns the namespaced name advertised to upstreams.
func (t Tool) QualifiedName() string {
	return t.Server + "_" + t.Name
}

// MergeTools appends discovered tools to doc's tool list in the wire shape
// of the given API surface. Client-declared tool names shadow discovered
// ones, which also makes the merge idempotent. It returns how many tools
// were added.
func MergeTools(doc map[string]any, api string, discovered []Tool) int {
	if len(discovered) == 0 {
		return 0
	}

	existing, _ := doc["tools"].([]any)
	taken := declaredToolNames(existing)

	added := 0
	tools := existing
	for _, t := range discovered {
		name := t.QualifiedName()
		if taken[name] {
			continue
		}
		taken[name] = true
		tools = append(tools, wireTool(t, name, api))
		added++
	}
	if added > 0 {
		doc["tools"] = tools
	}
	return added
}

// declaredToolNames collects tool names from either wire shape: nested
// {"function": {"name": ...}} or flat {"name": ...}.
func declaredToolNames(tools []any) map[string]bool {
	names := make(map[string]bool, len(tools))
	for _, raw := range tools {
		tool, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if fn, ok := tool["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				names[name] = true
				continue
			}
		}
		if name, ok := tool["name"].(string); ok && name != "" {
			names[name] = true
		}
	}
	return names
}

func wireTool(t Tool, name, api string) map[string]any {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	if api == "chat" {
		fn := map[string]any{"name": name, "parameters": params}
		if t.Description != "" {
			fn["description"] = t.Description
		}
		return map[string]any{"type": "function", "function": fn}
	}
	flat := map[string]any{"type": "function", "name": name, "parameters": params}
	if t.Description != "" {
		flat["description"] = t.Description
	}
	return flat
}
