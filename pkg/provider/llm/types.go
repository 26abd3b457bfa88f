package llm

import "strings"

// ResponseSchema constrains a completion to a JSON document matching Schema.
//
// Backends with native structured output (OpenAI json_schema response format)
// enforce it server-side. Backends without it receive the schema inlined in the
// system prompt; callers must still validate the result.
type ResponseSchema struct {
	// Name identifies the schema to the backend (e.g., "request").
	Name string

	// Description is optional guidance attached to the schema.
	Description string

	// Schema is the JSON Schema document as a decoded map.
	Schema map[string]any

	// Strict asks the backend to reject any deviation from Schema.
	Strict bool
}

// JoinPrompts joins the non-empty parts of a system prompt with blank lines.
func JoinPrompts(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
