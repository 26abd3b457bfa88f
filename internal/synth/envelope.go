package synth

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/MrWong99/toolrouter/pkg/catalog"
)

// Request is the HTTP request the model constructs for a descriptor.
type Request struct {
	Path   string         `json:"path" jsonschema:"description=The endpoint path beginning with a forward slash"`
	Method string         `json:"method" jsonschema:"description=The HTTP method to use for the request"`
	Params map[string]any `json:"params" jsonschema:"description=Query string parameters"`
	Body   map[string]any `json:"body" jsonschema:"description=JSON request body"`
}

// emptyObject is used for params or body when the descriptor declares none.
// The model may answer with {} or null.
var emptyObject = map[string]any{
	"type":                 []any{"object", "null"},
	"properties":           map[string]any{},
	"additionalProperties": false,
}

// skeleton is the envelope schema reflected once from [Request].
var skeleton = func() map[string]any {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	b, err := json.Marshal(r.Reflect(&Request{}))
	if err != nil {
		panic("synth: reflect envelope: " + err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic("synth: decode envelope: " + err.Error())
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}()

// Envelope returns the JSON Schema a synthesized request for d must satisfy:
// path and method are pinned to d, params and body take d's schemas, no other
// properties are allowed and all four are required.
func Envelope(d catalog.Descriptor) (map[string]any, error) {
	schema := deepCopy(skeleton)
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("synth: envelope skeleton has no properties")
	}

	pin := func(name, value string) {
		p, _ := props[name].(map[string]any)
		if p == nil {
			p = map[string]any{"type": "string"}
		}
		p["enum"] = []any{value}
		props[name] = p
	}
	pin("path", d.Path)
	pin("method", d.Method)

	for name, raw := range map[string]json.RawMessage{"params": d.Params, "body": d.Body} {
		if len(raw) == 0 {
			props[name] = deepCopy(emptyObject)
			continue
		}
		var sub map[string]any
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("synth: %s schema of %s: %w", name, d.Key(), err)
		}
		props[name] = sub
	}

	schema["type"] = "object"
	schema["additionalProperties"] = false
	schema["required"] = []any{"path", "method", "params", "body"}
	return schema, nil
}

// deepCopy clones a JSON-shaped map.
func deepCopy(m map[string]any) map[string]any {
	b, err := json.Marshal(m)
	if err != nil {
		panic("synth: copy schema: " + err.Error())
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		panic("synth: copy schema: " + err.Error())
	}
	return out
}
