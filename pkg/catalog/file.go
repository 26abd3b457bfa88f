package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// fileEntry mirrors Descriptor with schemas as plain YAML maps so that a
// catalog file can be written without embedded JSON strings.
type fileEntry struct {
	Path        string         `yaml:"path"`
	Method      string         `yaml:"method"`
	Description string         `yaml:"description"`
	Params      map[string]any `yaml:"params"`
	Body        map[string]any `yaml:"body"`
}

type file struct {
	Endpoints []fileEntry `yaml:"endpoints"`
}

// LoadFile reads a YAML catalog file from path. See [Decode].
func LoadFile(path string) ([]Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a YAML catalog document of the form
//
//	endpoints:
//	  - path: /todos
//	    method: POST
//	    description: Add a new item to the user's todo list.
//	    body:
//	      type: object
//	      properties: {item: {type: string}}
//	      required: [item]
//
// Every descriptor is validated and (Path, Method) duplicates are rejected.
// Embeddings are left empty.
func Decode(r io.Reader) ([]Descriptor, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc file
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}

	out := make([]Descriptor, 0, len(doc.Endpoints))
	seen := make(map[string]struct{}, len(doc.Endpoints))
	var errs []error
	for i, e := range doc.Endpoints {
		d := Descriptor{Path: e.Path, Method: e.Method, Description: e.Description}
		var err error
		if d.Params, err = marshalSchema(e.Params); err != nil {
			errs = append(errs, fmt.Errorf("endpoints[%d].params: %w", i, err))
			continue
		}
		if d.Body, err = marshalSchema(e.Body); err != nil {
			errs = append(errs, fmt.Errorf("endpoints[%d].body: %w", i, err))
			continue
		}
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("endpoints[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[d.Key()]; dup {
			errs = append(errs, fmt.Errorf("endpoints[%d]: duplicate endpoint %s", i, d.Key()))
			continue
		}
		seen[d.Key()] = struct{}{}
		out = append(out, d)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return out, nil
}

func marshalSchema(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}
