package synth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MrWong99/toolrouter/pkg/catalog"
)

// Validator checks a decoded model payload against a descriptor. doc is the
// payload as produced by encoding/json into an empty interface.
type Validator interface {
	Validate(d catalog.Descriptor, doc any) error
}

// SchemaValidator validates payloads against the [Envelope] schema using a
// JSON Schema 2020-12 validator. Compiled schemas are cached per descriptor.
type SchemaValidator struct {
	compiled *lru.Cache[string, *jsonschema.Schema]
}

var _ Validator = (*SchemaValidator)(nil)

// NewSchemaValidator creates a SchemaValidator caching up to size compiled
// schemas. size <= 0 selects 256.
func NewSchemaValidator(size int) *SchemaValidator {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, *jsonschema.Schema](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &SchemaValidator{compiled: cache}
}

// Validate implements [Validator].
func (v *SchemaValidator) Validate(d catalog.Descriptor, doc any) error {
	schema, err := v.schemaFor(d)
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload does not match %s: %w", d.Key(), err)
	}
	return nil
}

func (v *SchemaValidator) schemaFor(d catalog.Descriptor) (*jsonschema.Schema, error) {
	key := cacheKey(d)
	if s, ok := v.compiled.Get(key); ok {
		return s, nil
	}
	envelope, err := Envelope(d)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("synth: marshal envelope: %w", err)
	}
	s, err := jsonschema.CompileString(d.Key()+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("synth: compile schema for %s: %w", d.Key(), err)
	}
	v.compiled.Add(key, s)
	return s, nil
}

// cacheKey changes whenever the descriptor's schemas change.
func cacheKey(d catalog.Descriptor) string {
	var b bytes.Buffer
	b.WriteString(d.Key())
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(len(d.Params)))
	b.WriteByte(0)
	b.Write(d.Params)
	b.WriteByte(0)
	b.Write(d.Body)
	return b.String()
}
