package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wudi/filterhost/internal/errors"
)

// Document is a validated JSON configuration payload with typed field probes.
// A probe whose field is missing or has the wrong JSON type reports ok=false,
// so decoders treat mismatched fields as absent.
type Document struct {
	raw []byte
}

// ParseDocument checks that raw is well-formed JSON.
func ParseDocument(raw []byte) (Document, error) {
	if !gjson.ValidBytes(raw) {
		return Document{}, errors.Malformed(fmt.Errorf("invalid JSON"))
	}
	return Document{raw: raw}, nil
}

// Bytes returns the underlying payload.
func (d Document) Bytes() []byte {
	return d.raw
}

func (d Document) get(path string) gjson.Result {
	return gjson.GetBytes(d.raw, path)
}

// Exists reports whether path is present, whatever its type.
func (d Document) Exists(path string) bool {
	return d.get(path).Exists()
}

// Bool returns a JSON boolean.
func (d Document) Bool(path string) (bool, bool) {
	r := d.get(path)
	if r.Type != gjson.True && r.Type != gjson.False {
		return false, false
	}
	return r.Bool(), true
}

// String returns a JSON string.
func (d Document) String(path string) (string, bool) {
	r := d.get(path)
	if r.Type != gjson.String {
		return "", false
	}
	return r.Str, true
}

// Int returns a JSON number that is integral.
func (d Document) Int(path string) (int64, bool) {
	r := d.get(path)
	if r.Type != gjson.Number {
		return 0, false
	}
	n := r.Int()
	if float64(n) != r.Num {
		return 0, false
	}
	return n, true
}

// Duration accepts a Go duration string ("250ms") or a number of milliseconds.
func (d Document) Duration(path string) (time.Duration, bool) {
	r := d.get(path)
	switch r.Type {
	case gjson.String:
		v, err := time.ParseDuration(r.Str)
		if err != nil {
			return 0, false
		}
		return v, true
	case gjson.Number:
		return time.Duration(r.Num * float64(time.Millisecond)), true
	default:
		return 0, false
	}
}

// Raw returns the JSON text of the value at path.
func (d Document) Raw(path string) ([]byte, bool) {
	r := d.get(path)
	if !r.Exists() {
		return nil, false
	}
	return []byte(r.Raw), true
}

// With returns a copy of the document with path set to value.
func (d Document) With(path string, value any) (Document, error) {
	out, err := sjson.SetBytes(append([]byte(nil), d.raw...), path, value)
	if err != nil {
		return Document{}, err
	}
	return Document{raw: out}, nil
}

// Schema is a compiled JSON schema used to check a payload's structure
// before it is decoded.
type Schema struct {
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON schema document.
func CompileSchema(name, doc string) (*Schema, error) {
	var schemaDoc interface{}
	if err := json.Unmarshal([]byte(doc), &schemaDoc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, schemaDoc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Schema{schema: schema}, nil
}

// MustCompileSchema is CompileSchema for package-level schemas.
func MustCompileSchema(name, doc string) *Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// ObjectSchema accepts any JSON object.
var ObjectSchema = MustCompileSchema("object.json", `{"type":"object"}`)

// Validate checks raw against the schema.
func (s *Schema) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return errors.Malformed(err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return errors.Malformed(err)
	}
	return nil
}
