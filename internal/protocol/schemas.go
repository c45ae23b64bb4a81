package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

// schemaFile maps a message type to its embedded schema, e.g. TOOL_MODE -> tool_mode.schema.json.
func schemaFile(msgType string) string {
	return strings.ToLower(msgType) + ".schema.json"
}

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		ents, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = err
			return
		}
		c := jsonschema.NewCompiler()
		var names []string
		for _, e := range ents {
			b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(e.Name(), bytes.NewReader(b)); err != nil {
				schemasErr = fmt.Errorf("%s: %w", e.Name(), err)
				return
			}
			names = append(names, e.Name())
		}
		out := make(map[string]*jsonschema.Schema, len(names))
		for _, n := range names {
			s, err := c.Compile(n)
			if err != nil {
				schemasErr = fmt.Errorf("compile %s: %w", n, err)
				return
			}
			out[n] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// Validate checks a raw message against the schema of its type.
func Validate(msgType string, raw []byte) error {
	all, err := loadSchemas()
	if err != nil {
		return err
	}
	s, ok := all[schemaFile(msgType)]
	if !ok {
		return fmt.Errorf("unknown message type %q", msgType)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}

// ValidateValue marshals v and validates it, for outbound messages.
func ValidateValue(msgType string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return Validate(msgType, b)
}
