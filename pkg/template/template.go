package template

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FieldSpec describes one field of a structured item.
type FieldSpec struct {
	Name        string `koanf:"name" json:"name"`
	Type        string `koanf:"type" json:"type"`
	Description string `koanf:"description" json:"description,omitempty"`
}

var fieldTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// Template is the extraction template of one industry and data category.
type Template struct {
	Industry       string
	Category       string
	Description    string
	EmbeddingField string
	RequiredFields []FieldSpec
	OptionalFields []FieldSpec

	itemSchema *jsonschema.Schema
}

// Key identifies the template, e.g. "restaurant/products".
func (t *Template) Key() string {
	return t.Industry + "/" + t.Category
}

// ValidateItem checks an extracted item against the template. The item is
// invalid when the embedding field is missing or blank. Any other schema
// violation is reported as an issue without invalidating the item.
func (t *Template) ValidateItem(fields map[string]any) (invalid bool, issues []string) {
	if s, ok := fields[t.EmbeddingField].(string); !ok || strings.TrimSpace(s) == "" {
		invalid = true
		issues = append(issues, fmt.Sprintf("missing embedding field %q", t.EmbeddingField))
	}

	if t.itemSchema == nil {
		return invalid, issues
	}

	// The validator expects the generic JSON shapes that encoding/json
	// produces, so the item goes through a round trip first.
	var doc any
	b, err := json.Marshal(fields)
	if err != nil {
		return invalid, append(issues, err.Error())
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return invalid, append(issues, err.Error())
	}

	if err := t.itemSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return invalid, append(issues, err.Error())
		}
		issues = append(issues, flattenValidationError(ve)...)
	}

	return invalid, issues
}

// ResponseSchema returns the JSON Schema, as indented JSON text, of the
// document a provider must answer with.
func (t *Template) ResponseSchema() string {
	item := t.itemSchemaMap(true)

	items := map[string]any{"type": "object"}
	if t.Category == autoCategory || t.Category == genericCategory {
		items["additionalProperties"] = map[string]any{"type": "array", "items": item}
	} else {
		items["properties"] = map[string]any{
			t.Category: map[string]any{"type": "array", "items": item},
		}
		items["required"] = []string{t.Category}
	}

	schema := map[string]any{
		"type":     "object",
		"required": []string{"raw_text", "items"},
		"properties": map[string]any{
			"raw_text": map[string]any{"type": "string"},
			"items":    items,
		},
	}

	b, _ := json.MarshalIndent(schema, "", "  ")
	return string(b)
}

// itemSchemaMap builds the JSON Schema of a single item. The embedding field
// is only listed as required in prompts; validation handles it separately.
func (t *Template) itemSchemaMap(withEmbeddingField bool) map[string]any {
	properties := map[string]any{}
	required := []string{}

	for _, f := range t.RequiredFields {
		properties[f.Name] = fieldSchema(f, false)
		if f.Name != t.EmbeddingField || withEmbeddingField {
			required = append(required, f.Name)
		}
	}
	for _, f := range t.OptionalFields {
		properties[f.Name] = fieldSchema(f, true)
	}
	sort.Strings(required)

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func fieldSchema(f FieldSpec, nullable bool) map[string]any {
	s := map[string]any{"type": f.Type}
	if nullable {
		s["type"] = []string{f.Type, "null"}
	}
	if f.Description != "" {
		s["description"] = f.Description
	}
	return s
}

func (t *Template) compile() error {
	b, err := json.Marshal(t.itemSchemaMap(false))
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	url := strings.ReplaceAll(t.Key(), "/", "_") + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	t.itemSchema = schema
	return nil
}

func (t *Template) check() error {
	if t.EmbeddingField == "" {
		return fmt.Errorf("template %s has no embedding field", t.Key())
	}

	seen := map[string]bool{}
	embeddingRequired := false
	for _, f := range append(append([]FieldSpec{}, t.RequiredFields...), t.OptionalFields...) {
		if f.Name == "" {
			return fmt.Errorf("template %s has an unnamed field", t.Key())
		}
		if seen[f.Name] {
			return fmt.Errorf("template %s declares field %q twice", t.Key(), f.Name)
		}
		if !fieldTypes[f.Type] {
			return fmt.Errorf("template %s field %q has unsupported type %q", t.Key(), f.Name, f.Type)
		}
		seen[f.Name] = true
	}
	for _, f := range t.RequiredFields {
		if f.Name == t.EmbeddingField {
			embeddingRequired = true
		}
	}
	if !embeddingRequired {
		return fmt.Errorf("template %s embedding field %q is not a required field", t.Key(), t.EmbeddingField)
	}
	return nil
}

func flattenValidationError(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}

	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flattenValidationError(cause)...)
	}
	return out
}
