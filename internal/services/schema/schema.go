package schema

import (
	"fmt"
	"strings"

	"github.com/ternarybob/excerpo/internal/models"
)

// Field declares one extractable value in a schema.
type Field struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Enum        []string `yaml:"enum,omitempty"`
	// Items is the element type for array fields
	Items string `yaml:"items,omitempty"`
}

// Schema defines what the extraction pipeline asks a model to pull out of a
// paper and what a valid payload looks like.
type Schema struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Guidance    string  `yaml:"guidance,omitempty"`
	Fields      []Field `yaml:"fields"`
}

func (s *Schema) validateDefinition() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q declares no fields", s.Name)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %q has a field without a name", s.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %q declares field %q twice", s.Name, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case "string", "integer", "number", "boolean", "array", "object":
		default:
			return fmt.Errorf("schema %q field %q has unknown type %q", s.Name, f.Name, f.Type)
		}
	}
	return nil
}

// JSONSchema renders the schema as a JSON-schema map for providers with
// native structured output support.
func (s *Schema) JSONSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(s.Fields))
	var required []string
	for _, f := range s.Fields {
		prop := map[string]interface{}{
			"type":        f.Type,
			"description": f.Description,
		}
		if len(f.Enum) > 0 {
			prop["enum"] = f.Enum
		}
		if f.Type == "array" {
			itemType := f.Items
			if itemType == "" {
				itemType = "string"
			}
			prop["items"] = map[string]interface{}{"type": itemType}
		}
		properties[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	out := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// BuildPrompt constructs the system instruction and user message for an
// extraction call against this schema.
func (s *Schema) BuildPrompt(paper *models.Paper, document string) (system string, user string) {
	var sys strings.Builder
	sys.WriteString("You are a scientific data extraction engine. ")
	sys.WriteString("Extract the requested fields from the paper text and respond with a single JSON object. ")
	sys.WriteString("Use null for fields the text does not support. Never invent values.\n\n")
	sys.WriteString("FIELDS:\n")
	for _, f := range s.Fields {
		sys.WriteString("- ")
		sys.WriteString(f.Name)
		sys.WriteString(" (")
		sys.WriteString(f.Type)
		if f.Required {
			sys.WriteString(", required")
		}
		sys.WriteString(")")
		if f.Description != "" {
			sys.WriteString(": ")
			sys.WriteString(f.Description)
		}
		if len(f.Enum) > 0 {
			sys.WriteString(" [one of: ")
			sys.WriteString(strings.Join(f.Enum, ", "))
			sys.WriteString("]")
		}
		sys.WriteString("\n")
	}
	if s.Guidance != "" {
		sys.WriteString("\n")
		sys.WriteString(s.Guidance)
		sys.WriteString("\n")
	}
	sys.WriteString("\nOUTPUT FORMAT: Valid JSON only. No markdown, no explanations outside JSON.")

	var usr strings.Builder
	usr.WriteString("PAPER METADATA:\n")
	usr.WriteString("title: ")
	usr.WriteString(paper.Title)
	usr.WriteString("\n")
	if paper.DOI != "" {
		usr.WriteString("doi: ")
		usr.WriteString(paper.DOI)
		usr.WriteString("\n")
	}
	if paper.ArxivID != "" {
		usr.WriteString("arxiv_id: ")
		usr.WriteString(paper.ArxivID)
		usr.WriteString("\n")
	}
	usr.WriteString("\nPAPER TEXT:\n")
	usr.WriteString(document)

	return sys.String(), usr.String()
}

// Validate checks an extracted payload against the schema: required fields
// must be present and non-null, and present values must match their declared
// type. All problems are reported in one error.
func (s *Schema) Validate(fields map[string]interface{}) error {
	var problems []string
	for _, f := range s.Fields {
		value, present := fields[f.Name]
		if !present || value == nil {
			if f.Required {
				problems = append(problems, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		if err := checkType(f, value); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("schema %s: %s", s.Name, strings.Join(problems, "; "))
	}
	return nil
}

// checkType verifies one value against a field declaration. JSON numbers
// decode as float64, so integer fields accept whole-valued floats.
func checkType(f Field, value interface{}) error {
	switch f.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q must be a string, got %T", f.Name, value)
		}
		if len(f.Enum) > 0 && !containsString(f.Enum, str) {
			return fmt.Errorf("field %q value %q is not one of %v", f.Name, str, f.Enum)
		}
	case "integer":
		switch n := value.(type) {
		case float64:
			if n != float64(int64(n)) {
				return fmt.Errorf("field %q must be an integer, got %v", f.Name, n)
			}
		case int, int64:
		default:
			return fmt.Errorf("field %q must be an integer, got %T", f.Name, value)
		}
	case "number":
		switch value.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("field %q must be a number, got %T", f.Name, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field %q must be a boolean, got %T", f.Name, value)
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return fmt.Errorf("field %q must be an array, got %T", f.Name, value)
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return fmt.Errorf("field %q must be an object, got %T", f.Name, value)
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
