package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
	OneOf      []schema          `yaml:"oneOf"`
}

// field is one property a schema must declare.
type field struct {
	name     string
	typ      string
	required bool
}

var routes = map[string][]string{
	"/healthz":                                {"get"},
	"/intents":                                {"post"},
	"/sessions/{sessionId}":                   {"delete"},
	"/sessions/{sessionId}/queries/{queryId}": {"delete"},
}

var schemas = map[string][]field{
	"IntentRequest": {
		{name: "intent", typ: "string", required: true},
		{name: "sessionId", typ: "string"},
		{name: "queryId", typ: "string"},
		{name: "text", typ: "string"},
		{name: "parameters", typ: "object"},
	},
	"IntentResponse": {
		{name: "sessionId", typ: "string", required: true},
		{name: "queryId", typ: "string"},
		{name: "fulfillment", typ: "string", required: true},
		{name: "code", typ: "string", required: true},
	},
	"ErrorResponse": {
		{name: "error", typ: "string", required: true},
		{name: "code", typ: "string", required: true},
		{name: "requestId", typ: "string"},
	},
	"Book": {
		{name: "title", typ: "string", required: true},
		{name: "order", typ: "integer", required: true},
	},
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	if err := check(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(path string) error {
	doc, err := loadDoc(path)
	if err != nil {
		return err
	}
	if err := validateRoutes(doc); err != nil {
		return err
	}
	for name, fields := range schemas {
		s, err := getSchema(doc, name)
		if err != nil {
			return err
		}
		if err := validateSchema(name, s, fields); err != nil {
			return err
		}
	}
	resp, _ := getSchema(doc, "IntentResponse")
	return validateDisplay(resp.Properties["display"])
}

// validateDisplay requires display to be either a Book list or one Book.
func validateDisplay(s schema) error {
	const bookRef = "#/components/schemas/Book"
	var list, single bool
	for _, alt := range s.OneOf {
		switch {
		case strings.TrimSpace(alt.Ref) == bookRef:
			single = true
		case alt.Type == "array" && alt.Items != nil && strings.TrimSpace(alt.Items.Ref) == bookRef:
			list = true
		}
	}
	if !list || !single {
		return errors.New("IntentResponse.display must be oneOf a Book list or a Book")
	}
	return nil
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func validateRoutes(doc openAPIDoc) error {
	for path, methods := range routes {
		ops, ok := doc.Paths[path]
		if !ok {
			return fmt.Errorf("path %s missing", path)
		}
		for _, method := range methods {
			if _, ok := ops[method]; !ok {
				return fmt.Errorf("path %s is missing %s", path, strings.ToUpper(method))
			}
		}
	}
	return nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateSchema(name string, s schema, fields []field) error {
	if s.Type != "object" {
		return fmt.Errorf("%s must be object", name)
	}
	required := makeSet(s.Required)
	for _, f := range fields {
		prop, ok := s.Properties[f.name]
		if !ok || prop.Type != f.typ {
			return fmt.Errorf("%s.%s must be %s", name, f.name, f.typ)
		}
		if f.required && !required[f.name] {
			return fmt.Errorf("%s.required must include %q", name, f.name)
		}
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}
