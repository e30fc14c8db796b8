package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	nterrors "github.com/neoterm/neoterm/internal/errors"
)

// documentSchema describes the shape of a workflow document. It runs
// before decoding so type errors point at the offending field.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "command"],
  "properties": {
    "name":        {"type": "string", "minLength": 1},
    "command":     {"type": "string", "minLength": 1},
    "description": {"type": ["string", "null"]},
    "author":      {"type": ["string", "null"]},
    "author_url":  {"type": ["string", "null"]},
    "source_url":  {"type": ["string", "null"]},
    "tags":        {"type": ["array", "null"], "items": {"type": "string"}},
    "shells": {
      "type": ["array", "null"],
      "minItems": 1,
      "items": {"enum": ["bash", "zsh", "fish", "sh"]}
    },
    "arguments": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name":          {"type": "string", "minLength": 1},
          "description":   {"type": ["string", "null"]},
          "default_value": {"type": ["string", "number", "boolean", "null"]},
          "arg_type":      {"enum": ["string", "boolean", "path", "number"]},
          "required":      {"type": "boolean"},
          "options": {
            "type": ["array", "null"],
            "items": {"type": ["string", "number", "boolean"]}
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error

	validateOnce sync.Once
	validate     *validator.Validate
)

func documentValidator() *gojsonschema.Schema {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	})
	if schemaErr != nil {
		panic(fmt.Sprintf("workflow document schema: %v", schemaErr))
	}
	return schema
}

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		if err := validate.RegisterValidation("notblank", validators.NotBlank); err != nil {
			panic(fmt.Sprintf("registering notblank: %v", err))
		}
	})
	return validate
}

// scalar accepts any YAML scalar as its literal text, so `default_value: false`
// and `default_value: 10` decode the same way as their quoted forms.
type scalar string

func (s *scalar) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar value", n.Line)
	}
	*s = scalar(n.Value)
	return nil
}

type argumentDocument struct {
	Name         string   `yaml:"name" validate:"required,notblank"`
	Description  string   `yaml:"description,omitempty"`
	DefaultValue *scalar  `yaml:"default_value,omitempty"`
	ArgType      ArgType  `yaml:"arg_type,omitempty" validate:"omitempty,oneof=string boolean path number"`
	Required     bool     `yaml:"required,omitempty"`
	Options      []scalar `yaml:"options,omitempty"`
}

type document struct {
	Name        string             `yaml:"name" validate:"required,notblank"`
	Description string             `yaml:"description,omitempty"`
	Command     string             `yaml:"command" validate:"required,notblank"`
	Tags        []string           `yaml:"tags,omitempty"`
	Author      string             `yaml:"author,omitempty"`
	AuthorURL   string             `yaml:"author_url,omitempty" validate:"omitempty,url"`
	SourceURL   string             `yaml:"source_url,omitempty" validate:"omitempty,url"`
	Shells      []Shell            `yaml:"shells,omitempty" validate:"omitempty,min=1,dive,oneof=bash zsh fish sh"`
	Arguments   []argumentDocument `yaml:"arguments,omitempty" validate:"dive"`
}

// Parse decodes and validates a raw workflow document. path is recorded on
// the definition and in errors; it may be empty.
func Parse(raw []byte, path string) (*Definition, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, nterrors.WorkflowParseError(path, err)
	}
	if generic == nil {
		return nil, &ValidationError{Path: path, Issues: []Issue{{Message: "document is empty"}}}
	}

	verr := &ValidationError{Path: path}
	if m, ok := generic.(map[string]any); ok {
		if name, ok := m["name"].(string); ok {
			verr.Workflow = name
		}
	}

	result, err := documentValidator().Validate(gojsonschema.NewGoLoader(generic))
	if err != nil {
		return nil, nterrors.WorkflowParseError(path, err)
	}
	if !result.Valid() {
		for _, re := range result.Errors() {
			verr.add(schemaField(re), "%s", re.Description())
		}
		return nil, verr
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nterrors.WorkflowParseError(path, err)
	}

	if err := structValidator().Struct(doc); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, nterrors.WorkflowParseError(path, err)
		}
		for _, fe := range fieldErrs {
			verr.add(structField(fe), "failed %q check", fe.Tag())
		}
		return nil, verr
	}

	def := doc.definition()
	def.Path = path
	validateSemantics(def, verr)
	if len(verr.Issues) > 0 {
		return nil, verr
	}
	return def, nil
}

// ParseFile reads and parses a workflow document from disk.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nterrors.FromIO(nterrors.IORead, path, err)
	}
	return Parse(data, path)
}

func (doc *document) definition() *Definition {
	def := &Definition{
		Name:        strings.TrimSpace(doc.Name),
		Description: doc.Description,
		Shells:      doc.Shells,
		Tags:        doc.Tags,
		Author:      doc.Author,
		AuthorURL:   doc.AuthorURL,
		SourceURL:   doc.SourceURL,
		Command:     doc.Command,
	}
	for _, a := range doc.Arguments {
		spec := ArgumentSpec{
			Name:        strings.TrimSpace(a.Name),
			Description: a.Description,
			Type:        a.ArgType,
			Required:    a.Required,
		}
		if spec.Type == "" {
			spec.Type = ArgString
		}
		if a.DefaultValue != nil {
			v := string(*a.DefaultValue)
			spec.Default = &v
		}
		for _, o := range a.Options {
			spec.Options = append(spec.Options, string(o))
		}
		def.Arguments = append(def.Arguments, spec)
	}
	return def
}

// Marshal encodes the definition back into a workflow document.
func (d *Definition) Marshal() ([]byte, error) {
	doc := document{
		Name:        d.Name,
		Description: d.Description,
		Command:     d.Command,
		Tags:        d.Tags,
		Author:      d.Author,
		AuthorURL:   d.AuthorURL,
		SourceURL:   d.SourceURL,
		Shells:      d.Shells,
	}
	for _, a := range d.Arguments {
		ad := argumentDocument{
			Name:        a.Name,
			Description: a.Description,
			ArgType:     a.Type,
			Required:    a.Required,
		}
		if a.Default != nil {
			v := scalar(*a.Default)
			ad.DefaultValue = &v
		}
		for _, o := range a.Options {
			ad.Options = append(ad.Options, scalar(o))
		}
		doc.Arguments = append(doc.Arguments, ad)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encoding workflow %s: %w", d.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding workflow %s: %w", d.Name, err)
	}
	return buf.Bytes(), nil
}

func schemaField(re gojsonschema.ResultError) string {
	field := re.Field()
	if field == "(root)" {
		if p, ok := re.Details()["property"].(string); ok {
			return p
		}
		return ""
	}
	return schemaPath(field)
}

// schemaPath turns gojsonschema's "arguments.1.arg_type" into "arguments[1].arg_type".
func schemaPath(field string) string {
	parts := strings.Split(field, ".")
	var b strings.Builder
	for i, p := range parts {
		if isIndex(p) {
			b.WriteString("[" + p + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// structField turns validator's "document.Arguments[0].Name" into a
// document field path.
func structField(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	replacer := strings.NewReplacer(
		"Arguments", "arguments",
		"DefaultValue", "default_value",
		"ArgType", "arg_type",
		"AuthorURL", "author_url",
		"SourceURL", "source_url",
		"Name", "name",
		"Command", "command",
		"Shells", "shells",
	)
	return replacer.Replace(ns)
}
