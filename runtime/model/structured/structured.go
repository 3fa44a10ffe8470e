// Package structured converts chat generations into typed results. The
// assistant text is parsed as JSON, optionally validated against a JSON schema,
// and decoded into the requested Go type while the original generation
// metadata travels with the new result.
package structured

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/modelresult/runtime/model"
)

type (
	// Schema is a compiled JSON schema used to validate model output.
	Schema struct {
		id       string
		doc      any
		compiled *jsonschema.Schema
	}

	// Option configures Convert.
	Option func(*options)

	// ValidationError reports model output that could not be converted.
	ValidationError struct {
		// Raw is the text extracted from the generation.
		Raw string
		// Err is the underlying decode or validation failure.
		Err error
	}

	options struct {
		schema *Schema
		strict bool
	}
)

// ErrInvalidOutput is matched by every ValidationError.
var ErrInvalidOutput = errors.New("structured: invalid model output")

// CompileSchema compiles the JSON schema document doc. id names the schema in
// error messages and in the resulting StructuredMetadata.
func CompileSchema(id string, doc []byte) (*Schema, error) {
	if id == "" {
		return nil, errors.New("schema id is required")
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", id, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(id, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", id, err)
	}
	compiled, err := c.Compile(id)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", id, err)
	}
	var plain any
	if err := json.Unmarshal(doc, &plain); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", id, err)
	}
	return &Schema{id: id, doc: plain, compiled: compiled}, nil
}

// MustCompileSchema is like CompileSchema but panics on error.
func MustCompileSchema(id string, doc []byte) *Schema {
	s, err := CompileSchema(id, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// ID returns the schema identifier.
func (s *Schema) ID() string { return s.id }

// Document returns the decoded schema document, suitable for use as a
// model.ToolDefinition InputSchema.
func (s *Schema) Document() any { return s.doc }

// Validate validates the JSON text raw against the schema.
func (s *Schema) Validate(raw string) error {
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return err
	}
	return s.compiled.Validate(v)
}

// Instructions returns prompt text asking the model to answer with JSON
// matching the schema.
func (s *Schema) Instructions() string {
	doc, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		doc = []byte("{}")
	}
	return "Your response must be a single JSON value that conforms to the JSON schema below. " +
		"Do not include explanations or markdown code fences.\n" + string(doc)
}

// WithSchema validates the output against s before decoding.
func WithSchema(s *Schema) Option {
	return func(o *options) { o.schema = s }
}

// WithStrictDecoding rejects JSON objects with fields unknown to the target type.
func WithStrictDecoding() Option {
	return func(o *options) { o.strict = true }
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("structured: invalid model output: %v", e.Err)
}

// Unwrap returns the underlying decode or validation failure.
func (e *ValidationError) Unwrap() error { return e.Err }

// Is matches ErrInvalidOutput.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidOutput }

// Convert decodes the text of res into a value of type T. The returned result
// carries StructuredMetadata wrapping the metadata of res. A result without
// output fails with model.ErrNoOutput.
func Convert[T any](res model.Result[model.AssistantMessage], opts ...Option) (*model.Generation[T], error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	msg, err := model.RequireOutput(res)
	if err != nil {
		return nil, err
	}
	raw := ExtractJSON(msg.Text)
	if raw == "" {
		return nil, &ValidationError{Raw: msg.Text, Err: errors.New("no JSON content")}
	}
	md := model.StructuredMetadata{Source: res.Metadata(), Raw: raw}
	if o.schema != nil {
		if err := o.schema.Validate(raw); err != nil {
			return nil, &ValidationError{Raw: raw, Err: err}
		}
		md.Schema = o.schema.id
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	if o.strict {
		dec.DisallowUnknownFields()
	}
	var out T
	if err := dec.Decode(&out); err != nil {
		return nil, &ValidationError{Raw: raw, Err: err}
	}
	return model.NewGeneration(out, md), nil
}

// ExtractJSON returns the JSON payload in text, removing a surrounding
// markdown code fence when present.
func ExtractJSON(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the language tag line ("json", "JSON", ...).
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "json"), "JSON")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
