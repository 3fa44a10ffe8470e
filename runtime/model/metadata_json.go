package model

import (
	"encoding/json"
	"fmt"
)

// metadataEnvelope is the persisted form of a ResultMetadata value.
type metadataEnvelope struct {
	Type  string          `json:"Type"`            //nolint:tagliatelle
	Value json.RawMessage `json:"Value,omitempty"` //nolint:tagliatelle
}

// structuredMetadataJSON is the persisted form of StructuredMetadata.
type structuredMetadataJSON struct {
	Source json.RawMessage
	Schema string `json:",omitempty"`
	Raw    string `json:",omitempty"`
}

// Metadata type discriminators used by MarshalMetadata.
const (
	MetadataTypeEmpty      = "empty"
	MetadataTypeGeneration = "generation"
	MetadataTypeEmbedding  = "embedding"
	MetadataTypeStructured = "structured"
)

// MetadataType returns the discriminator of md.
func MetadataType(md ResultMetadata) string {
	switch md.(type) {
	case GenerationMetadata, *GenerationMetadata:
		return MetadataTypeGeneration
	case EmbeddingMetadata, *EmbeddingMetadata:
		return MetadataTypeEmbedding
	case StructuredMetadata, *StructuredMetadata:
		return MetadataTypeStructured
	default:
		return MetadataTypeEmpty
	}
}

// MarshalMetadata encodes md with a type discriminator so UnmarshalMetadata
// can recover the concrete metadata shape.
func MarshalMetadata(md ResultMetadata) ([]byte, error) {
	md = normalizeMetadata(md)
	env := metadataEnvelope{Type: MetadataType(md)}
	var (
		value []byte
		err   error
	)
	switch v := md.(type) {
	case GenerationMetadata, EmbeddingMetadata:
		value, err = json.Marshal(v)
	case StructuredMetadata:
		var src []byte
		src, err = MarshalMetadata(v.Source)
		if err == nil {
			value, err = json.Marshal(structuredMetadataJSON{Source: src, Schema: v.Schema, Raw: v.Raw})
		}
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s metadata: %w", env.Type, err)
	}
	env.Value = value
	return json.Marshal(env)
}

// UnmarshalMetadata decodes metadata written by MarshalMetadata. Empty input
// decodes to EmptyMetadata.
func UnmarshalMetadata(data []byte) (ResultMetadata, error) {
	if len(data) == 0 {
		return EmptyMetadata{}, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode metadata envelope: %w", err)
	}
	switch env.Type {
	case "", MetadataTypeEmpty:
		return EmptyMetadata{}, nil
	case MetadataTypeGeneration:
		var md GenerationMetadata
		if err := json.Unmarshal(env.Value, &md); err != nil {
			return nil, fmt.Errorf("decode generation metadata: %w", err)
		}
		return md, nil
	case MetadataTypeEmbedding:
		var md EmbeddingMetadata
		if err := json.Unmarshal(env.Value, &md); err != nil {
			return nil, fmt.Errorf("decode embedding metadata: %w", err)
		}
		return md, nil
	case MetadataTypeStructured:
		var tmp structuredMetadataJSON
		if err := json.Unmarshal(env.Value, &tmp); err != nil {
			return nil, fmt.Errorf("decode structured metadata: %w", err)
		}
		src, err := UnmarshalMetadata(tmp.Source)
		if err != nil {
			return nil, err
		}
		return StructuredMetadata{Source: src, Schema: tmp.Schema, Raw: tmp.Raw}, nil
	default:
		return nil, fmt.Errorf("unknown metadata type %q", env.Type)
	}
}
