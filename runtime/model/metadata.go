package model

import (
	"maps"
	"slices"
	"time"
)

type (
	// ResultMetadata describes how a Result was produced. It is a closed set of
	// metadata shapes: EmptyMetadata, GenerationMetadata, EmbeddingMetadata and
	// StructuredMetadata.
	ResultMetadata interface {
		isResultMetadata()
		// clone returns a deep copy so results never share mutable state with
		// the caller that built them.
		clone() ResultMetadata
	}

	// EmptyMetadata is reported by results built without metadata.
	EmptyMetadata struct{}

	// GenerationMetadata describes a single chat generation.
	GenerationMetadata struct {
		// FinishReason is the provider stop reason for this generation, e.g.
		// "end_turn", "stop", "max_tokens", "tool_use" or "content_filter".
		FinishReason string
		// ContentFilters lists moderation outcomes reported by the provider.
		ContentFilters []ContentFilter
		// Extras holds provider-specific values (e.g. "refusal",
		// "system_fingerprint"). Treat it as read-only.
		Extras map[string]any
	}

	// ContentFilter records a provider moderation decision for a generation.
	ContentFilter struct {
		Category string
		Severity string
		Filtered bool
	}

	// EmbeddingMetadata describes a single embedding vector.
	EmbeddingMetadata struct {
		// Index is the position of the embedded input in the request.
		Index int
		// Modality is the kind of input that was embedded.
		Modality Modality
		// MimeType is the media type of the embedded input when known.
		MimeType string
		// DocumentID identifies the source document when the caller supplied one.
		DocumentID string
	}

	// StructuredMetadata describes a result whose output was decoded from a
	// model generation into a typed value.
	StructuredMetadata struct {
		// Source is the metadata of the generation the output was decoded from.
		Source ResultMetadata
		// Schema is the identifier of the JSON schema the output was validated
		// against, empty when no validation took place.
		Schema string
		// Raw is the text the output was decoded from.
		Raw string
	}

	// Modality identifies the kind of content an embedding was computed from.
	Modality string

	// ResponseMetadata describes a provider response as a whole, shared by all
	// results it carries.
	ResponseMetadata struct {
		// ID is the provider response or request identifier.
		ID string
		// Provider names the adapter that produced the response ("anthropic",
		// "openai", "bedrock").
		Provider string
		// Model is the model identifier reported by the provider.
		Model string
		// Usage reports token consumption when available.
		Usage TokenUsage
		// RateLimit carries provider rate limit headers when available.
		RateLimit *RateLimit
		// Created is the time the provider created the response.
		Created time.Time
		// Latency is the wall clock time of the provider call.
		Latency time.Duration
		// Extras holds provider-specific values.
		Extras map[string]any
	}

	// RateLimit mirrors the rate limit information exposed by providers.
	RateLimit struct {
		RequestsLimit     int
		RequestsRemaining int
		TokensLimit       int
		TokensRemaining   int
		Reset             time.Duration
	}

	// TokenUsage records prompt/completion token counts when provided by the
	// model provider. All fields are zero if the provider doesn't report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and message history.
		InputTokens int
		// OutputTokens counts tokens produced by the model.
		OutputTokens int
		// TotalTokens reports the aggregate tokens consumed. Some providers
		// compute this differently, so prefer it over summing the other fields.
		TotalTokens int
		// CacheReadTokens counts input tokens served from the provider cache.
		CacheReadTokens int
		// CacheWriteTokens counts input tokens written to the provider cache.
		CacheWriteTokens int
	}
)

// Modality values.
const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

func (EmptyMetadata) isResultMetadata()      {}
func (GenerationMetadata) isResultMetadata() {}
func (EmbeddingMetadata) isResultMetadata()  {}
func (StructuredMetadata) isResultMetadata() {}

func (m EmptyMetadata) clone() ResultMetadata     { return m }
func (m EmbeddingMetadata) clone() ResultMetadata { return m }

func (m GenerationMetadata) clone() ResultMetadata {
	m.ContentFilters = slices.Clone(m.ContentFilters)
	m.Extras = maps.Clone(m.Extras)
	return m
}

func (m StructuredMetadata) clone() ResultMetadata {
	m.Source = normalizeMetadata(m.Source)
	return m
}

// Extra returns the provider-specific value stored under key.
func (m GenerationMetadata) Extra(key string) (any, bool) {
	v, ok := m.Extras[key]
	return v, ok
}

// Filtered reports whether any content filter blocked the generation.
func (m GenerationMetadata) Filtered() bool {
	for _, f := range m.ContentFilters {
		if f.Filtered {
			return true
		}
	}
	return false
}

// Add returns the sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
	}
}

// IsZero reports whether no usage was recorded.
func (u TokenUsage) IsZero() bool {
	return u == TokenUsage{}
}

// Clone returns a copy of m that shares no mutable state with it.
func (m ResponseMetadata) Clone() ResponseMetadata {
	if m.RateLimit != nil {
		rl := *m.RateLimit
		m.RateLimit = &rl
	}
	m.Extras = maps.Clone(m.Extras)
	return m
}

// normalizeMetadata returns a detached value copy of md. Nil interfaces and
// nil pointers to a metadata variant become EmptyMetadata.
func normalizeMetadata(md ResultMetadata) ResultMetadata {
	switch v := md.(type) {
	case nil:
		return EmptyMetadata{}
	case *EmptyMetadata:
		return EmptyMetadata{}
	case *GenerationMetadata:
		if v == nil {
			return EmptyMetadata{}
		}
		return v.clone()
	case *EmbeddingMetadata:
		if v == nil {
			return EmptyMetadata{}
		}
		return *v
	case *StructuredMetadata:
		if v == nil {
			return EmptyMetadata{}
		}
		return v.clone()
	default:
		return md.clone()
	}
}
