// Package model defines the provider-agnostic types shared by model clients:
// the Result contract pairing a model output with its metadata, the chat and
// embedding request/response shapes built on top of it, and the streaming
// primitives used by provider adapters (OpenAI, Bedrock, Anthropic, etc.).
package model

import "errors"

type (
	// Result is the output of a single model invocation paired with the
	// metadata describing how it was produced. Implementations are immutable
	// once constructed: repeated calls to Output and Metadata return the same
	// logical values and have no side effects, so results may be shared across
	// goroutines without locking.
	Result[T any] interface {
		// Output returns the value generated by the model. When the model
		// produced no output the zero value of T is returned.
		Output() T
		// Metadata returns the metadata associated with the result. It never
		// returns nil; results without metadata report EmptyMetadata.
		Metadata() ResultMetadata
	}

	// Generation is the concrete Result implementation returned by model
	// clients. Build instances with NewGeneration or EmptyGeneration.
	Generation[T any] struct {
		output  T
		present bool
		meta    ResultMetadata
	}
)

// ErrNoOutput indicates a result carries no model output.
var ErrNoOutput = errors.New("model: result has no output")

// NewGeneration returns a result holding output and md. A nil md is replaced
// with EmptyMetadata.
func NewGeneration[T any](output T, md ResultMetadata) *Generation[T] {
	return &Generation[T]{output: output, present: true, meta: normalizeMetadata(md)}
}

// EmptyGeneration returns a result with metadata but no output, for example
// when a provider stopped before generating content.
func EmptyGeneration[T any](md ResultMetadata) *Generation[T] {
	return &Generation[T]{meta: normalizeMetadata(md)}
}

// Output returns the generated value or the zero value of T when the result
// has no output.
func (g *Generation[T]) Output() T {
	if g == nil {
		var zero T
		return zero
	}
	return g.output
}

// Metadata returns a copy of the result metadata. Changes made to the
// returned value are not visible to later reads.
func (g *Generation[T]) Metadata() ResultMetadata {
	if g == nil || g.meta == nil {
		return EmptyMetadata{}
	}
	return g.meta.clone()
}

// HasOutput reports whether the result was built with an output value.
func (g *Generation[T]) HasOutput() bool {
	return g != nil && g.present
}

// RequireOutput returns the output of r or ErrNoOutput when r is nil or
// reports that it carries no output.
func RequireOutput[T any](r Result[T]) (T, error) {
	var zero T
	if r == nil {
		return zero, ErrNoOutput
	}
	if h, ok := r.(interface{ HasOutput() bool }); ok && !h.HasOutput() {
		return zero, ErrNoOutput
	}
	return r.Output(), nil
}

// MetadataOf returns the metadata of r, or EmptyMetadata when r is nil.
func MetadataOf[T any](r Result[T]) ResultMetadata {
	if r == nil {
		return EmptyMetadata{}
	}
	return normalizeMetadata(r.Metadata())
}
