package model

import (
	"reflect"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestGenerationReadsAreIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("chat generation accessors return equal values", prop.ForAll(
		func(text, reason string, tokens int) bool {
			res := NewGeneration(
				NewAssistantMessage(TextPart{Text: text}),
				GenerationMetadata{FinishReason: reason, Extras: map[string]any{"tokens": tokens}},
			)
			return reflect.DeepEqual(res.Output(), res.Output()) &&
				reflect.DeepEqual(res.Metadata(), res.Metadata())
		},
		gen.AnyString(),
		gen.AlphaString(),
		gen.Int(),
	))

	properties.Property("embedding generation accessors return equal values", prop.ForAll(
		func(vec []float32, index int) bool {
			res := NewGeneration(vec, EmbeddingMetadata{Index: index, Modality: ModalityText})
			return reflect.DeepEqual(res.Output(), res.Output()) &&
				reflect.DeepEqual(res.Metadata(), res.Metadata())
		},
		gen.SliceOf(gen.Float32()),
		gen.IntRange(0, 1024),
	))

	properties.TestingRun(t)
}

func TestGenerationMetadataIsCopiedOnConstruction(t *testing.T) {
	extras := map[string]any{"refusal": "no"}
	filters := []ContentFilter{{Category: "hate", Severity: "low"}}
	res := NewGeneration("out", GenerationMetadata{FinishReason: "stop", Extras: extras, ContentFilters: filters})

	extras["refusal"] = "changed"
	filters[0].Filtered = true

	md, ok := res.Metadata().(GenerationMetadata)
	require.True(t, ok)
	v, ok := md.Extra("refusal")
	require.True(t, ok)
	require.Equal(t, "no", v)
	require.False(t, md.Filtered())
}

func TestGenerationMetadataIsCopiedOnRead(t *testing.T) {
	res := NewGeneration("out", GenerationMetadata{
		Extras:         map[string]any{"k": "v"},
		ContentFilters: []ContentFilter{{Category: "hate"}},
	})

	md := res.Metadata().(GenerationMetadata)
	md.Extras["k"] = "mutated"
	md.ContentFilters[0].Filtered = true

	again := res.Metadata().(GenerationMetadata)
	require.Equal(t, "v", again.Extras["k"])
	require.False(t, again.Filtered())
}

func TestStructuredMetadataSourceIsCopiedOnRead(t *testing.T) {
	res := NewGeneration(1, StructuredMetadata{
		Source: GenerationMetadata{Extras: map[string]any{"k": "v"}},
		Schema: "answer",
	})

	md := res.Metadata().(StructuredMetadata)
	md.Source.(GenerationMetadata).Extras["k"] = "mutated"

	src := res.Metadata().(StructuredMetadata).Source.(GenerationMetadata)
	require.Equal(t, "v", src.Extras["k"])
}

func TestGenerationNilPointerMetadataIsEmpty(t *testing.T) {
	cases := []struct {
		name string
		md   ResultMetadata
	}{
		{"empty", (*EmptyMetadata)(nil)},
		{"generation", (*GenerationMetadata)(nil)},
		{"embedding", (*EmbeddingMetadata)(nil)},
		{"structured", (*StructuredMetadata)(nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := NewGeneration("x", tc.md)
			require.Equal(t, EmptyMetadata{}, res.Metadata())
			require.Equal(t, EmptyMetadata{}, EmptyGeneration[string](tc.md).Metadata())
		})
	}
}

func TestGenerationPointerMetadataIsDereferenced(t *testing.T) {
	md := &GenerationMetadata{FinishReason: "stop", Extras: map[string]any{"k": "v"}}
	res := NewGeneration("x", md)
	md.Extras["k"] = "changed"

	got, ok := res.Metadata().(GenerationMetadata)
	require.True(t, ok)
	require.Equal(t, "stop", got.FinishReason)
	require.Equal(t, "v", got.Extras["k"])

	emb := NewGeneration([]float32{1}, &EmbeddingMetadata{Index: 2})
	require.Equal(t, EmbeddingMetadata{Index: 2}, emb.Metadata())
}

func TestGenerationNilMetadataIsEmpty(t *testing.T) {
	res := NewGeneration(42, nil)
	require.Equal(t, EmptyMetadata{}, res.Metadata())
	require.Equal(t, 42, res.Output())
	require.True(t, res.HasOutput())
}

func TestRequireOutput(t *testing.T) {
	cases := []struct {
		name    string
		res     Result[string]
		want    string
		wantErr bool
	}{
		{name: "present", res: NewGeneration("hello", nil), want: "hello"},
		{name: "present zero value", res: NewGeneration("", nil), want: ""},
		{name: "empty", res: EmptyGeneration[string](GenerationMetadata{FinishReason: "max_tokens"}), wantErr: true},
		{name: "nil interface", res: nil, wantErr: true},
		{name: "nil generation", res: (*Generation[string])(nil), wantErr: true},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequireOutput(tt.res)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNoOutput)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMetadataOfNil(t *testing.T) {
	require.Equal(t, EmptyMetadata{}, MetadataOf[string](nil))
	var g *Generation[string]
	require.Equal(t, EmptyMetadata{}, MetadataOf[string](g))
	require.Empty(t, g.Output())
}

func TestGenerationConcurrentReads(t *testing.T) {
	res := NewGeneration([]float32{1, 2, 3}, EmbeddingMetadata{Index: 1})
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = res.Output()
				_ = res.Metadata()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, []float32{1, 2, 3}, res.Output())
}

func TestNewAssistantMessage(t *testing.T) {
	msg := NewAssistantMessage(
		ThinkingPart{Text: "hmm", Signature: "sig", Final: true},
		TextPart{Text: "hello "},
		ToolUsePart{ID: "tu1", Name: "search", Input: map[string]any{"q": "go"}},
		TextPart{Text: "world"},
	)
	require.Equal(t, "hello world", msg.Text)
	require.Equal(t, "hmm", msg.Thinking)
	require.Equal(t, []ToolCall{{ID: "tu1", Name: "search", Payload: map[string]any{"q": "go"}}}, msg.ToolCalls)
	require.Len(t, msg.Parts, 4)

	back := msg.Message()
	require.Equal(t, ConversationRoleAssistant, back.Role)
	require.Equal(t, "hello world", back.Text())
}

func TestChatResponseResult(t *testing.T) {
	var nilResp *ChatResponse
	require.Nil(t, nilResp.Result())
	require.Empty(t, nilResp.Text())

	resp := &ChatResponse{Results: []*Generation[AssistantMessage]{
		NewGeneration(NewAssistantMessage(TextPart{Text: "first"}), nil),
		NewGeneration(NewAssistantMessage(TextPart{Text: "second"}), nil),
	}}
	require.Equal(t, "first", resp.Text())
}

func TestAppendResult(t *testing.T) {
	msgs := []*Message{NewUserMessage("hi")}
	res := NewGeneration(NewAssistantMessage(TextPart{Text: "hello"}), nil)

	msgs = AppendResult(msgs, res)
	require.Len(t, msgs, 2)
	require.Equal(t, ConversationRoleAssistant, msgs[1].Role)

	msgs = AppendResult(msgs, EmptyGeneration[AssistantMessage](nil))
	require.Len(t, msgs, 2)
}

func TestTokenUsageAdd(t *testing.T) {
	u := TokenUsage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}
	sum := u.Add(TokenUsage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30, CacheReadTokens: 5})
	require.Equal(t, TokenUsage{InputTokens: 11, OutputTokens: 22, TotalTokens: 33, CacheReadTokens: 5}, sum)
	require.True(t, TokenUsage{}.IsZero())
	require.False(t, sum.IsZero())
}
