package openai_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	openaimodel "goa.design/modelresult/features/model/openai"
	"goa.design/modelresult/runtime/model"
)

type mockChatClient struct {
	params   openai.ChatCompletionNewParams
	response *openai.ChatCompletion
	err      error
}

func (m *mockChatClient) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.params = body
	return m.response, m.err
}

type mockEmbeddingsClient struct {
	params   openai.EmbeddingNewParams
	response *openai.CreateEmbeddingResponse
}

func (m *mockEmbeddingsClient) New(_ context.Context, body openai.EmbeddingNewParams, _ ...option.RequestOption) (*openai.CreateEmbeddingResponse, error) {
	m.params = body
	return m.response, nil
}

func TestClientCompleteOneResultPerChoice(t *testing.T) {
	mock := &mockChatClient{response: &openai.ChatCompletion{
		ID:                "chatcmpl-1",
		Model:             "gpt-4o",
		Created:           1700000000,
		SystemFingerprint: "fp_1",
		Choices: []openai.ChatCompletionChoice{
			{
				Index:        0,
				FinishReason: "tool_calls",
				Message: openai.ChatCompletionMessage{
					Content: "hi there",
					ToolCalls: []openai.ChatCompletionMessageToolCall{{
						ID:       "call_1",
						Function: openai.ChatCompletionMessageToolCallFunction{Name: "lookup", Arguments: `{"query":"docs"}`},
					}},
				},
			},
			{
				Index:        1,
				FinishReason: "content_filter",
				Message:      openai.ChatCompletionMessage{Refusal: "cannot help"},
			},
		},
		Usage: openai.CompletionUsage{
			PromptTokens:        10,
			CompletionTokens:    5,
			TotalTokens:         15,
			PromptTokensDetails: openai.CompletionUsagePromptTokensDetails{CachedTokens: 4},
		},
	}}
	client, err := openaimodel.New(openaimodel.Options{Chat: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &model.Request{
		Messages:  []*model.Message{model.NewUserMessage("ping")},
		MaxTokens: 64,
		Tools: []*model.ToolDefinition{{
			Name:        "lookup",
			Description: "Search",
			InputSchema: map[string]any{"type": "object"},
		}},
		ToolChoice: &model.ToolChoice{Mode: model.ToolChoiceModeTool, Name: "lookup"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	first := resp.Results[0]
	require.Equal(t, "hi there", first.Output().Text)
	require.Equal(t, []model.ToolCall{{ID: "call_1", Name: "lookup", Payload: map[string]any{"query": "docs"}}}, first.Output().ToolCalls)
	require.Equal(t, "tool_calls", first.Metadata().(model.GenerationMetadata).FinishReason)

	second := resp.Results[1]
	require.False(t, second.HasOutput())
	md := second.Metadata().(model.GenerationMetadata)
	require.Equal(t, "content_filter", md.FinishReason)
	refusal, ok := md.Extra("refusal")
	require.True(t, ok)
	require.Equal(t, "cannot help", refusal)

	require.Equal(t, "chatcmpl-1", resp.Metadata.ID)
	require.Equal(t, openaimodel.ProviderName, resp.Metadata.Provider)
	require.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, CacheReadTokens: 4}, resp.Metadata.Usage)
	require.Equal(t, "fp_1", resp.Metadata.Extras["system_fingerprint"])
	require.Equal(t, int64(1700000000), resp.Metadata.Created.Unix())

	require.Len(t, mock.params.Messages, 1)
	require.Len(t, mock.params.Tools, 1)
	require.NotNil(t, mock.params.ToolChoice.OfChatCompletionNamedToolChoice)
	require.Equal(t, int64(64), mock.params.MaxCompletionTokens.Value)
}

func TestClientCompleteEncodesConversation(t *testing.T) {
	mock := &mockChatClient{response: &openai.ChatCompletion{}}
	client, err := openaimodel.New(openaimodel.Options{Chat: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{Messages: []*model.Message{
		model.NewSystemMessage("be terse"),
		model.NewUserMessage("look it up"),
		model.NewAssistantMessage(model.ToolUsePart{ID: "c1", Name: "lookup", Input: map[string]any{"q": "x"}}).Message(),
		{Role: model.ConversationRoleUser, Parts: []model.Part{model.ToolResultPart{ToolUseID: "c1", Content: "found"}}},
	}})
	require.NoError(t, err)
	msgs := mock.params.Messages
	require.Len(t, msgs, 4)
	require.NotNil(t, msgs[0].OfSystem)
	require.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	require.Equal(t, `{"q":"x"}`, msgs[2].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, msgs[3].OfTool)
	require.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
}

func TestClientCompleteRejectsUnknownToolChoice(t *testing.T) {
	client, err := openaimodel.New(openaimodel.Options{Chat: &mockChatClient{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{
		Messages:   []*model.Message{model.NewUserMessage("x")},
		ToolChoice: &model.ToolChoice{Mode: model.ToolChoiceModeTool, Name: "missing"},
	})
	require.ErrorContains(t, err, "does not match any tool")
}

func TestClientCompleteClassifiesAPIErrors(t *testing.T) {
	apiErr := &openai.Error{
		StatusCode: http.StatusServiceUnavailable,
		Code:       "server_error",
		Message:    "overloaded",
		Request:    httptest.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil),
		Response: &http.Response{
			StatusCode: http.StatusServiceUnavailable,
			Header:     http.Header{"X-Request-Id": []string{"req_9"}},
		},
	}
	client, err := openaimodel.New(openaimodel.Options{Chat: &mockChatClient{err: apiErr}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{Messages: []*model.Message{model.NewUserMessage("x")}})
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindUnavailable, pe.Kind())
	require.Equal(t, "server_error", pe.Code())
	require.Equal(t, "req_9", pe.RequestID())
	require.True(t, pe.Retryable())
}

func TestClientStreamUnsupported(t *testing.T) {
	client, err := openaimodel.New(openaimodel.Options{Chat: &mockChatClient{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = client.Stream(context.Background(), &model.Request{})
	require.ErrorIs(t, err, model.ErrStreamingUnsupported)
}

func TestClientEmbed(t *testing.T) {
	mock := &mockEmbeddingsClient{response: &openai.CreateEmbeddingResponse{
		Model: "text-embedding-3-small",
		Data: []openai.Embedding{
			{Index: 1, Embedding: []float64{0.5, 0.25}},
			{Index: 0, Embedding: []float64{1, 2}},
		},
		Usage: openai.CreateEmbeddingResponseUsage{PromptTokens: 6, TotalTokens: 6},
	}}
	client, err := openaimodel.New(openaimodel.Options{Chat: &mockChatClient{}, Embeddings: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := client.Embed(context.Background(), &model.EmbeddingRequest{
		Inputs:      []string{"a", "b"},
		Dimensions:  2,
		DocumentIDs: []string{"doc-a", "doc-b"},
	})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 2}, {0.5, 0.25}}, resp.Vectors())

	md := resp.Results[1].Metadata().(model.EmbeddingMetadata)
	require.Equal(t, 1, md.Index)
	require.Equal(t, "doc-b", md.DocumentID)
	require.Equal(t, model.ModalityText, md.Modality)
	require.Equal(t, 6, resp.Metadata.Usage.InputTokens)
	require.Equal(t, []string{"a", "b"}, mock.params.Input.OfArrayOfStrings)
	require.Equal(t, int64(2), mock.params.Dimensions.Value)
}

func TestClientEmbedRequiresClient(t *testing.T) {
	client, err := openaimodel.New(openaimodel.Options{Chat: &mockChatClient{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = client.Embed(context.Background(), &model.EmbeddingRequest{Inputs: []string{"a"}})
	require.Error(t, err)
}
