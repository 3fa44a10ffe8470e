package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"goa.design/modelresult/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

func newTestClient(t *testing.T, stub *stubMessagesClient) *Client {
	t.Helper()
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	require.NoError(t, err)
	return cl
}

func userRequest(text string) *model.Request {
	return &model.Request{Messages: []*model.Message{model.NewUserMessage(text)}}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = New(&stubMessagesClient{}, Options{})
	require.Error(t, err)
	_, err = NewFromAPIKey("", Options{DefaultModel: "m"})
	require.Error(t, err)
}

func TestCompleteTextResult(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		ID:           "msg_1",
		Model:        "claude-sonnet-4-5",
		Content:      []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
		StopReason:   sdk.StopReasonStopSequence,
		StopSequence: "END",
		Usage:        sdk.Usage{InputTokens: 10, OutputTokens: 5, CacheReadInputTokens: 2},
	}}
	cl := newTestClient(t, stub)

	resp, err := cl.Complete(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	res := resp.Result()
	require.Equal(t, "world", res.Output().Text)
	md, ok := res.Metadata().(model.GenerationMetadata)
	require.True(t, ok)
	require.Equal(t, string(sdk.StopReasonStopSequence), md.FinishReason)
	seq, ok := md.Extra("stop_sequence")
	require.True(t, ok)
	require.Equal(t, "END", seq)

	require.Equal(t, "msg_1", resp.Metadata.ID)
	require.Equal(t, ProviderName, resp.Metadata.Provider)
	require.Equal(t, "claude-sonnet-4-5", resp.Metadata.Model)
	require.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, CacheReadTokens: 2}, resp.Metadata.Usage)

	require.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	require.Equal(t, int64(128), stub.lastParams.MaxTokens)
}

func TestCompleteThinkingAndToolUse(t *testing.T) {
	stub := &stubMessagesClient{}
	cl := newTestClient(t, stub)
	req := userRequest("call tool")
	req.Tools = []*model.ToolDefinition{{
		Name:        "search.web",
		Description: "search the web",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}
	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "thinking", Thinking: "let me search", Signature: "sig"},
			{Type: "redacted_thinking", Data: "opaque"},
			{Type: "tool_use", ID: "tu_1", Name: "search_web", Input: json.RawMessage(`{"q":"go"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}

	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)
	out := resp.Result().Output()
	require.Equal(t, "let me search", out.Thinking)
	require.Len(t, out.Parts, 3)
	require.Equal(t, model.ThinkingPart{Redacted: []byte("opaque"), Final: true}, out.Parts[1])
	require.Equal(t, []model.ToolCall{{ID: "tu_1", Name: "search.web", Payload: map[string]any{"q": "go"}}}, out.ToolCalls)
	require.Len(t, stub.lastParams.Tools, 1)
}

func TestCompleteEmptyContentIsEmptyGeneration(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{StopReason: sdk.StopReasonMaxTokens}}
	cl := newTestClient(t, stub)

	resp, err := cl.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	_, err = model.RequireOutput[model.AssistantMessage](resp.Result())
	require.ErrorIs(t, err, model.ErrNoOutput)
	require.Equal(t, string(sdk.StopReasonMaxTokens), resp.Result().Metadata().(model.GenerationMetadata).FinishReason)
}

func TestCompleteRateLimited(t *testing.T) {
	apiErr := &sdk.Error{
		StatusCode: http.StatusTooManyRequests,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
		Response: &http.Response{
			StatusCode: http.StatusTooManyRequests,
			Header:     http.Header{"Request-Id": []string{"req_1"}},
		},
	}
	cl := newTestClient(t, &stubMessagesClient{err: apiErr})

	_, err := cl.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindRateLimited, pe.Kind())
	require.Equal(t, "req_1", pe.RequestID())
	require.True(t, pe.Retryable())
}

func TestPrepareRequestValidation(t *testing.T) {
	cl := newTestClient(t, &stubMessagesClient{})

	_, _, err := cl.prepareRequest(&model.Request{})
	require.Error(t, err)

	req := userRequest("hi")
	req.Thinking = &model.ThinkingOptions{Enable: true, BudgetTokens: 512}
	_, _, err = cl.prepareRequest(req)
	require.ErrorContains(t, err, "thinking budget")

	req = userRequest("hi")
	req.ToolChoice = &model.ToolChoice{Mode: model.ToolChoiceModeTool, Name: "missing"}
	_, _, err = cl.prepareRequest(req)
	require.ErrorContains(t, err, "does not match any tool")
}

func TestEncodeMessagesSplitsSystem(t *testing.T) {
	msgs := []*model.Message{
		model.NewSystemMessage("be brief"),
		model.NewUserMessage("hello"),
		{Role: model.ConversationRoleAssistant, Parts: []model.Part{
			model.ThinkingPart{Text: "t", Signature: "s", Final: true},
			model.ToolUsePart{ID: "tu", Name: "a.b", Input: map[string]any{}},
		}},
		{Role: model.ConversationRoleUser, Parts: []model.Part{
			model.ToolResultPart{ToolUseID: "tu", Content: map[string]any{"ok": true}},
		}},
	}
	conv, system, err := encodeMessages(msgs, map[string]string{"a.b": "a_b"})
	require.NoError(t, err)
	require.Len(t, system, 1)
	require.Equal(t, "be brief", system[0].Text)
	require.Len(t, conv, 3)
	require.Len(t, conv[1].Content, 2)
	require.Equal(t, "a_b", conv[1].Content[1].OfToolUse.Name)

	_, _, err = encodeMessages([]*model.Message{model.NewSystemMessage("only")}, nil)
	require.Error(t, err)
}

func TestSanitizeToolName(t *testing.T) {
	require.Equal(t, "toolset_tool-1", sanitizeToolName("toolset.tool-1"))
	long := sanitizeToolName(string(make([]byte, 80)))
	require.Len(t, long, 64)

	_, _, _, err := encodeTools([]*model.ToolDefinition{
		{Name: "a.b", Description: "x"},
		{Name: "a_b", Description: "y"},
	})
	require.ErrorContains(t, err, "collides")
}
