// Package openai provides model.ChatClient and model.EmbeddingClient
// implementations backed by the OpenAI Chat Completions and Embeddings APIs.
// It translates normalized requests using github.com/openai/openai-go and maps
// each returned choice or embedding to a model result with its own metadata.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/modelresult/runtime/model"
)

// ProviderName identifies results produced by this adapter.
const ProviderName = "openai"

type (
	// ChatCompletionsClient captures the subset of the openai-go client used for
	// chat. It is satisfied by *openai.ChatCompletionService.
	ChatCompletionsClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// EmbeddingsClient captures the subset of the openai-go client used for
	// embeddings. It is satisfied by *openai.EmbeddingService.
	EmbeddingsClient interface {
		New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		Chat       ChatCompletionsClient
		Embeddings EmbeddingsClient
		// DefaultModel is used when model.Request.Model is empty.
		DefaultModel string
		// EmbeddingModel is used when model.EmbeddingRequest.Model is empty.
		EmbeddingModel string
	}

	// Client implements model.ChatClient and model.EmbeddingClient via OpenAI.
	Client struct {
		chat       ChatCompletionsClient
		embed      EmbeddingsClient
		model      string
		embedModel string
		now        func() time.Time
	}
)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	embedModel := opts.EmbeddingModel
	if embedModel == "" {
		embedModel = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &Client{
		chat:       opts.Chat,
		embed:      opts.Embeddings,
		model:      opts.DefaultModel,
		embedModel: embedModel,
		now:        time.Now,
	}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Chat: &oc.Chat.Completions, Embeddings: &oc.Embeddings, DefaultModel: defaultModel})
}

// Complete renders a chat completion. Each returned choice becomes one result
// in ChatResponse.Results, in choice index order.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.ChatResponse, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	start := c.now()
	completion, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, wrapError("chat.completions", err)
	}
	resp := translateResponse(completion)
	resp.Metadata.Latency = c.now().Sub(start)
	return resp, nil
}

// Stream reports that OpenAI Chat Completions streaming is not supported by
// this adapter. Callers should fall back to Complete.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

// Embed computes one embedding per input. Result i carries EmbeddingMetadata
// with Index i and the document ID supplied for that input, if any.
func (c *Client) Embed(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, error) {
	if c.embed == nil {
		return nil, errors.New("openai: embeddings client is not configured")
	}
	if req == nil || len(req.Inputs) == 0 {
		return nil, errors.New("openai: embedding inputs are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.embedModel
	}
	params := openai.EmbeddingNewParams{
		Model:          openai.EmbeddingModel(modelID),
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Inputs},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if req.Dimensions > 0 {
		params.Dimensions = openai.Int(int64(req.Dimensions))
	}
	start := c.now()
	out, err := c.embed.New(ctx, params)
	if err != nil {
		return nil, wrapError("embeddings", err)
	}
	results := make([]*model.Generation[[]float32], len(req.Inputs))
	for _, e := range out.Data {
		idx := int(e.Index)
		if idx < 0 || idx >= len(results) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", idx)
		}
		vec := make([]float32, len(e.Embedding))
		for i, f := range e.Embedding {
			vec[i] = float32(f)
		}
		results[idx] = model.NewGeneration(vec, model.EmbeddingMetadata{
			Index:      idx,
			Modality:   model.ModalityText,
			DocumentID: req.DocumentID(idx),
		})
	}
	for i, r := range results {
		if r == nil {
			results[i] = model.EmptyGeneration[[]float32](model.EmbeddingMetadata{
				Index:      i,
				Modality:   model.ModalityText,
				DocumentID: req.DocumentID(i),
			})
		}
	}
	return &model.EmbeddingResponse{
		Results: results,
		Metadata: model.ResponseMetadata{
			Provider: ProviderName,
			Model:    out.Model,
			Usage: model.TokenUsage{
				InputTokens: int(out.Usage.PromptTokens),
				TotalTokens: int(out.Usage.TotalTokens),
			},
			Latency: c.now().Sub(start),
		},
	}, nil
}

func (c *Client) prepareRequest(req *model.Request) (openai.ChatCompletionNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: messages,
		Tools:    tools,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, req.Tools)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		params.ToolChoice = tc
	}
	return params, nil
}

func encodeMessages(msgs []*model.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.ConversationRoleSystem:
			out = append(out, openai.SystemMessage(m.Text()))
		case model.ConversationRoleUser:
			// Tool results are sent as tool messages, remaining text as a user message.
			for _, p := range m.Parts {
				if tr, ok := p.(model.ToolResultPart); ok {
					out = append(out, openai.ToolMessage(toolResultContent(tr.Content), tr.ToolUseID))
				}
			}
			if text := m.Text(); text != "" {
				out = append(out, openai.UserMessage(text))
			}
		case model.ConversationRoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if text := m.Text(); text != "" {
				asst.Content.OfString = openai.String(text)
			}
			for _, p := range m.Parts {
				tu, ok := p.(model.ToolUsePart)
				if !ok {
					continue
				}
				args, err := json.Marshal(tu.Input)
				if err != nil {
					return nil, fmt.Errorf("openai: encode tool %s arguments: %w", tu.Name, err)
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tu.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tu.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func toolResultContent(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprint(c)
		}
		return string(data)
	}
}

func encodeTools(defs []*model.ToolDefinition) ([]openai.ChatCompletionToolParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		params, err := schemaParameters(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		fn := openai.FunctionDefinitionParam{Name: def.Name, Parameters: params}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools, nil
}

func schemaParameters(schema any) (openai.FunctionParameters, error) {
	if schema == nil {
		return nil, nil
	}
	raw, ok := schema.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(schema)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	var params openai.FunctionParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func encodeToolChoice(tc *model.ToolChoice, defs []*model.ToolDefinition) (openai.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch tc.Mode {
	case "", model.ToolChoiceModeAuto:
		return openai.ChatCompletionToolChoiceOptionUnionParam{}, nil
	case model.ToolChoiceModeNone:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}, nil
	case model.ToolChoiceModeAny:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}, nil
	case model.ToolChoiceModeTool:
		if tc.Name == "" {
			return openai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: tool choice mode %q requires a tool name", tc.Mode)
		}
		if !hasToolDefinition(defs, tc.Name) {
			return openai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: tool choice name %q does not match any tool", tc.Name)
		}
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: tc.Name},
			},
		}, nil
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: unsupported tool choice mode %q", tc.Mode)
	}
}

func hasToolDefinition(defs []*model.ToolDefinition, name string) bool {
	for _, def := range defs {
		if def != nil && def.Name == name {
			return true
		}
	}
	return false
}

func translateResponse(resp *openai.ChatCompletion) *model.ChatResponse {
	results := make([]*model.Generation[model.AssistantMessage], 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		msg := choice.Message
		parts := make([]model.Part, 0, 1+len(msg.ToolCalls))
		if msg.Content != "" {
			parts = append(parts, model.TextPart{Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			parts = append(parts, model.ToolUsePart{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: parseToolArguments(call.Function.Arguments),
			})
		}
		gmd := model.GenerationMetadata{FinishReason: string(choice.FinishReason)}
		if msg.Refusal != "" {
			gmd.Extras = map[string]any{"refusal": msg.Refusal}
		}
		if len(parts) == 0 {
			results = append(results, model.EmptyGeneration[model.AssistantMessage](gmd))
			continue
		}
		results = append(results, model.NewGeneration(model.NewAssistantMessage(parts...), gmd))
	}
	md := model.ResponseMetadata{
		ID:       resp.ID,
		Provider: ProviderName,
		Model:    resp.Model,
		Usage: model.TokenUsage{
			InputTokens:     int(resp.Usage.PromptTokens),
			OutputTokens:    int(resp.Usage.CompletionTokens),
			TotalTokens:     int(resp.Usage.TotalTokens),
			CacheReadTokens: int(resp.Usage.PromptTokensDetails.CachedTokens),
		},
	}
	if resp.Created > 0 {
		md.Created = time.Unix(resp.Created, 0).UTC()
	}
	if resp.SystemFingerprint != "" {
		md.Extras = map[string]any{"system_fingerprint": resp.SystemFingerprint}
	}
	return &model.ChatResponse{Results: results, Metadata: md}
}

func parseToolArguments(raw string) any {
	if raw == "" {
		return nil
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{"raw": raw}
	}
	return payload
}

// wrapError converts SDK failures into model.ProviderError values.
func wrapError(operation string, err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("openai %s: %w", operation, err)
	}
	requestID := ""
	if apiErr.Response != nil {
		requestID = apiErr.Response.Header.Get("x-request-id")
	}
	return model.NewProviderErrorFromStatus(model.ProviderFailure{
		Provider:  ProviderName,
		Operation: operation,
		Status:    apiErr.StatusCode,
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		RequestID: requestID,
		Cause:     err,
	})
}
