// Package bedrock provides model.ChatClient and model.EmbeddingClient
// implementations backed by AWS Bedrock. Chat requests go through the Converse
// and ConverseStream APIs: system messages are split from the conversation,
// tool schemas are encoded into a ToolConfiguration and responses (text,
// reasoning and tool_use blocks) are translated into model results. Embeddings
// use InvokeModel with the Amazon Titan text embedding request format.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/modelresult/runtime/model"
	"goa.design/modelresult/runtime/telemetry"
)

const (
	// ProviderName identifies results produced by this adapter.
	ProviderName = "bedrock"

	// DefaultEmbeddingModel is the Titan model used when neither the request
	// nor Options name an embedding model.
	DefaultEmbeddingModel = "amazon.titan-embed-text-v2:0"

	defaultThinkingBudget = 16384
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient

	// DefaultModel is the chat model identifier used when a request does not
	// name one (e.g. "anthropic.claude-sonnet-4-5-20250929-v1:0").
	DefaultModel string

	// EmbeddingModel is the Titan embedding model identifier. Defaults to
	// DefaultEmbeddingModel.
	EmbeddingModel string

	// MaxTokens sets the default completion cap when a request does not specify
	// MaxTokens. When zero or negative, Bedrock uses its own default.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float32

	// ThinkingBudget defines the thinking token budget when thinking is enabled
	// and the request does not set one.
	ThinkingBudget int

	// Logger is used for non-fatal diagnostics. Defaults to a no-op logger.
	Logger telemetry.Logger
}

// Client implements model.ChatClient and model.EmbeddingClient on top of AWS
// Bedrock.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	embedModel   string
	maxTok       int
	temp         float32
	think        int
	logger       telemetry.Logger
	now          func() time.Time
}

type requestParts struct {
	modelID     string
	messages    []brtypes.Message
	system      []brtypes.SystemContentBlock
	toolConfig  *brtypes.ToolConfiguration
	provToCanon map[string]string
	thinking    document.Interface
}

// New initializes a Bedrock-powered model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	embedModel := opts.EmbeddingModel
	if embedModel == "" {
		embedModel = DefaultEmbeddingModel
	}
	think := opts.ThinkingBudget
	if think <= 0 {
		think = defaultThinkingBudget
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		embedModel:   embedModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        think,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// NewFromConfig builds a client from an AWS configuration, typically loaded
// with config.LoadDefaultConfig.
func NewFromConfig(cfg aws.Config, opts Options) (*Client, error) {
	opts.Runtime = bedrockruntime.NewFromConfig(cfg)
	return New(opts)
}

// Complete issues a Converse request and translates the output into a
// single-generation ChatResponse.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.ChatResponse, error) {
	parts, err := c.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:                      aws.String(parts.modelID),
		Messages:                     parts.messages,
		System:                       parts.system,
		ToolConfig:                   parts.toolConfig,
		InferenceConfig:              c.inferenceConfig(req.MaxTokens, req.Temperature),
		AdditionalModelRequestFields: parts.thinking,
	}
	start := c.now()
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapError("converse", err)
	}
	resp, err := translateResponse(output, parts.provToCanon, parts.modelID)
	if err != nil {
		return nil, err
	}
	if resp.Metadata.Latency == 0 {
		resp.Metadata.Latency = c.now().Sub(start)
	}
	return resp, nil
}

// Stream invokes the ConverseStream API and adapts incremental events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	parts, err := c.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:                      aws.String(parts.modelID),
		Messages:                     parts.messages,
		System:                       parts.system,
		ToolConfig:                   parts.toolConfig,
		InferenceConfig:              c.inferenceConfig(req.MaxTokens, req.Temperature),
		AdditionalModelRequestFields: parts.thinking,
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapError("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	meta := map[string]any{"provider": ProviderName, "model": parts.modelID}
	if id, ok := awsmiddleware.GetRequestIDMetadata(out.ResultMetadata); ok {
		meta["id"] = id
	}
	return newStreamer(ctx, stream, parts.provToCanon, meta), nil
}

func (c *Client) prepareRequest(ctx context.Context, req *model.Request) (*requestParts, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, canonToProv, provToCanon, err := encodeTools(ctx, req.Tools, req.ToolChoice, c.logger)
	if err != nil {
		return nil, err
	}
	if toolConfig == nil && messagesHaveToolBlocks(req.Messages) {
		return nil, errors.New("bedrock: messages contain tool_use/tool_result but no tools provided in request")
	}
	messages, system, err := encodeMessages(ctx, req.Messages, canonToProv, c.logger)
	if err != nil {
		return nil, err
	}
	parts := &requestParts{
		modelID:     modelID,
		messages:    messages,
		system:      system,
		toolConfig:  toolConfig,
		provToCanon: provToCanon,
	}
	if req.Thinking != nil && req.Thinking.Enable {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = c.think
		}
		fields := map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": budget},
		}
		parts.thinking = document.NewLazyDocument(&fields)
	}
	return parts, nil
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens)) //nolint:gosec // AWS SDK requires int32
	}
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(ctx context.Context, msgs []*model.Message, nameMap map[string]string, logger telemetry.Logger) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	// Bedrock restricts toolUseId to [a-zA-Z0-9_-]{1,64}; unsafe IDs are
	// remapped consistently within a single request.
	toolUseIDs := make(map[string]string)
	nextToolUseID := 0

	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.ConversationRoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
			}
			continue
		}
		blocks := make([]brtypes.ContentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.ThinkingPart:
				switch {
				case v.Signature != "" && v.Text != "":
					blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
						Value: &brtypes.ReasoningContentBlockMemberReasoningText{
							Value: brtypes.ReasoningTextBlock{Text: aws.String(v.Text), Signature: aws.String(v.Signature)},
						},
					})
				case len(v.Redacted) > 0:
					blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
						Value: &brtypes.ReasoningContentBlockMemberRedactedContent{Value: v.Redacted},
					})
				}
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case model.ToolUsePart:
				sanitized, ok := nameMap[v.Name]
				if !ok {
					return nil, nil, fmt.Errorf("bedrock: tool_use in messages references %q which is not in the current tool configuration", v.Name)
				}
				tb := brtypes.ToolUseBlock{
					Name:  aws.String(sanitized),
					Input: toDocument(ctx, v.Input, logger),
				}
				if id := toolUseIDFor(v.ID, toolUseIDs, &nextToolUseID); id != "" {
					tb.ToolUseId = aws.String(id)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			case model.ToolResultPart:
				tr := brtypes.ToolResultBlock{}
				if id := toolUseIDFor(v.ToolUseID, toolUseIDs, &nextToolUseID); id != "" {
					tr.ToolUseId = aws.String(id)
				}
				if s, ok := v.Content.(string); ok {
					tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: s}}
				} else {
					tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberJson{Value: toDocument(ctx, v.Content, logger)}}
				}
				if v.IsError {
					tr.Status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleAssistant
		if m.Role == model.ConversationRoleUser {
			role = brtypes.ConversationRoleUser
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(ctx context.Context, defs []*model.ToolDefinition, choice *model.ToolChoice, logger telemetry.Logger) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		if choice == nil || choice.Mode == model.ToolChoiceModeNone {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, errors.New("bedrock: tool choice is set but no tools are defined")
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToProv := make(map[string]string, len(defs))
	provToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		sanitized := SanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		provToCanon[sanitized] = def.Name
		canonToProv[def.Name] = sanitized
		if def.Description == "" {
			return nil, nil, nil, fmt.Errorf("bedrock: tool %q is missing description", def.Name)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(ctx, def.InputSchema, logger)},
		}})
	}
	cfg := &brtypes.ToolConfiguration{Tools: toolList}
	if choice == nil {
		return cfg, canonToProv, provToCanon, nil
	}
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto, model.ToolChoiceModeNone:
		// Bedrock has no "none" choice; the configuration is kept so prior
		// tool blocks in the transcript remain valid.
	case model.ToolChoiceModeAny:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	case model.ToolChoiceModeTool:
		sanitized, ok := canonToProv[choice.Name]
		if choice.Name == "" || !ok {
			return nil, nil, nil, fmt.Errorf("bedrock: tool choice name %q does not match any tool", choice.Name)
		}
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(sanitized)}}
	default:
		return nil, nil, nil, fmt.Errorf("bedrock: unsupported tool choice mode %q", choice.Mode)
	}
	return cfg, canonToProv, provToCanon, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput, nameMap map[string]string, modelID string) (*model.ChatResponse, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	var parts []model.Part
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value != "" {
					parts = append(parts, model.TextPart{Text: v.Value})
				}
			case *brtypes.ContentBlockMemberReasoningContent:
				switch r := v.Value.(type) {
				case *brtypes.ReasoningContentBlockMemberReasoningText:
					parts = append(parts, model.ThinkingPart{
						Text:      aws.ToString(r.Value.Text),
						Signature: aws.ToString(r.Value.Signature),
						Final:     true,
					})
				case *brtypes.ReasoningContentBlockMemberRedactedContent:
					parts = append(parts, model.ThinkingPart{Redacted: r.Value, Final: true})
				}
			case *brtypes.ContentBlockMemberToolUse:
				raw := normalizeToolName(aws.ToString(v.Value.Name))
				name, ok := nameMap[raw]
				if !ok {
					return nil, fmt.Errorf("bedrock: tool name %q not in reverse map", raw)
				}
				parts = append(parts, model.ToolUsePart{
					ID:    aws.ToString(v.Value.ToolUseId),
					Name:  name,
					Input: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	gmd := model.GenerationMetadata{FinishReason: string(output.StopReason)}
	var gen *model.Generation[model.AssistantMessage]
	if len(parts) == 0 {
		gen = model.EmptyGeneration[model.AssistantMessage](gmd)
	} else {
		gen = model.NewGeneration(model.NewAssistantMessage(parts...), gmd)
	}
	md := model.ResponseMetadata{Provider: ProviderName, Model: modelID}
	if id, ok := awsmiddleware.GetRequestIDMetadata(output.ResultMetadata); ok {
		md.ID = id
	}
	if u := output.Usage; u != nil {
		md.Usage = usageFrom(u)
	}
	if m := output.Metrics; m != nil && m.LatencyMs != nil {
		md.Latency = time.Duration(*m.LatencyMs) * time.Millisecond
	}
	return &model.ChatResponse{Results: []*model.Generation[model.AssistantMessage]{gen}, Metadata: md}, nil
}

func usageFrom(u *brtypes.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:      int(aws.ToInt32(u.InputTokens)),
		OutputTokens:     int(aws.ToInt32(u.OutputTokens)),
		TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		CacheReadTokens:  int(aws.ToInt32(u.CacheReadInputTokens)),
		CacheWriteTokens: int(aws.ToInt32(u.CacheWriteInputTokens)),
	}
}

func toolUseIDFor(canonical string, ids map[string]string, next *int) string {
	if canonical == "" {
		return ""
	}
	if isProviderSafeName(canonical) {
		return canonical
	}
	if id, ok := ids[canonical]; ok {
		return id
	}
	*next++
	id := fmt.Sprintf("t%d", *next)
	ids[canonical] = id
	return id
}

func toDocument(ctx context.Context, v any, logger telemetry.Logger) document.Interface {
	switch v := v.(type) {
	case nil:
		return lazyDocument(map[string]any{"type": "object"})
	case document.Interface:
		return v
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			logger.Error(ctx, "failed to unmarshal tool document", "provider", ProviderName, "err", err)
			return lazyDocument(map[string]any{"type": "object"})
		}
		return lazyDocument(decoded)
	default:
		return lazyDocument(v)
	}
}

func decodeDocument(doc document.Interface) any {
	if doc == nil {
		return map[string]any{}
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return map[string]any{}
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"raw": string(data)}
	}
	return out
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func messagesHaveToolBlocks(msgs []*model.Message) bool {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		for _, p := range m.Parts {
			switch p.(type) {
			case model.ToolUsePart, model.ToolResultPart:
				return true
			}
		}
	}
	return false
}

// normalizeToolName strips the "$FUNCTIONS." prefix some Bedrock models add
// to tool names.
func normalizeToolName(name string) string {
	return strings.TrimPrefix(name, "$FUNCTIONS.")
}
