package model

import (
	"context"
	"strings"
)

type (
	// ChatClient is implemented by provider adapters that generate chat
	// completions. Clients should be safe for concurrent use.
	ChatClient interface {
		// Complete sends a chat completion request and returns the generated
		// results. Returns an error if the model is unavailable, quota is
		// exceeded, or the request is malformed.
		Complete(ctx context.Context, req *Request) (*ChatResponse, error)

		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental chunks. The returned Streamer must be closed by
		// callers. Providers that do not support streaming return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Request captures the normalized parameters for a chat invocation. Fields
	// map to common provider parameters but may not be supported by all
	// backends.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier. Empty selects the client default.
		Model string
		// Messages is the ordered chat history provided to the model.
		Messages []*Message
		// Temperature controls sampling temperature. Zero selects the client
		// default.
		Temperature float32
		// MaxTokens caps the number of completion tokens. Zero selects the client
		// default.
		MaxTokens int
		// Tools describes the tool schemas exposed to the model.
		Tools []*ToolDefinition
		// ToolChoice constrains how the model uses Tools. Nil means auto.
		ToolChoice *ToolChoice
		// Thinking configures provider-specific reasoning modes. Nil disables
		// thinking.
		Thinking *ThinkingOptions
		// Stream indicates whether the caller prefers streaming output.
		Stream bool
	}

	// ConversationRole is the role of a message author.
	ConversationRole string

	// Message is a chat message made of ordered parts.
	Message struct {
		// Role indicates the message author.
		Role ConversationRole
		// Parts holds the message content in order.
		Parts []Part
		// Meta carries provider-specific metadata. Typically ignored.
		Meta map[string]any
	}

	// Part is a marker interface implemented by message content blocks.
	Part interface {
		isPart()
	}

	// TextPart is plain text content.
	TextPart struct {
		Text string
	}

	// ThinkingPart carries provider reasoning content. Signature or Redacted
	// must be preserved verbatim when replaying the part to the provider.
	ThinkingPart struct {
		Text      string
		Signature string
		Redacted  []byte
		Index     int
		Final     bool
	}

	// ToolUsePart records a tool invocation requested by the model.
	ToolUsePart struct {
		ID    string
		Name  string
		Input any
	}

	// ToolResultPart returns the result of a tool invocation to the model.
	ToolResultPart struct {
		ToolUseID string
		Content   any
		IsError   bool
	}

	// ToolDefinition describes a tool schema passed to model providers.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool input.
		InputSchema any
	}

	// ToolCall captures a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider tool use identifier.
		ID string
		// Name identifies which tool should be invoked.
		Name string
		// Payload carries the JSON arguments requested by the model.
		Payload any
	}

	// ToolChoiceMode selects how the model may use tools.
	ToolChoiceMode string

	// ToolChoice constrains tool usage for a request.
	ToolChoice struct {
		Mode ToolChoiceMode
		// Name is the tool to call when Mode is ToolChoiceModeTool.
		Name string
	}

	// ThinkingOptions toggles provider-specific thinking modes.
	ThinkingOptions struct {
		Enable       bool
		BudgetTokens int
	}

	// AssistantMessage is the output of a chat generation.
	AssistantMessage struct {
		// Text is the concatenation of all text parts.
		Text string
		// Thinking is the concatenation of all reasoning text.
		Thinking string
		// ToolCalls lists tool invocations requested by the model.
		ToolCalls []ToolCall
		// Parts holds the generated content in provider order.
		Parts []Part
	}

	// ChatResponse is the response of a chat completion. Each entry of Results
	// is one generation (choice) returned by the provider.
	ChatResponse struct {
		Results  []*Generation[AssistantMessage]
		Metadata ResponseMetadata
	}
)

// Conversation roles.
const (
	ConversationRoleSystem    ConversationRole = "system"
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
)

// Tool choice modes.
const (
	ToolChoiceModeAuto ToolChoiceMode = "auto"
	ToolChoiceModeNone ToolChoiceMode = "none"
	ToolChoiceModeAny  ToolChoiceMode = "any"
	ToolChoiceModeTool ToolChoiceMode = "tool"
)

func (TextPart) isPart()       {}
func (ThinkingPart) isPart()   {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// NewUserMessage returns a user message with a single text part.
func NewUserMessage(text string) *Message {
	return &Message{Role: ConversationRoleUser, Parts: []Part{TextPart{Text: text}}}
}

// NewSystemMessage returns a system message with a single text part.
func NewSystemMessage(text string) *Message {
	return &Message{Role: ConversationRoleSystem, Parts: []Part{TextPart{Text: text}}}
}

// Text returns the concatenation of the message text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// NewAssistantMessage builds an AssistantMessage from parts, deriving Text,
// Thinking and ToolCalls.
func NewAssistantMessage(parts ...Part) AssistantMessage {
	var (
		text  strings.Builder
		think strings.Builder
		msg   AssistantMessage
	)
	for _, p := range parts {
		switch v := p.(type) {
		case TextPart:
			text.WriteString(v.Text)
		case ThinkingPart:
			think.WriteString(v.Text)
		case ToolUsePart:
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: v.ID, Name: v.Name, Payload: v.Input})
		}
	}
	msg.Text = text.String()
	msg.Thinking = think.String()
	if len(parts) > 0 {
		msg.Parts = append([]Part(nil), parts...)
	}
	return msg
}

// Message converts the assistant output into a transcript message so it can
// be sent back to the model in a follow-up request.
func (a AssistantMessage) Message() *Message {
	parts := a.Parts
	if len(parts) == 0 && a.Text != "" {
		parts = []Part{TextPart{Text: a.Text}}
	}
	return &Message{Role: ConversationRoleAssistant, Parts: append([]Part(nil), parts...)}
}

// Result returns the first generation of the response or nil when the
// response carries none.
func (r *ChatResponse) Result() *Generation[AssistantMessage] {
	if r == nil || len(r.Results) == 0 {
		return nil
	}
	return r.Results[0]
}

// Text returns the text of the first generation.
func (r *ChatResponse) Text() string {
	return r.Result().Output().Text
}
