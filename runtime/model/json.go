package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// UnmarshalJSON decodes a Message while materializing concrete Part
// implementations stored in the Parts slice.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role  ConversationRole `json:"Role"` //nolint:tagliatelle
		Parts []json.RawMessage
		Meta  map[string]any `json:"Meta"` //nolint:tagliatelle
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	parts, err := decodeParts(tmp.Parts)
	if err != nil {
		return err
	}
	m.Role = tmp.Role
	m.Meta = tmp.Meta
	m.Parts = parts
	return nil
}

// UnmarshalJSON decodes an AssistantMessage while materializing concrete Part
// implementations stored in the Parts slice.
func (a *AssistantMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Text      string
		Thinking  string
		ToolCalls []ToolCall
		Parts     []json.RawMessage
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	parts, err := decodeParts(tmp.Parts)
	if err != nil {
		return err
	}
	a.Text = tmp.Text
	a.Thinking = tmp.Thinking
	a.ToolCalls = tmp.ToolCalls
	a.Parts = parts
	return nil
}

func decodeParts(raws []json.RawMessage) ([]Part, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	parts := make([]Part, 0, len(raws))
	for i, raw := range raws {
		part, err := decodeMessagePart(raw)
		if err != nil {
			return nil, fmt.Errorf("decode parts[%d]: %w", i, err)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

func decodeMessagePart(raw json.RawMessage) (Part, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		var text string
		if errText := json.Unmarshal(raw, &text); errText == nil {
			return TextPart{Text: text}, nil
		}
		return nil, fmt.Errorf("decode part object: %w", err)
	}
	if len(obj) == 0 {
		return nil, errors.New("empty part payload")
	}

	kindRaw, ok := obj["Kind"]
	if !ok {
		return decodeUntypedPart(raw, obj)
	}
	var kind string
	if err := json.Unmarshal(kindRaw, &kind); err != nil {
		return nil, fmt.Errorf("decode Kind: %w", err)
	}
	switch kind {
	case partKindThinking:
		var thinking ThinkingPart
		if err := json.Unmarshal(raw, &thinking); err != nil {
			return nil, fmt.Errorf("decode ThinkingPart: %w", err)
		}
		return thinking, nil
	case partKindToolResult:
		var result ToolResultPart
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode ToolResultPart: %w", err)
		}
		if result.ToolUseID == "" {
			return nil, errors.New("ToolResultPart requires ToolUseID")
		}
		return result, nil
	case partKindToolUse:
		var use ToolUsePart
		if err := json.Unmarshal(raw, &use); err != nil {
			return nil, fmt.Errorf("decode ToolUsePart: %w", err)
		}
		if use.Name == "" {
			return nil, errors.New("ToolUsePart requires Name")
		}
		return use, nil
	case partKindText:
		var text TextPart
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode TextPart: %w", err)
		}
		return text, nil
	default:
		return nil, fmt.Errorf("unknown part kind %q", kind)
	}
}

// decodeUntypedPart infers the part type from its fields for payloads written
// without a Kind discriminator.
func decodeUntypedPart(raw json.RawMessage, obj map[string]json.RawMessage) (Part, error) {
	switch {
	case hasAnyKey(obj, "Signature", "Redacted", "Index", "Final"):
		var thinking ThinkingPart
		if err := json.Unmarshal(raw, &thinking); err != nil {
			return nil, fmt.Errorf("decode ThinkingPart: %w", err)
		}
		return thinking, nil
	case hasAnyKey(obj, "ToolUseID"):
		var result ToolResultPart
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode ToolResultPart: %w", err)
		}
		if result.ToolUseID == "" {
			return nil, errors.New("ToolResultPart requires ToolUseID")
		}
		return result, nil
	case hasAnyKey(obj, "Name"):
		var use ToolUsePart
		if err := json.Unmarshal(raw, &use); err != nil {
			return nil, fmt.Errorf("decode ToolUsePart: %w", err)
		}
		if use.Name == "" {
			return nil, errors.New("ToolUsePart requires Name")
		}
		return use, nil
	case hasAnyKey(obj, "Text"):
		var text TextPart
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode TextPart: %w", err)
		}
		return text, nil
	}
	return nil, errors.New("unknown part shape")
}

func hasAnyKey(obj map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}
