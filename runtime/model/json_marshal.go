package model

import "encoding/json"

// Part kinds written in the Kind discriminator of encoded parts.
const (
	partKindText       = "text"
	partKindThinking   = "thinking"
	partKindToolUse    = "tool_use"
	partKindToolResult = "tool_result"
)

// kinded prefixes the JSON object encoding of v with a Kind discriminator.
// v must be a method-free alias of the part type so marshaling does not
// recurse.
func kinded(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	k, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(k)+9)
	out = append(out, `{"Kind":`...)
	out = append(out, k...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// MarshalJSON encodes ThinkingPart with a Kind discriminator so stored
// results decode back into concrete parts.
func (p ThinkingPart) MarshalJSON() ([]byte, error) {
	type thinking ThinkingPart
	return kinded(partKindThinking, thinking(p))
}

func (p TextPart) MarshalJSON() ([]byte, error) {
	type text TextPart
	return kinded(partKindText, text(p))
}

func (p ToolUsePart) MarshalJSON() ([]byte, error) {
	type toolUse ToolUsePart
	return kinded(partKindToolUse, toolUse(p))
}

func (p ToolResultPart) MarshalJSON() ([]byte, error) {
	type toolResult ToolResultPart
	return kinded(partKindToolResult, toolResult(p))
}
