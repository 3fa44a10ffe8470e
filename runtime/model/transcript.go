package model

// TranscriptEntry represents a single ordered entry in a flattened transcript.
// Applications that persist conversations alongside their results can rebuild
// Messages by mapping each entry to a Message with the same role and parts.
//
// Typical usage:
//
//	msgs := BuildMessagesFromTranscript([]TranscriptEntry{
//	    {Role: ConversationRoleSystem, Parts: []Part{TextPart{Text: sys}}},
//	    {Role: ConversationRoleUser, Parts: []Part{TextPart{Text: user}}},
//	    {Role: ConversationRoleAssistant, Parts: res.Output().Parts},
//	})
type TranscriptEntry struct {
	Role  ConversationRole
	Parts []Part
}

// BuildMessagesFromTranscript constructs Messages from a flat transcript.
// It preserves the provided order and parts without synthesis or
// normalization. Entries without a role or without known parts are skipped.
func BuildMessagesFromTranscript(entries []TranscriptEntry) []*Message {
	if len(entries) == 0 {
		return nil
	}
	out := make([]*Message, 0, len(entries))
	for _, e := range entries {
		if e.Role == "" {
			continue
		}
		msg := &Message{
			Role:  e.Role,
			Parts: make([]Part, 0, len(e.Parts)),
		}
		for _, p := range e.Parts {
			switch v := p.(type) {
			case TextPart, ThinkingPart, ToolUsePart, ToolResultPart:
				msg.Parts = append(msg.Parts, v)
			}
		}
		if len(msg.Parts) == 0 {
			continue
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AppendResult returns msgs extended with the assistant output of res so the
// conversation can continue with a follow-up request. A nil or empty result
// leaves msgs unchanged.
func AppendResult(msgs []*Message, res Result[AssistantMessage]) []*Message {
	out, err := RequireOutput(res)
	if err != nil {
		return msgs
	}
	msg := out.Message()
	if len(msg.Parts) == 0 {
		return msgs
	}
	return append(msgs, msg)
}
