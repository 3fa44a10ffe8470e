package model

import (
	"errors"
	"io"
)

type (
	// Streamer delivers incremental model output. Successive calls to Recv
	// return Chunk values until io.EOF. Implementations must be safe to call
	// from a single goroutine and release any underlying resources when Close
	// is invoked.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider-specific metadata for the stream. Typical
		// keys include "provider", "model", "id" and "usage". Callers should
		// treat contents as optional.
		Metadata() map[string]any
	}

	// Chunk represents a streaming event emitted by the model. The Type value
	// indicates which payload fields are populated:
	//
	//   - "text":      Message holds an assistant text delta.
	//   - "thinking":  Thinking holds a reasoning delta; Message may hold the
	//                  final ThinkingPart.
	//   - "tool_call": ToolCall holds a complete tool invocation.
	//   - "usage":     UsageDelta reports token usage.
	//   - "stop":      StopReason explains the termination reason.
	Chunk struct {
		Type       string
		Message    *Message
		Thinking   string
		ToolCall   *ToolCall
		UsageDelta *TokenUsage
		StopReason string
	}
)

// Chunk type constants are the well-known streaming event kinds produced by
// model providers.
const (
	ChunkTypeText     = "text"
	ChunkTypeThinking = "thinking"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
)

// Accumulate drains st and folds its chunks into a single-generation
// ChatResponse. Text deltas are concatenated, final thinking parts and tool
// calls are kept in arrival order, the last usage chunk wins and the stop
// reason becomes the generation finish reason. Accumulate does not close st.
func Accumulate(st Streamer) (*ChatResponse, error) {
	var (
		parts []Part
		text  []byte
		usage TokenUsage
		stop  string
	)
	flushText := func() {
		if len(text) > 0 {
			parts = append(parts, TextPart{Text: string(text)})
			text = text[:0]
		}
	}
	for {
		ch, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch ch.Type {
		case ChunkTypeText:
			if ch.Message != nil {
				text = append(text, ch.Message.Text()...)
			}
		case ChunkTypeThinking:
			if ch.Message == nil {
				continue
			}
			for _, p := range ch.Message.Parts {
				if tp, ok := p.(ThinkingPart); ok && tp.Final {
					flushText()
					parts = append(parts, tp)
				}
			}
		case ChunkTypeToolCall:
			if ch.ToolCall != nil {
				flushText()
				parts = append(parts, ToolUsePart{ID: ch.ToolCall.ID, Name: ch.ToolCall.Name, Input: ch.ToolCall.Payload})
			}
		case ChunkTypeUsage:
			if ch.UsageDelta != nil {
				usage = *ch.UsageDelta
			}
		case ChunkTypeStop:
			stop = ch.StopReason
		}
	}
	flushText()

	md := responseMetadataFromStream(st.Metadata())
	md.Usage = usage
	gmd := GenerationMetadata{FinishReason: stop}
	var gen *Generation[AssistantMessage]
	if len(parts) == 0 {
		gen = EmptyGeneration[AssistantMessage](gmd)
	} else {
		gen = NewGeneration(NewAssistantMessage(parts...), gmd)
	}
	return &ChatResponse{Results: []*Generation[AssistantMessage]{gen}, Metadata: md}, nil
}

func responseMetadataFromStream(meta map[string]any) ResponseMetadata {
	var md ResponseMetadata
	if len(meta) == 0 {
		return md
	}
	extras := make(map[string]any, len(meta))
	for k, v := range meta {
		s, isString := v.(string)
		switch {
		case k == "provider" && isString:
			md.Provider = s
		case k == "model" && isString:
			md.Model = s
		case k == "id" && isString:
			md.ID = s
		case k == "usage":
			// Reported through usage chunks.
		default:
			extras[k] = v
		}
	}
	if len(extras) > 0 {
		md.Extras = extras
	}
	return md
}
