package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/modelresult/runtime/model"
)

// streamer adapts an Anthropic Messages event stream to model.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any

	toolNameMap map[string]string
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		chunks:      make(chan model.Chunk, 32),
		metadata:    map[string]any{"provider": ProviderName},
		toolNameMap: nameMap,
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return maps.Clone(s.metadata)
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	processor := newChunkProcessor(s.emitChunk, s.recordMeta, s.toolNameMap)
	for {
		if err := s.ctx.Err(); err != nil {
			s.setErr(err)
			return
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(wrapError("messages.stream", err))
			} else {
				s.setErr(s.ctx.Err())
			}
			return
		}
		if err := processor.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emitChunk(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) recordMeta(key string, value any) {
	s.metaMu.Lock()
	s.metadata[key] = value
	s.metaMu.Unlock()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// chunkProcessor converts Anthropic streaming events into model.Chunks.
type chunkProcessor struct {
	emit   func(model.Chunk) error
	record func(string, any)

	toolBlocks     map[int]*toolBuffer
	thinkingBlocks map[int]*thinkingBuffer
	toolNameMap    map[string]string

	start      sdk.Usage
	stopReason string
}

func newChunkProcessor(emit func(model.Chunk) error, record func(string, any), nameMap map[string]string) *chunkProcessor {
	return &chunkProcessor{
		emit:           emit,
		record:         record,
		toolBlocks:     make(map[int]*toolBuffer),
		thinkingBlocks: make(map[int]*thinkingBuffer),
		toolNameMap:    nameMap,
	}
}

func (p *chunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.thinkingBlocks = make(map[int]*thinkingBuffer)
		p.stopReason = ""
		p.start = ev.Message.Usage
		if ev.Message.ID != "" {
			p.record("id", ev.Message.ID)
		}
		if ev.Message.Model != "" {
			p.record("model", string(ev.Message.Model))
		}
		return nil
	case sdk.ContentBlockStartEvent:
		return p.handleBlockStart(int(ev.Index), ev.ContentBlock.AsAny())
	case sdk.ContentBlockDeltaEvent:
		return p.handleDelta(int(ev.Index), ev.Delta.AsAny())
	case sdk.ContentBlockStopEvent:
		return p.handleBlockStop(int(ev.Index))
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		in := ev.Usage.InputTokens
		if in == 0 {
			in = p.start.InputTokens
		}
		cacheRead := ev.Usage.CacheReadInputTokens
		if cacheRead == 0 {
			cacheRead = p.start.CacheReadInputTokens
		}
		cacheWrite := ev.Usage.CacheCreationInputTokens
		if cacheWrite == 0 {
			cacheWrite = p.start.CacheCreationInputTokens
		}
		usage := usageFrom(in, ev.Usage.OutputTokens, cacheRead, cacheWrite)
		p.record("usage", usage)
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
	case sdk.MessageStopEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.thinkingBlocks = make(map[int]*thinkingBuffer)
		return p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: p.stopReason})
	}
	return nil
}

func (p *chunkProcessor) handleBlockStart(idx int, block any) error {
	switch start := block.(type) {
	case sdk.ToolUseBlock:
		if start.ID == "" {
			return errors.New("anthropic stream: tool use block missing id")
		}
		if start.Name == "" {
			return fmt.Errorf("anthropic stream: tool use block %q missing name", start.ID)
		}
		p.toolBlocks[idx] = &toolBuffer{id: start.ID, name: canonicalToolName(start.Name, p.toolNameMap)}
	case sdk.RedactedThinkingBlock:
		p.thinkingBlocks[idx] = &thinkingBuffer{redacted: []byte(start.Data)}
	}
	return nil
}

func (p *chunkProcessor) handleDelta(idx int, delta any) error {
	switch d := delta.(type) {
	case sdk.TextDelta:
		if d.Text == "" {
			return nil
		}
		return p.emit(model.Chunk{
			Type: model.ChunkTypeText,
			Message: &model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: d.Text}},
				Meta:  map[string]any{"content_index": idx},
			},
		})
	case sdk.InputJSONDelta:
		if tb := p.toolBlocks[idx]; tb != nil && d.PartialJSON != "" {
			tb.fragments = append(tb.fragments, d.PartialJSON)
		}
		return nil
	case sdk.ThinkingDelta:
		if d.Thinking == "" {
			return nil
		}
		p.thinking(idx).text.WriteString(d.Thinking)
		return p.emit(model.Chunk{Type: model.ChunkTypeThinking, Thinking: d.Thinking})
	case sdk.SignatureDelta:
		if d.Signature != "" {
			p.thinking(idx).signature = d.Signature
		}
		return nil
	}
	return nil
}

func (p *chunkProcessor) handleBlockStop(idx int) error {
	if tb := p.thinkingBlocks[idx]; tb != nil {
		delete(p.thinkingBlocks, idx)
		if part := tb.finalize(idx); part != nil {
			if err := p.emit(model.Chunk{
				Type: model.ChunkTypeThinking,
				Message: &model.Message{
					Role:  model.ConversationRoleAssistant,
					Parts: []model.Part{*part},
				},
			}); err != nil {
				return err
			}
		}
	}
	if tb := p.toolBlocks[idx]; tb != nil {
		delete(p.toolBlocks, idx)
		return p.emit(model.Chunk{
			Type: model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{
				ID:      tb.id,
				Name:    tb.name,
				Payload: decodeToolPayload(strings.Join(tb.fragments, "")),
			},
		})
	}
	return nil
}

func (p *chunkProcessor) thinking(idx int) *thinkingBuffer {
	tb := p.thinkingBlocks[idx]
	if tb == nil {
		tb = &thinkingBuffer{}
		p.thinkingBlocks[idx] = tb
	}
	return tb
}

type toolBuffer struct {
	name      string
	id        string
	fragments []string
}

type thinkingBuffer struct {
	text      strings.Builder
	signature string
	redacted  []byte
}

func (tb *thinkingBuffer) finalize(index int) *model.ThinkingPart {
	if len(tb.redacted) > 0 {
		return &model.ThinkingPart{Redacted: tb.redacted, Index: index, Final: true}
	}
	if s := tb.text.String(); s != "" && tb.signature != "" {
		return &model.ThinkingPart{Text: s, Signature: tb.signature, Index: index, Final: true}
	}
	return nil
}
