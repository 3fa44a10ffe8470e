package middleware

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/modelresult/runtime/model"
	"goa.design/modelresult/runtime/resultlog"
	"goa.design/modelresult/runtime/resultlog/inmem"
)

type failingStore struct {
	resultlog.Store
	err error
}

func (s failingStore) Put(context.Context, *resultlog.Record) error { return s.err }

func TestRecorderPersistsChatResults(t *testing.T) {
	store := inmem.New()
	c := Recorder(store, nil)(&fakeClient{resp: chatResponse()})

	resp, err := c.Complete(context.Background(), helloRequest())
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Text())

	page, err := store.List(context.Background(), "claude-test", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)

	first, err := resultlog.DecodeChat(page.Records[0])
	require.NoError(t, err)
	require.Equal(t, "hi", first.Output().Text)
	require.Equal(t, model.GenerationMetadata{FinishReason: "end_turn"}, first.Metadata())

	second, err := resultlog.DecodeChat(page.Records[1])
	require.NoError(t, err)
	require.False(t, second.HasOutput())
}

func TestRecorderSurfacesStoreErrors(t *testing.T) {
	boom := errors.New("store down")
	c := Recorder(failingStore{err: boom}, nil)(&fakeClient{resp: chatResponse()})

	_, err := c.Complete(context.Background(), helloRequest())
	require.ErrorIs(t, err, boom)
}

func TestRecorderSkipsFailedCalls(t *testing.T) {
	store := inmem.New()
	c := Recorder(store, nil)(&fakeClient{completeErr: model.ErrRateLimited})

	_, err := c.Complete(context.Background(), helloRequest())
	require.ErrorIs(t, err, model.ErrRateLimited)

	page, err := store.List(context.Background(), "", "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Records)
}

func TestRecorderRecordsAccumulatedStream(t *testing.T) {
	store := inmem.New()
	usage := model.TokenUsage{InputTokens: 2, OutputTokens: 1, TotalTokens: 3}
	st := &sliceStreamer{
		chunks: []model.Chunk{
			{Type: model.ChunkTypeText, Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: "hel"}}}},
			{Type: model.ChunkTypeText, Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: "lo"}}}},
			{Type: model.ChunkTypeUsage, UsageDelta: &usage},
			{Type: model.ChunkTypeStop, StopReason: "end_turn"},
		},
		meta: map[string]any{"provider": "anthropic", "model": "claude-test", "id": "msg_7"},
	}
	c := Recorder(store, nil)(&streamClient{st: st})

	out, err := c.Stream(context.Background(), helloRequest())
	require.NoError(t, err)
	resp, err := model.Accumulate(out)
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text())

	_, err = out.Recv()
	require.ErrorIs(t, err, io.EOF)

	page, err := store.List(context.Background(), "claude-test", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	require.Equal(t, "msg_7", rec.ResponseID)
	require.Equal(t, usage, rec.Usage)

	res, err := resultlog.DecodeChat(rec)
	require.NoError(t, err)
	require.Equal(t, "hello", res.Output().Text)
	require.Equal(t, model.GenerationMetadata{FinishReason: "end_turn"}, res.Metadata())
}

func TestEmbeddingRecorder(t *testing.T) {
	store := inmem.New()
	resp := &model.EmbeddingResponse{
		Results: []*model.Generation[[]float32]{
			model.NewGeneration([]float32{0.25}, model.EmbeddingMetadata{Index: 0, Modality: model.ModalityText}),
		},
		Metadata: model.ResponseMetadata{Provider: "bedrock", Model: "titan"},
	}
	e := EmbeddingRecorder(store, nil)(&fakeEmbedder{resp: resp})

	_, err := e.Embed(context.Background(), &model.EmbeddingRequest{Inputs: []string{"x"}})
	require.NoError(t, err)

	page, err := store.List(context.Background(), "titan", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, resultlog.KindEmbedding, page.Records[0].Kind)
}

func TestRecorderWithoutStoreIsPassThrough(t *testing.T) {
	inner := &fakeClient{resp: chatResponse()}
	require.Same(t, model.ChatClient(inner), Recorder(nil, nil)(inner))
}
