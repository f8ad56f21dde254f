package bedrock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukin371/streamgate/internal/core"
)

type fakeStream struct {
	events chan types.ConverseStreamOutput
	err    error
	closed bool
}

func newFakeStream(err error, events ...types.ConverseStreamOutput) *fakeStream {
	ch := make(chan types.ConverseStreamOutput, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return &fakeStream{events: ch, err: err}
}

func (s *fakeStream) Events() <-chan types.ConverseStreamOutput { return s.events }
func (s *fakeStream) Close() error                             { s.closed = true; return nil }
func (s *fakeStream) Err() error                               { return s.err }

type chanSink struct {
	chunks []string
	done   chan error
}

func (s *chanSink) OnChunk(text string) { s.chunks = append(s.chunks, text) }
func (s *chanSink) OnComplete()         { s.done <- nil }
func (s *chanSink) OnError(err error)   { s.done <- err }

func (s *chanSink) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
		return nil
	}
}

func textDelta(s string) types.ConverseStreamOutput {
	return &types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(0),
		Delta:             &types.ContentBlockDeltaMemberText{Value: s},
	}}
}

func TestConverseStream(t *testing.T) {
	stream := newFakeStream(nil,
		&types.ConverseStreamOutputMemberMessageStart{Value: types.MessageStartEvent{Role: types.ConversationRoleAssistant}},
		textDelta("Hel"),
		textDelta("lo"),
		&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonEndTurn}},
		&types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{
			Usage: &types.TokenUsage{InputTokens: aws.Int32(3), OutputTokens: aws.Int32(2), TotalTokens: aws.Int32(5)},
		}},
	)

	var input *bedrockruntime.ConverseStreamInput
	p := New(core.ModelConfig{Provider: core.ProviderBedrock}, nil, WithOpener(
		func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (EventStream, error) {
			input = in
			return stream, nil
		}))

	sink := &chanSink{done: make(chan error, 1)}
	require.NoError(t, p.StartStream(context.Background(), "say hello", sink))
	require.NoError(t, sink.wait(t))

	assert.Equal(t, []string{"Hel", "lo"}, sink.chunks)
	assert.True(t, stream.closed)

	require.NotNil(t, input)
	assert.Equal(t, DefaultModel, aws.ToString(input.ModelId))
	assert.Nil(t, input.InferenceConfig)
	require.Len(t, input.Messages, 1)
	assert.Equal(t, types.ConversationRoleUser, input.Messages[0].Role)
	text, ok := input.Messages[0].Content[0].(*types.ContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "say hello", text.Value)
}

func TestTuningMapsToInferenceConfig(t *testing.T) {
	maxTokens, temp, topP := 4096, 0.5, 0.9
	p := New(core.ModelConfig{
		Model:  "apac.anthropic.claude-sonnet-4-20250514-v1:0",
		Tuning: core.Tuning{MaxTokens: &maxTokens, Temperature: &temp, TopP: &topP},
	}, nil)

	in := p.buildInput("x")
	require.NotNil(t, in.InferenceConfig)
	assert.Equal(t, int32(4096), aws.ToInt32(in.InferenceConfig.MaxTokens))
	assert.Equal(t, float32(0.5), aws.ToFloat32(in.InferenceConfig.Temperature))
	assert.Equal(t, float32(0.9), aws.ToFloat32(in.InferenceConfig.TopP))
	assert.True(t, p.SupportsTuning(core.TuningMaxTokens))
}

func TestStreamErrorAfterChunks(t *testing.T) {
	stream := newFakeStream(errors.New("throttled"), textDelta("partial"))
	p := New(core.ModelConfig{}, nil, WithOpener(
		func(context.Context, *bedrockruntime.ConverseStreamInput) (EventStream, error) { return stream, nil }))

	sink := &chanSink{done: make(chan error, 1)}
	require.NoError(t, p.StartStream(context.Background(), "x", sink))
	err := sink.wait(t)

	assert.ErrorIs(t, err, core.ErrProvider)
	assert.Contains(t, err.Error(), "throttled")
	assert.Equal(t, []string{"partial"}, sink.chunks)
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return "access denied" }
func (e statusErr) HTTPStatusCode() int { return e.code }

func TestOpenErrors(t *testing.T) {
	p := New(core.ModelConfig{}, nil, WithOpener(
		func(context.Context, *bedrockruntime.ConverseStreamInput) (EventStream, error) {
			return nil, statusErr{code: 403}
		}))
	err := p.StartStream(context.Background(), "x", &chanSink{done: make(chan error, 1)})
	pe, ok := core.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, 403, pe.StatusCode)

	p = New(core.ModelConfig{}, nil, WithOpener(
		func(context.Context, *bedrockruntime.ConverseStreamInput) (EventStream, error) {
			return nil, core.ErrMissingCredential
		}))
	err = p.StartStream(context.Background(), "x", &chanSink{done: make(chan error, 1)})
	assert.ErrorIs(t, err, core.ErrMissingCredential)
	assert.NotErrorIs(t, err, core.ErrProvider)
}

func TestDefaults(t *testing.T) {
	p := New(core.ModelConfig{}, nil)
	assert.Equal(t, DefaultRegion, p.Region())
	assert.Equal(t, DefaultModel, p.Model())
	assert.Equal(t, core.ProviderBedrock, p.Kind())
}
