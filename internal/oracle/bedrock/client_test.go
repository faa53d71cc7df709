package bedrock

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-ticket-relay-go/internal/oracle"
)

type fakeRuntime struct {
	input *bedrockruntime.InvokeModelInput
	body  string
}

func (f *fakeRuntime) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.input = in
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

func TestGenerateResponseUsesMessagesAPI(t *testing.T) {
	rt := &fakeRuntime{body: `{"content":[{"type":"text","text":"{\"intent\":\"x\"}"}],"stop_reason":"end_turn"}`}
	c := NewWithClient(rt, "anthropic.claude-3-5-sonnet-20240620-v1:0")

	out, err := c.GenerateResponse(context.Background(), "hello", oracle.GenerateOptions{MaxTokens: 100, System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, `{"intent":"x"}`, out)

	var req request
	require.NoError(t, json.Unmarshal(rt.input.Body, &req))
	assert.Equal(t, anthropicVersion, req.AnthropicVersion)
	assert.Equal(t, 100, req.MaxTokens)
	assert.Equal(t, "be brief", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hello", req.Messages[0].Content[0].Text)
}

func TestGenerateResponseEmpty(t *testing.T) {
	c := NewWithClient(&fakeRuntime{body: `{"content":[],"stop_reason":"max_tokens"}`}, "m")
	_, err := c.GenerateResponse(context.Background(), "hello", oracle.GenerateOptions{})
	assert.Error(t, err)
}
