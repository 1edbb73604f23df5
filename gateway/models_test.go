package gateway

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/BaSui01/llmgateway/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatCompletionRequest_DefaultsSurviveDecoding(t *testing.T) {
	req := NewChatCompletionRequest()
	require.NoError(t, json.Unmarshal([]byte(`{"messages":[{"role":"user","content":"oi"}],"temperature":0}`), &req))

	assert.Equal(t, DefaultChatModel, req.Model)
	assert.Equal(t, 0.0, req.Temperature, "explicit zero must be kept")
	assert.Equal(t, 1.0, req.TopP)
	assert.True(t, req.EnableGuardrails)
	assert.Equal(t, ConversationChat, req.ConversationType)
	require.NoError(t, req.Validate())
}

func TestDatasetGenerationRequest_Defaults(t *testing.T) {
	req := NewDatasetGenerationRequest()
	require.NoError(t, json.Unmarshal([]byte(`{"tool_name":"t","tool_description":"d","tool_schema":{}}`), &req))

	assert.Equal(t, 10, req.NumExamples)
	assert.Equal(t, 0.7, req.DiversityLevel)
	assert.Equal(t, OutputJSONL, req.OutputFormat)
	assert.Equal(t, DefaultDatasetModel, req.Model)
	require.NoError(t, req.Validate())
}

func TestChatCompletionRequest_Validate(t *testing.T) {
	valid := func() ChatCompletionRequest {
		r := NewChatCompletionRequest()
		r.Messages = []types.Message{types.NewUserMessage("oi")}
		return r
	}
	many := make([]types.Message, MaxMessages+1)
	for i := range many {
		many[i] = types.NewUserMessage("x")
	}

	tests := []struct {
		name      string
		mutate    func(*ChatCompletionRequest)
		wantField string
	}{
		{"valid", func(*ChatCompletionRequest) {}, ""},
		{"no messages", func(r *ChatCompletionRequest) { r.Messages = nil }, "messages"},
		{"too many messages", func(r *ChatCompletionRequest) { r.Messages = many }, "messages"},
		{"bad role", func(r *ChatCompletionRequest) { r.Messages[0].Role = "robot" }, "messages[0].role"},
		{"blank content", func(r *ChatCompletionRequest) { r.Messages[0].Content = "  " }, "messages[0].content"},
		{"content too long", func(r *ChatCompletionRequest) {
			r.Messages[0].Content = strings.Repeat("a", MaxContentLength+1)
		}, "messages[0].content"},
		{"temperature", func(r *ChatCompletionRequest) { r.Temperature = 2.1 }, "temperature"},
		{"top_p", func(r *ChatCompletionRequest) { r.TopP = -0.1 }, "top_p"},
		{"max_tokens", func(r *ChatCompletionRequest) { r.MaxTokens = MaxTokensLimit + 1 }, "max_tokens"},
		{"conversation type", func(r *ChatCompletionRequest) { r.ConversationType = "poetry" }, "conversation_type"},
		{"blank topic", func(r *ChatCompletionRequest) { r.AllowedTopics = []string{"ok", ""} }, "allowed_topics[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			gwErr, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrInvalidRequest, gwErr.Code)
			assert.Equal(t, 400, gwErr.HTTPStatus)
			assert.Equal(t, tt.wantField, gwErr.Details["field"])
		})
	}
}

func TestDatasetGenerationRequest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*DatasetGenerationRequest)
		wantField string
	}{
		{"valid", func(*DatasetGenerationRequest) {}, ""},
		{"tool name", func(r *DatasetGenerationRequest) { r.ToolName = "" }, "tool_name"},
		{"tool name too long", func(r *DatasetGenerationRequest) { r.ToolName = strings.Repeat("n", MaxToolNameLength+1) }, "tool_name"},
		{"description", func(r *DatasetGenerationRequest) { r.ToolDescription = strings.Repeat("d", MaxToolDescLength+1) }, "tool_description"},
		{"schema", func(r *DatasetGenerationRequest) { r.ToolSchema = nil }, "tool_schema"},
		{"examples", func(r *DatasetGenerationRequest) { r.NumExamples = 0 }, "num_examples"},
		{"diversity", func(r *DatasetGenerationRequest) { r.DiversityLevel = 1.5 }, "diversity_level"},
		{"format", func(r *DatasetGenerationRequest) { r.OutputFormat = "csv" }, "output_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := datasetRequest()
			tt.mutate(r)
			err := r.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantField, err.(*types.Error).Details["field"])
		})
	}
}
