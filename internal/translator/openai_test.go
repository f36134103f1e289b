package translator_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"anthropic-relay/internal/models"
	"anthropic-relay/internal/translator"
)

func TestBuildChatPayload(t *testing.T) {
	maxTokens := 256
	temperature := 0.7

	req := models.TranslationRequest{
		Model:  "claude-3-sonnet",
		System: "be brief",
		Messages: []models.NormalizedMessage{
			{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hi"}}},
			{Role: models.RoleAssistant, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hello"}}},
		},
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Stream:      true,
	}

	payload := translator.BuildChatPayload(req, "qwen-7b")

	require.Equal(t, "qwen-7b", payload.Model, "configured backend model replaces the client model")
	require.Len(t, payload.Messages, 3)
	require.Equal(t, "system", payload.Messages[0].Role)
	require.Equal(t, "be brief", payload.Messages[0].Content)
	require.Equal(t, "user", payload.Messages[1].Role)
	require.Equal(t, "assistant", payload.Messages[2].Role)
	require.Equal(t, &maxTokens, payload.MaxTokens)
	require.Equal(t, &temperature, payload.Temperature, "temperature passes through without rescaling")
	require.True(t, payload.Stream)
}

func TestBuildChatPayloadOmitsEmptyModel(t *testing.T) {
	req := models.TranslationRequest{
		Messages: []models.NormalizedMessage{
			{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hi"}}},
		},
	}

	data, err := json.Marshal(translator.BuildChatPayload(req, ""))
	require.NoError(t, err)
	require.NotContains(t, string(data), `"model"`)
	require.NotContains(t, string(data), `"stream"`)
}

func TestBuildChatPayloadFlattensBlocks(t *testing.T) {
	req := models.TranslationRequest{
		Messages: []models.NormalizedMessage{
			{Role: models.RoleUser, Content: []models.ContentBlock{
				{Type: models.BlockText, Text: "first "},
				{Type: models.BlockImage},
				{Type: models.BlockText, Text: "second"},
			}},
		},
	}

	payload := translator.BuildChatPayload(req, "m")
	require.Equal(t, "first second", payload.Messages[0].Content)
}

func TestParseCompletion(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-9",
		"model": "qwen-7b",
		"choices": [{"message": {"role": "assistant", "content": "hey"}, "finish_reason": "length"}],
		"usage": {"prompt_tokens": 7, "completion_tokens": 2}
	}`)

	completion, err := translator.ParseCompletion(body)
	require.NoError(t, err)
	require.Equal(t, "chatcmpl-9", completion.ID)
	require.Equal(t, "qwen-7b", completion.Model)
	require.Len(t, completion.Choices, 1)
	require.Equal(t, "hey", completion.Choices[0].Text)
	require.Equal(t, "length", completion.Choices[0].FinishReason)
	require.Equal(t, 7, completion.Usage.PromptTokens)
	require.Equal(t, 2, completion.Usage.CompletionTokens)
}

func TestParseCompletionZeroChoices(t *testing.T) {
	_, err := translator.ParseCompletion([]byte(`{"id":"x","choices":[]}`))

	var formatErr *translator.UpstreamFormatError
	require.True(t, errors.As(err, &formatErr), "expected UpstreamFormatError, got %v", err)
}

func TestParseCompletionMalformedJSON(t *testing.T) {
	_, err := translator.ParseCompletion([]byte(`{"id": `))

	var formatErr *translator.UpstreamFormatError
	require.True(t, errors.As(err, &formatErr), "expected UpstreamFormatError, got %v", err)
}

func TestParseCompletionMissingUsageDefaultsToZero(t *testing.T) {
	completion, err := translator.ParseCompletion([]byte(`{"choices":[{"message":{"content":"x"},"finish_reason":"stop"}]}`))
	require.NoError(t, err)
	require.Zero(t, completion.Usage.PromptTokens)
	require.Zero(t, completion.Usage.CompletionTokens)
}

func TestMapFinishReason(t *testing.T) {
	require.Equal(t, "end_turn", translator.MapFinishReason("stop"))
	require.Equal(t, "max_tokens", translator.MapFinishReason("length"))
	require.Equal(t, "end_turn", translator.MapFinishReason(""))
	require.Equal(t, "end_turn", translator.MapFinishReason("content_filter"))
}

// Text-only round trip: a request translated out and echoed back by the
// backend yields the original text unchanged.
func TestTextRoundTrip(t *testing.T) {
	var req translator.MessageRequest
	require.NoError(t, json.Unmarshal([]byte(`{"messages":[{"role":"user","content":"the exact words"}]}`), &req))

	payload := translator.BuildChatPayload(req.Normalize(), "m")
	echoed := models.BackendCompletion{
		ID:      "chatcmpl-echo",
		Model:   "m",
		Choices: []models.BackendChoice{{Text: payload.Messages[0].Content, FinishReason: "stop"}},
	}

	resp := translator.FromCompletion(echoed)
	require.Equal(t, "the exact words", resp.Content[0].Text)
}
