package translator

import (
	"encoding/json"
	"strings"

	"anthropic-relay/internal/models"
)

// ChatPayload models the OpenAI-style chat/completions request body sent to
// the backend.
type ChatPayload struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatMessage is a single message in the backend payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildChatPayload converts a translation request into the backend
// vocabulary. The client-requested model identifier is meaningless to the
// backend, so backendModel replaces it; an empty backendModel omits the
// field entirely for backends that serve a single loaded model.
//
// Content flattening is lossy: per message, the text blocks are concatenated
// in order and every other block kind is dropped. This is a documented
// limitation, not an error.
func BuildChatPayload(req models.TranslationRequest, backendModel string) ChatPayload {
	messages := make([]ChatMessage, 0, len(req.Messages)+1)

	if req.System != "" {
		messages = append(messages, ChatMessage{
			Role:    string(models.RoleSystem),
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		messages = append(messages, ChatMessage{
			Role:    string(msg.Role),
			Content: msg.JoinedText(),
		})
	}

	return ChatPayload{
		Model:       backendModel,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage"`
}

type chatChoice struct {
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ParseCompletion decodes a non-streaming backend response body. Malformed
// JSON and empty choice lists fail with UpstreamFormatError.
func ParseCompletion(body []byte) (models.BackendCompletion, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.BackendCompletion{}, upstreamFormatErrorf("decode backend response: %v", err)
	}

	if len(resp.Choices) == 0 {
		return models.BackendCompletion{}, upstreamFormatErrorf("backend response did not include choices")
	}

	choices := make([]models.BackendChoice, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		choices = append(choices, models.BackendChoice{
			Text:         choice.Message.Content,
			FinishReason: choice.FinishReason,
		})
	}

	completion := models.BackendCompletion{
		ID:      resp.ID,
		Model:   resp.Model,
		Choices: choices,
	}
	if resp.Usage != nil {
		completion.Usage = models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
	}
	return completion, nil
}

// MapFinishReason maps the backend finish-reason vocabulary onto Anthropic
// stop reasons. Unknown and absent reasons default to end_turn.
func MapFinishReason(reason string) string {
	switch strings.TrimSpace(reason) {
	case "length":
		return "max_tokens"
	case "stop", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}
