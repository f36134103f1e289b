package translator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"anthropic-relay/internal/models"
)

// MessageRequest models the Anthropic /v1/messages payload.
type MessageRequest struct {
	Model         string
	MaxTokens     *int
	Messages      []InboundMessage
	System        []string
	Stream        bool
	Temperature   *float64
	TopP          *float64
	StopSequences []string
}

// UnmarshalJSON enforces validation and normalises fields.
func (r *MessageRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model         string           `json:"model"`
		MaxTokens     *int             `json:"max_tokens"`
		Messages      []InboundMessage `json:"messages"`
		System        json.RawMessage  `json:"system"`
		Stream        bool             `json:"stream"`
		Temperature   *float64         `json:"temperature"`
		TopP          *float64         `json:"top_p"`
		StopSequences []string         `json:"stop_sequences"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return validationErrorf("decode messages request: %v", err)
	}

	system, err := parseSystem(raw.System)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.MaxTokens = raw.MaxTokens
	r.Messages = raw.Messages
	r.System = system
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.StopSequences = raw.StopSequences

	return r.validate()
}

func (r *MessageRequest) validate() error {
	if len(r.Messages) == 0 {
		return validationErrorf("at least one message is required")
	}
	return nil
}

// Normalize converts the inbound request into the canonical translation
// form. System content, whether it arrived via the top-level system field or
// as system-role messages, is extracted out of the turn sequence and
// newline-joined in original order.
func (r MessageRequest) Normalize() models.TranslationRequest {
	system := make([]string, 0, len(r.System))
	for _, s := range r.System {
		if strings.TrimSpace(s) != "" {
			system = append(system, s)
		}
	}

	msgs := make([]models.NormalizedMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == models.RoleSystem {
			if text := m.joinedText(); strings.TrimSpace(text) != "" {
				system = append(system, text)
			}
			continue
		}
		msgs = append(msgs, models.NormalizedMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	return models.TranslationRequest{
		Model:         r.Model,
		System:        strings.Join(system, "\n"),
		Messages:      msgs,
		MaxTokens:     r.MaxTokens,
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		StopSequences: r.StopSequences,
		Stream:        r.Stream,
	}
}

// InboundMessage represents a single message in the request payload.
type InboundMessage struct {
	Role    models.Role
	Content []models.ContentBlock
}

// UnmarshalJSON resolves the source role vocabulary and parses both the
// plain-string and block-list content shapes.
func (m *InboundMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return validationErrorf("decode message: %v", err)
	}

	role, err := resolveRole(raw.Role)
	if err != nil {
		return err
	}

	content, err := parseContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = role
	m.Content = content
	return nil
}

func (m InboundMessage) joinedText() string {
	return models.NormalizedMessage{Role: m.Role, Content: m.Content}.JoinedText()
}

// resolveRole maps source role vocabulary onto the three canonical roles.
// "human" is a legacy alias for "user".
func resolveRole(role string) (models.Role, error) {
	switch strings.TrimSpace(role) {
	case "user", "human":
		return models.RoleUser, nil
	case "assistant":
		return models.RoleAssistant, nil
	case "system":
		return models.RoleSystem, nil
	default:
		return "", validationErrorf("message role %q is not resolvable", role)
	}
}

func parseContent(raw json.RawMessage) ([]models.ContentBlock, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, validationErrorf("message content is required")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []models.ContentBlock{{Type: models.BlockText, Text: text}}, nil
	}

	var rawBlocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &rawBlocks); err != nil {
		return nil, validationErrorf("message content must be a string or a list of content blocks")
	}

	blocks := make([]models.ContentBlock, 0, len(rawBlocks))
	for i, block := range rawBlocks {
		switch block.Type {
		case "text":
			blocks = append(blocks, models.ContentBlock{Type: models.BlockText, Text: block.Text})
		case "image":
			blocks = append(blocks, models.ContentBlock{Type: models.BlockImage})
		case "tool_use", "tool_result":
			blocks = append(blocks, models.ContentBlock{Type: models.BlockToolUse})
		case "":
			return nil, validationErrorf("content block %d is missing a type", i)
		default:
			// Unknown block kinds degrade the same way as tool use: carried
			// opaquely, stripped at flatten time.
			blocks = append(blocks, models.ContentBlock{Type: models.BlockToolUse})
		}
	}
	return blocks, nil
}

func parseSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, validationErrorf("system must be a string or a list of text blocks")
	}

	out := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type != "" && block.Type != "text" {
			return nil, validationErrorf("system block type %q is not supported", block.Type)
		}
		if strings.TrimSpace(block.Text) == "" {
			continue
		}
		out = append(out, block.Text)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// MessageResponse models the Anthropic response envelope.
type MessageResponse struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Role         string      `json:"role"`
	Model        string      `json:"model"`
	Content      []TextBlock `json:"content"`
	StopReason   string      `json:"stop_reason"`
	StopSequence *string     `json:"stop_sequence"`
	Usage        UsageBlock  `json:"usage"`
}

// TextBlock represents a text content block in the response.
type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UsageBlock mirrors the Anthropic usage format.
type UsageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FromCompletion converts a backend completion into the Anthropic envelope.
// The conversion is deterministic so translating the same completion twice
// yields identical output.
func FromCompletion(completion models.BackendCompletion) MessageResponse {
	var text strings.Builder
	finishReason := ""
	for _, choice := range completion.Choices {
		text.WriteString(choice.Text)
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}

	id := completion.ID
	if id == "" {
		id = fallbackMessageID(text.String())
	}

	model := completion.Model
	if model == "" {
		model = "unknown"
	}

	return MessageResponse{
		ID:    id,
		Type:  "message",
		Role:  string(models.RoleAssistant),
		Model: model,
		Content: []TextBlock{
			{Type: "text", Text: text.String()},
		},
		StopReason: MapFinishReason(finishReason),
		Usage: UsageBlock{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}
}

// fallbackMessageID derives a stable message ID from the response text for
// backends that omit IDs.
func fallbackMessageID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("msg_%s", hex.EncodeToString(sum[:4]))
}
