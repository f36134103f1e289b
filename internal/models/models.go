package models

// Role is a canonical conversational role. Source vocabularies are resolved
// to exactly these three values during translation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates content block variants.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockImage   BlockType = "image"
	BlockToolUse BlockType = "tool_use"
)

// ContentBlock is one typed unit of message content. Only text blocks
// survive translation; other variants are carried opaquely until they are
// stripped, so that stripping never disturbs block ordering.
type ContentBlock struct {
	Type BlockType
	Text string
}

// NormalizedMessage is the protocol-agnostic form of a conversational turn.
type NormalizedMessage struct {
	Role    Role
	Content []ContentBlock
}

// JoinedText concatenates the text blocks of the message in order,
// discarding non-text blocks.
func (m NormalizedMessage) JoinedText() string {
	var out string
	for _, block := range m.Content {
		if block.Type == BlockText {
			out += block.Text
		}
	}
	return out
}

// TranslationRequest is the canonical request produced by the request
// translator. System-role content lives in System rather than Messages.
type TranslationRequest struct {
	Model         string
	System        string
	Messages      []NormalizedMessage
	MaxTokens     *int
	Temperature   *float64
	TopP          *float64
	StopSequences []string
	Stream        bool
}

// BackendChoice is a single completion choice from the backend.
type BackendChoice struct {
	Text         string
	FinishReason string
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// BackendCompletion captures a non-streaming backend response. Instances are
// immutable after creation.
type BackendCompletion struct {
	ID      string
	Model   string
	Choices []BackendChoice
	Usage   Usage
}
