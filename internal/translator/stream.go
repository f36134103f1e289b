package translator

import (
	"bytes"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// streamState tracks progress through the streaming event lifecycle.
type streamState int

const (
	stateIdle streamState = iota
	stateStarted
	stateStreaming
	stateStopped
)

// Streaming event type names in the Anthropic SSE vocabulary.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

// StreamEvent is one unit of the Anthropic streaming vocabulary. Type names
// the SSE event; Payload is its JSON-encodable body.
type StreamEvent struct {
	Type    string
	Payload any
}

type messageStartPayload struct {
	Type    string       `json:"type"`
	Message startMessage `json:"message"`
}

type startMessage struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Role         string     `json:"role"`
	Model        string     `json:"model"`
	Content      []any      `json:"content"`
	StopReason   *string    `json:"stop_reason"`
	StopSequence *string    `json:"stop_sequence"`
	Usage        UsageBlock `json:"usage"`
}

type contentBlockStartPayload struct {
	Type         string    `json:"type"`
	Index        int       `json:"index"`
	ContentBlock TextBlock `json:"content_block"`
}

type contentBlockDeltaPayload struct {
	Type  string    `json:"type"`
	Index int       `json:"index"`
	Delta textDelta `json:"delta"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type contentBlockStopPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaPayload struct {
	Type  string      `json:"type"`
	Delta stopDelta   `json:"delta"`
	Usage outputUsage `json:"usage"`
}

type stopDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type outputUsage struct {
	OutputTokens int `json:"output_tokens"`
}

type messageStopPayload struct {
	Type string `json:"type"`
}

// StreamTranslator re-frames an incremental OpenAI-style token stream into
// the Anthropic streaming event sequence. It is a per-request state machine:
// Idle -> Started -> Streaming -> Stopped. Events are produced strictly in
// chunk-arrival order and nothing is buffered beyond the in-flight chunk.
//
// A single text content block at index 0 carries all streamed output.
type StreamTranslator struct {
	state        streamState
	messageID    string
	model        string
	finishReason string
	outputTokens int
}

// NewStreamTranslator creates a translator for one streaming session.
func NewStreamTranslator(model string) *StreamTranslator {
	if model == "" {
		model = "unknown"
	}
	return &StreamTranslator{
		state:     stateIdle,
		messageID: "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		model:     model,
	}
}

// Start opens the stream: message_start followed by content_block_start for
// block 0. Calling Start more than once returns nil.
func (t *StreamTranslator) Start() []StreamEvent {
	if t.state != stateIdle {
		return nil
	}
	t.state = stateStarted

	events := []StreamEvent{
		{
			Type: EventMessageStart,
			Payload: messageStartPayload{
				Type: EventMessageStart,
				Message: startMessage{
					ID:      t.messageID,
					Type:    "message",
					Role:    "assistant",
					Model:   t.model,
					Content: []any{},
				},
			},
		},
		{
			Type: EventContentBlockStart,
			Payload: contentBlockStartPayload{
				Type:         EventContentBlockStart,
				Index:        0,
				ContentBlock: TextBlock{Type: "text"},
			},
		},
	}

	t.state = stateStreaming
	return events
}

// Feed processes one raw backend chunk line. Chunks carrying no textual
// delta produce no events. A finish reason or the [DONE] marker completes
// the stream via Finish.
func (t *StreamTranslator) Feed(line []byte) []StreamEvent {
	if t.state != stateStreaming {
		return nil
	}

	data := bytes.TrimSpace(line)
	if after, found := bytes.CutPrefix(data, []byte("data:")); found {
		data = bytes.TrimSpace(after)
	}
	if len(data) == 0 {
		return nil
	}
	if bytes.Equal(data, []byte("[DONE]")) {
		return t.Finish()
	}

	root := gjson.ParseBytes(data)
	var events []StreamEvent

	if content := root.Get("choices.0.delta.content"); content.Exists() && content.String() != "" {
		events = append(events, StreamEvent{
			Type: EventContentBlockDelta,
			Payload: contentBlockDeltaPayload{
				Type:  EventContentBlockDelta,
				Index: 0,
				Delta: textDelta{Type: "text_delta", Text: content.String()},
			},
		})
	}

	if usage := root.Get("usage.completion_tokens"); usage.Exists() {
		t.outputTokens = int(usage.Int())
	}

	if finish := root.Get("choices.0.finish_reason"); finish.Exists() && finish.String() != "" {
		t.finishReason = finish.String()
		return append(events, t.Finish()...)
	}

	return events
}

// Finish closes the stream normally: content_block_stop, message_delta with
// the mapped stop reason, then message_stop. Consumers rely on block-stop
// preceding message-stop. Finish is idempotent.
func (t *StreamTranslator) Finish() []StreamEvent {
	return t.terminate(MapFinishReason(t.finishReason))
}

// Fail closes the stream after a mid-stream backend error or client
// disconnect, so no consumer is left waiting on an unterminated block. The
// stop reason is "error" unless a better one is already known. Fail is
// idempotent.
func (t *StreamTranslator) Fail() []StreamEvent {
	reason := "error"
	if t.finishReason != "" {
		reason = MapFinishReason(t.finishReason)
	}
	return t.terminate(reason)
}

// Done reports whether the stream has been terminated.
func (t *StreamTranslator) Done() bool {
	return t.state == stateStopped
}

func (t *StreamTranslator) terminate(stopReason string) []StreamEvent {
	if t.state != stateStreaming {
		return nil
	}
	t.state = stateStopped

	return []StreamEvent{
		{
			Type:    EventContentBlockStop,
			Payload: contentBlockStopPayload{Type: EventContentBlockStop, Index: 0},
		},
		{
			Type: EventMessageDelta,
			Payload: messageDeltaPayload{
				Type:  EventMessageDelta,
				Delta: stopDelta{StopReason: stopReason},
				Usage: outputUsage{OutputTokens: t.outputTokens},
			},
		},
		{
			Type:    EventMessageStop,
			Payload: messageStopPayload{Type: EventMessageStop},
		},
	}
}
