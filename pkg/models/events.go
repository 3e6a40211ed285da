package models

// EventType identifies a StreamEvent variant.
type EventType string

const (
	EventTextDelta       EventType = "text_delta"
	EventToolUseStart    EventType = "tool_use_start"
	EventToolUseDelta    EventType = "tool_use_delta"
	EventToolUseComplete EventType = "tool_use_complete"
	EventUsage           EventType = "usage"
	EventError           EventType = "error"
	EventDone            EventType = "done"
)

// StreamEvent is a transient, sub-message unit of provider output.
type StreamEvent struct {
	Type EventType `json:"type"`

	Text string `json:"text,omitempty"` // TextDelta

	ToolUseID    string `json:"tool_use_id,omitempty"`   // ToolUse*
	ToolName     string `json:"tool_name,omitempty"`     // ToolUseStart
	PartialInput string `json:"partial_input,omitempty"` // ToolUseDelta

	Usage *Usage `json:"usage,omitempty"` // Usage

	Message string `json:"message,omitempty"` // Error
}

func TextDelta(text string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Text: text}
}

func ToolUseStart(id, name string) StreamEvent {
	return StreamEvent{Type: EventToolUseStart, ToolUseID: id, ToolName: name}
}

func ToolUseDelta(id, partial string) StreamEvent {
	return StreamEvent{Type: EventToolUseDelta, ToolUseID: id, PartialInput: partial}
}

func ToolUseComplete(id string) StreamEvent {
	return StreamEvent{Type: EventToolUseComplete, ToolUseID: id}
}

func UsageEvent(u Usage) StreamEvent {
	return StreamEvent{Type: EventUsage, Usage: &u}
}

func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Type: EventError, Message: err.Error()}
}

func Done() StreamEvent {
	return StreamEvent{Type: EventDone}
}

// Usage reports token accounting. Providers that do not report usage leave it zero.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Add sums two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:              u.InputTokens + o.InputTokens,
		OutputTokens:             u.OutputTokens + o.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens + o.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens + o.CacheReadInputTokens,
	}
}
