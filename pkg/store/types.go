package store

import (
	"time"
)

// EntryType defines the kind of conversation log entry.
type EntryType string

const (
	TypeConversation EntryType = "conversation"
	TypeMessage      EntryType = "message"
	TypeRun          EntryType = "run"
)

// MessageRole defines the role of a message in the conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool" // For tool results
)

// Header is the first line of a conversation log.
type Header struct {
	Type      EntryType `json:"type"` // Always "conversation"
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Mode      string    `json:"mode"`
	Model     string    `json:"model,omitempty"`
	Voice     bool      `json:"voice,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"timestamp"`
}

// Entry is a tagged union over every record in a conversation log.
type Entry struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Payload pointers - only one will be non-nil
	Message *Message   `json:"message,omitempty"`
	Run     *RunRecord `json:"run,omitempty"`
}

// Message is one immutable entry of the conversation history.
type Message struct {
	Role    MessageRole `json:"role"`
	Content []Content   `json:"content"`
	Model   string      `json:"model,omitempty"`
}

// RunRecord captures how a run over the conversation ended.
type RunRecord struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	Turns        int    `json:"turns"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ContentType defines the kind of message content.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeImage      ContentType = "image"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
)

// Content represents a single component of a message.
type Content struct {
	Type ContentType `json:"type"`

	// Only one of these will be non-nil
	Text       *TextContent       `json:"text,omitempty"`
	Image      *ImageContent      `json:"image,omitempty"`
	ToolUse    *ToolUseContent    `json:"tool_use,omitempty"`
	ToolResult *ToolResultContent `json:"tool_result,omitempty"`
}

// TextContent contains literal text.
type TextContent struct {
	Content string `json:"content"`
}

// ImageContent contains image data.
type ImageContent struct {
	Source *ImageSource `json:"source"`
}

// ImageSource holds base64 encoded image bytes.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// DataURL renders the source as a data: URL.
func (s *ImageSource) DataURL() string {
	return "data:" + s.MediaType + ";base64," + s.Data
}

// ToolUseContent represents a call to a tool.
type ToolUseContent struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResultKind is the variant carried by a ToolResultContent.
type ToolResultKind string

const (
	ToolResultText  ToolResultKind = "text"
	ToolResultImage ToolResultKind = "image"
	ToolResultError ToolResultKind = "error"
)

// ToolResultContent represents the outcome of a tool call.
type ToolResultContent struct {
	ToolUseID string       `json:"tool_use_id"`
	IsError   bool         `json:"is_error"`
	Content   string       `json:"content"`
	Image     *ImageSource `json:"image,omitempty"`
}

// Kind reports which variant the result holds. Errors win over images.
func (r *ToolResultContent) Kind() ToolResultKind {
	switch {
	case r.IsError:
		return ToolResultError
	case r.Image != nil:
		return ToolResultImage
	default:
		return ToolResultText
	}
}

// NewText builds a text content block.
func NewText(s string) Content {
	return Content{Type: ContentTypeText, Text: &TextContent{Content: s}}
}

// NewImage builds an image content block from base64 data.
func NewImage(mediaType, data string) Content {
	return Content{Type: ContentTypeImage, Image: &ImageContent{Source: &ImageSource{
		Type:      "base64",
		MediaType: mediaType,
		Data:      data,
	}}}
}

// NewToolResult wraps a tool result in a content block.
func NewToolResult(r ToolResultContent) Content {
	return Content{Type: ContentTypeToolResult, ToolResult: &r}
}

// ToolUses returns the tool invocations of a message in emission order.
func (m Message) ToolUses() []*ToolUseContent {
	var calls []*ToolUseContent
	for _, c := range m.Content {
		if c.Type == ContentTypeToolUse && c.ToolUse != nil {
			calls = append(calls, c.ToolUse)
		}
	}
	return calls
}

// Text concatenates every text block of the message.
func (m Message) Text() string {
	var s string
	for _, c := range m.Content {
		if c.Type == ContentTypeText && c.Text != nil {
			s += c.Text.Content
		}
	}
	return s
}

// ConversationInfo provides metadata about a stored conversation.
type ConversationInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Mode         string    `json:"mode"`
	Model        string    `json:"model"`
	Created      time.Time `json:"created"`
	Modified     time.Time `json:"modified"`
	MessageCount int       `json:"message_count"`
}
