package openai

import (
	"encoding/json"
	"log/slog"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/store"
)

// capabilities of the chat-completions message format. Tool results are
// carried by "tool" messages; images are only accepted from the user.
var capabilities = models.Capabilities{
	store.RoleUser:      {store.ContentTypeText, store.ContentTypeImage},
	store.RoleAssistant: {store.ContentTypeText, store.ContentTypeToolUse},
	store.RoleTool:      {store.ContentTypeToolResult},
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Tools         []chatTool     `json:"tools,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// encodeRequest builds the wire request, prepending the mode's system prompt.
func encodeRequest(req models.Request, provider string) chatRequest {
	out := chatRequest{
		Model:         req.Model,
		Stream:        true,
		MaxTokens:     req.MaxTokens,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	out.Messages = append(out.Messages, chatMessage{
		Role:    string(store.RoleSystem),
		Content: models.SystemPrompt(req.Mode),
	})

	for _, msg := range capabilities.Filter(provider, req.Messages) {
		out.Messages = append(out.Messages, encodeMessage(msg)...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// encodeMessage converts one message. A tool message fans out to one wire
// message per result, followed by a user message carrying any result images.
func encodeMessage(msg models.AgentMessage) []chatMessage {
	switch msg.Role {
	case store.RoleAssistant:
		m := chatMessage{Role: string(store.RoleAssistant)}
		var text string
		for _, c := range msg.Content {
			switch c.Type {
			case store.ContentTypeText:
				text += c.Text.Content
			case store.ContentTypeToolUse:
				args, err := json.Marshal(c.ToolUse.Input)
				if err != nil || c.ToolUse.Input == nil {
					args = []byte("{}")
				}
				m.ToolCalls = append(m.ToolCalls, chatToolCall{
					ID:   c.ToolUse.ID,
					Type: "function",
					Function: chatFunctionCall{
						Name:      c.ToolUse.Name,
						Arguments: string(args),
					},
				})
			}
		}
		if text != "" {
			m.Content = text
		}
		return []chatMessage{m}

	case store.RoleTool:
		var out []chatMessage
		var images []contentPart
		for _, c := range msg.Content {
			r := c.ToolResult
			text := r.Content
			if r.Kind() == store.ToolResultError && text == "" {
				text = "Error"
			}
			if r.Kind() == store.ToolResultImage {
				images = append(images, contentPart{Type: "image_url", ImageURL: &imageURL{URL: r.Image.DataURL()}})
				if text == "" {
					text = "Screenshot attached."
				}
			}
			out = append(out, chatMessage{
				Role:       string(store.RoleTool),
				ToolCallID: r.ToolUseID,
				Content:    text,
			})
		}
		if len(images) > 0 {
			slog.Debug("Forwarding tool result images as a user message", "count", len(images))
			out = append(out, chatMessage{Role: string(store.RoleUser), Content: images})
		}
		return out

	default:
		var parts []contentPart
		for _, c := range msg.Content {
			switch c.Type {
			case store.ContentTypeText:
				parts = append(parts, contentPart{Type: "text", Text: c.Text.Content})
			case store.ContentTypeImage:
				parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: c.Image.Source.DataURL()}})
			}
		}
		return []chatMessage{{Role: string(msg.Role), Content: parts}}
	}
}
