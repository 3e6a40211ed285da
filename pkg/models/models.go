package models

import (
	"context"
	"fmt"

	"github.com/nstogner/deskpilot/pkg/store"
)

// Mode selects the system prompt and the tool set offered to the model.
type Mode string

const (
	ModeComputer Mode = "computer"
	ModeBrowser  Mode = "browser"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeComputer, ModeBrowser:
		return Mode(s), nil
	case "":
		return ModeComputer, nil
	}
	return "", fmt.Errorf("unknown agent mode %q", s)
}

// AgentMessage represents a message in the agent's context.
type AgentMessage struct {
	// Role indicates the sender of the message (e.g., user, assistant).
	Role store.MessageRole
	// Content holds the key content parts of the message.
	Content []store.Content
}

// ToolSpec declares a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

// Request is everything a provider needs to stream one turn.
type Request struct {
	Model     string
	Mode      Mode
	Messages  []AgentMessage
	Tools     []ToolSpec
	MaxTokens int
}

// Turn is the aggregated result of one streamed model response.
type Turn struct {
	Message AgentMessage
	Usage   Usage
}

// ModelProvider represents a service that provides LLMs (e.g. Gemini, OpenAI).
// Implementations prepend SystemPrompt(req.Mode) to the outbound messages.
type ModelProvider interface {
	// List returns the names of available models.
	List(ctx context.Context) ([]string, error)

	// Stream sends a context to the LLM and returns a stream of events.
	Stream(ctx context.Context, req Request) (ModelStream, error)
}

// ModelStream is a finite, non-restartable sequence of StreamEvents.
type ModelStream interface {
	// Recv returns the next event. The last event is Done or Error; after it
	// Recv returns io.EOF (after Done) or the terminating error.
	Recv() (StreamEvent, error)
	// Turn returns the aggregated content once Done was received.
	Turn() (Turn, error)
	Close() error
}
