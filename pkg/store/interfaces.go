package store

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidID rejects ids that are not a single plain name.
	ErrInvalidID = errors.New("invalid conversation id")
)

// ValidID reports whether id can name a conversation. Ids become file
// names, so separators and dot segments are refused.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00:")
}

// Manager defines the interface for managing stored conversations.
type Manager interface {
	// NewConversation creates a conversation from the given header.
	// An empty header ID is replaced with a generated one.
	NewConversation(h Header) (Conversation, error)

	// LoadConversation opens an existing conversation by its ID.
	LoadConversation(id string) (Conversation, error)

	// ListConversations returns conversation metadata, most recently modified first.
	// A limit <= 0 returns everything after offset.
	ListConversations(limit, offset int) ([]ConversationInfo, error)

	// DeleteConversation removes a conversation and its history.
	DeleteConversation(id string) error

	// Subscribe returns a channel that emits conversation IDs whenever one changes.
	Subscribe() <-chan string

	// Close releases resources held by the manager.
	Close() error
}

// Conversation is an append-only message history.
type Conversation interface {
	// ID returns the conversation's unique identifier.
	ID() string

	// Header returns the conversation metadata.
	Header() Header

	// AppendMessages persists messages in order. Callers append a whole turn at once.
	AppendMessages(msgs ...Message) error

	// AppendRun records how a run ended.
	AppendRun(r RunRecord) error

	// Messages returns the full history in append order.
	Messages() ([]Message, error)

	// Runs returns every recorded run outcome.
	Runs() ([]RunRecord, error)

	// Close releases any resources held by the conversation.
	Close() error
}
