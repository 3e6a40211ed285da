package jsonl

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/deskpilot/pkg/store"
)

// maxLineSize bounds a single JSONL record. Screenshots make lines large.
const maxLineSize = 32 * 1024 * 1024

// Conversation implements the store.Conversation interface using a JSONL file.
type Conversation struct {
	mu         sync.RWMutex
	id         string
	filePath   string
	entries    []store.Entry
	fileHandle *os.File
	notify     func(id string, added int)
	header     store.Header
}

var _ store.Conversation = (*Conversation)(nil)

func (c *Conversation) ID() string           { return c.id }
func (c *Conversation) Path() string         { return c.filePath }
func (c *Conversation) Header() store.Header { return c.header }

// AppendMessages writes all messages in a single write so a turn lands atomically.
func (c *Conversation) AppendMessages(msgs ...store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now()
	entries := make([]store.Entry, 0, len(msgs))
	for i := range msgs {
		msg := msgs[i]
		entries = append(entries, store.Entry{
			Type:      store.TypeMessage,
			ID:        uuid.New().String(),
			Timestamp: now,
			Message:   &msg,
		})
	}
	return c.append(entries, len(msgs))
}

func (c *Conversation) AppendRun(r store.RunRecord) error {
	return c.append([]store.Entry{{
		Type:      store.TypeRun,
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Run:       &r,
	}}, 0)
}

func (c *Conversation) append(entries []store.Entry, added int) error {
	c.mu.Lock()
	if c.fileHandle == nil {
		c.mu.Unlock()
		return fmt.Errorf("conversation %s is closed", c.id)
	}
	var buf []byte
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	if _, err := c.fileHandle.Write(buf); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to write entries: %w", err)
	}
	c.entries = append(c.entries, entries...)
	c.mu.Unlock()

	if c.notify != nil {
		c.notify(c.id, added)
	}
	return nil
}

func (c *Conversation) Messages() ([]store.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := []store.Message{}
	for _, e := range c.entries {
		if e.Type == store.TypeMessage && e.Message != nil {
			msgs = append(msgs, *e.Message)
		}
	}
	return msgs, nil
}

func (c *Conversation) Runs() ([]store.RunRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var runs []store.RunRecord
	for _, e := range c.entries {
		if e.Type == store.TypeRun && e.Run != nil {
			runs = append(runs, *e.Run)
		}
	}
	return runs, nil
}

func (c *Conversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fileHandle != nil {
		err := c.fileHandle.Close()
		c.fileHandle = nil
		return err
	}
	return nil
}

func (c *Conversation) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := c.fileHandle.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
