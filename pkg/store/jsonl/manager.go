package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/deskpilot/pkg/store"
)

// Manager implements the store.Manager interface using JSONL files.
type Manager struct {
	rootDir   string
	convDir   string
	eventChan chan string
	mu        sync.RWMutex
	subs      []chan string
	closed    bool
}

var _ store.Manager = (*Manager)(nil)

// NewManager creates the conversations directory under rootDir and starts the change broadcaster.
func NewManager(rootDir string) (*Manager, error) {
	m := &Manager{
		rootDir:   rootDir,
		convDir:   filepath.Join(rootDir, "conversations"),
		eventChan: make(chan string, 100),
	}
	if err := os.MkdirAll(m.convDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}

	go m.broadcastLoop()
	return m, nil
}

// Index represents the index.json structure
type Index struct {
	Conversations []ConversationMeta `json:"conversations"`
}

type ConversationMeta struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Title        string    `json:"title"`
	Mode         string    `json:"mode"`
	Model        string    `json:"model"`
	Created      time.Time `json:"created"`
	Modified     time.Time `json:"modified"`
	MessageCount int       `json:"message_count"`
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.convDir, "index.json")
}

// updateIndex must be called with m.mu held.
func (m *Manager) updateIndex(id string, fn func(meta *ConversationMeta)) error {
	idx, err := m.readIndex()
	if err != nil {
		return err
	}

	found := false
	for i := range idx {
		if idx[i].ID == id {
			fn(&idx[i])
			found = true
			break
		}
	}
	if !found {
		meta := ConversationMeta{ID: id}
		fn(&meta)
		idx = append(idx, meta)
	}
	return m.writeIndex(idx)
}

func (m *Manager) writeIndex(metas []ConversationMeta) error {
	data, err := json.MarshalIndent(Index{Conversations: metas}, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.indexPath())
}

func (m *Manager) readIndex() ([]ConversationMeta, error) {
	data, err := os.ReadFile(m.indexPath())
	if os.IsNotExist(err) {
		return []ConversationMeta{}, nil
	}
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse conversation index: %w", err)
	}
	return idx.Conversations, nil
}

func (m *Manager) broadcastLoop() {
	for id := range m.eventChan {
		m.mu.RLock()
		for _, sub := range m.subs {
			// Non-blocking send
			select {
			case sub <- id:
			default:
			}
		}
		m.mu.RUnlock()
	}
}

func (m *Manager) Subscribe() <-chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, 10)
	m.subs = append(m.subs, ch)
	return ch
}

// touch refreshes the index entry of a conversation and notifies subscribers.
func (m *Manager) touch(id string, added int) {
	m.mu.Lock()
	err := m.updateIndex(id, func(meta *ConversationMeta) {
		meta.Modified = time.Now()
		meta.MessageCount += added
	})
	m.mu.Unlock()
	if err != nil {
		slog.Error("Failed to update conversation index", "id", id, "error", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.eventChan <- id:
	default:
	}
}

func (m *Manager) NewConversation(h store.Header) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if !store.ValidID(h.ID) {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidID, h.ID)
	}
	h.Type = store.TypeConversation
	h.Version = 1
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}

	path := filepath.Join(m.convDir, h.ID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation file: %w", err)
	}

	c := &Conversation{
		id:         h.ID,
		filePath:   path,
		fileHandle: f,
		header:     h,
		notify:     m.touch,
	}

	if err := c.writeLine(h); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write conversation header: %w", err)
	}

	err = m.updateIndex(h.ID, func(meta *ConversationMeta) {
		meta.Path = path
		meta.Title = h.Title
		meta.Mode = h.Mode
		meta.Model = h.Model
		meta.Created = h.CreatedAt
		meta.Modified = h.CreatedAt
	})
	if err != nil {
		slog.Error("Failed to update conversation index", "error", err)
	}

	return c, nil
}

func (m *Manager) LoadConversation(id string) (store.Conversation, error) {
	if !store.ValidID(id) {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidID, id)
	}
	path := filepath.Join(m.convDir, id+".jsonl")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation file: %w", err)
	}

	c := &Conversation{
		filePath:   path,
		fileHandle: f,
		notify:     m.touch,
	}

	if err := loadEntries(c); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}

	return c, nil
}

func (m *Manager) ListConversations(limit, offset int) ([]store.ConversationInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metas, err := m.readIndex()
	if err != nil {
		return nil, err
	}

	infos := make([]store.ConversationInfo, 0, len(metas))
	for _, meta := range metas {
		infos = append(infos, store.ConversationInfo{
			ID:           meta.ID,
			Title:        meta.Title,
			Mode:         meta.Mode,
			Model:        meta.Model,
			Created:      meta.Created,
			Modified:     meta.Modified,
			MessageCount: meta.MessageCount,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Modified.After(infos[j].Modified)
	})

	return store.Page(infos, limit, offset), nil
}

func (m *Manager) DeleteConversation(id string) error {
	if !store.ValidID(id) {
		return fmt.Errorf("%w: %q", store.ErrInvalidID, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metas, err := m.readIndex()
	if err != nil {
		return err
	}
	kept := metas[:0]
	found := false
	for _, meta := range metas {
		if meta.ID == id {
			found = true
			continue
		}
		kept = append(kept, meta)
	}

	path := filepath.Join(m.convDir, id+".jsonl")
	err = os.Remove(path)
	switch {
	case os.IsNotExist(err) && !found:
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	case err != nil && !os.IsNotExist(err):
		return fmt.Errorf("failed to remove conversation file: %w", err)
	}
	return m.writeIndex(kept)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.eventChan)
	}
	return nil
}

func loadEntries(c *Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.fileHandle.Seek(0, io.SeekStart); err != nil {
		return err
	}

	scanner := bufio.NewScanner(c.fileHandle)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	if scanner.Scan() {
		var h store.Header
		if err := json.Unmarshal(scanner.Bytes(), &h); err != nil {
			return fmt.Errorf("failed to unmarshal header: %w", err)
		}
		c.id = h.ID
		c.header = h
	}

	for scanner.Scan() {
		var e store.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			slog.Warn("Skipping corrupt conversation entry", "path", c.filePath, "error", err)
			continue
		}
		c.entries = append(c.entries, e)
	}

	return scanner.Err()
}
