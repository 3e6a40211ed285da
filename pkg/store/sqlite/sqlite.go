package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/deskpilot/pkg/credentials"
	"github.com/nstogner/deskpilot/pkg/store"
)

// Store implements store.Manager on SQLite. Credentials() exposes the
// api_keys table as a credentials.Store.
type Store struct {
	db          *sql.DB
	subscribers []chan string
	mu          sync.RWMutex
}

var _ store.Manager = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		voice INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		seq INTEGER NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_entries_conversation_seq ON entries(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS api_keys (
		service TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) NewConversation(h store.Header) (store.Conversation, error) {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if !store.ValidID(h.ID) {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidID, h.ID)
	}
	h.Type = store.TypeConversation
	h.Version = 1
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO conversations (id, title, mode, model, voice, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Title, h.Mode, h.Model, h.Voice, h.CreatedAt, h.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &Conversation{s: s, header: h}, nil
}

func (s *Store) LoadConversation(id string) (store.Conversation, error) {
	var h store.Header
	err := s.db.QueryRow(
		`SELECT id, title, mode, model, voice, created_at FROM conversations WHERE id=?`, id,
	).Scan(&h.ID, &h.Title, &h.Mode, &h.Model, &h.Voice, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	h.Type = store.TypeConversation
	h.Version = 1
	return &Conversation{s: s, header: h}, nil
}

func (s *Store) ListConversations(limit, offset int) ([]store.ConversationInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(`
		SELECT c.id, c.title, c.mode, c.model, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM entries e WHERE e.conversation_id = c.id AND e.type = ?)
		FROM conversations c
		ORDER BY c.updated_at DESC
		LIMIT ? OFFSET ?`, store.TypeMessage, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	infos := []store.ConversationInfo{}
	for rows.Next() {
		var info store.ConversationInfo
		if err := rows.Scan(&info.ID, &info.Title, &info.Mode, &info.Model, &info.Created, &info.Modified, &info.MessageCount); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) DeleteConversation(id string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}

func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notifySubscribers(conversationID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- conversationID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

// appendEntries inserts entries in one transaction, continuing the conversation's sequence.
func (s *Store) appendEntries(conversationID string, entries []store.Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) FROM entries WHERE conversation_id=?`, conversationID,
	).Scan(&seq); err != nil {
		return err
	}

	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		seq++
		if _, err := tx.Exec(
			`INSERT INTO entries (id, conversation_id, type, payload, timestamp, seq) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, conversationID, e.Type, string(payload), e.Timestamp, seq,
		); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}

	if _, err := tx.Exec(`UPDATE conversations SET updated_at=? WHERE id=?`, time.Now().UTC(), conversationID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notifySubscribers(conversationID)
	return nil
}

func (s *Store) entries(conversationID string, typ store.EntryType) ([]store.Entry, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM entries WHERE conversation_id=? AND type=? ORDER BY seq ASC`,
		conversationID, typ,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Entry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e store.Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Conversation is a handle on one conversation row.
type Conversation struct {
	s      *Store
	header store.Header
}

var _ store.Conversation = (*Conversation)(nil)

func (c *Conversation) ID() string           { return c.header.ID }
func (c *Conversation) Header() store.Header { return c.header }
func (c *Conversation) Close() error         { return nil }

func (c *Conversation) AppendMessages(msgs ...store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	entries := make([]store.Entry, 0, len(msgs))
	for i := range msgs {
		msg := msgs[i]
		entries = append(entries, store.Entry{Type: store.TypeMessage, ID: uuid.New().String(), Timestamp: now, Message: &msg})
	}
	return c.s.appendEntries(c.header.ID, entries)
}

func (c *Conversation) AppendRun(r store.RunRecord) error {
	return c.s.appendEntries(c.header.ID, []store.Entry{{
		Type: store.TypeRun, ID: uuid.New().String(), Timestamp: time.Now().UTC(), Run: &r,
	}})
}

func (c *Conversation) Messages() ([]store.Message, error) {
	entries, err := c.s.entries(c.header.ID, store.TypeMessage)
	if err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(entries))
	for _, e := range entries {
		if e.Message != nil {
			msgs = append(msgs, *e.Message)
		}
	}
	return msgs, nil
}

func (c *Conversation) Runs() ([]store.RunRecord, error) {
	entries, err := c.s.entries(c.header.ID, store.TypeRun)
	if err != nil {
		return nil, err
	}
	var runs []store.RunRecord
	for _, e := range entries {
		if e.Run != nil {
			runs = append(runs, *e.Run)
		}
	}
	return runs, nil
}

// Credentials returns a credentials.Store backed by the api_keys table.
func (s *Store) Credentials() *Credentials {
	return &Credentials{db: s.db}
}

// Credentials persists API keys in the database.
type Credentials struct {
	db *sql.DB
}

var _ credentials.Store = (*Credentials)(nil)

func (c *Credentials) Save(service, key string) error {
	_, err := c.db.Exec(
		`INSERT INTO api_keys (service, key, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(service) DO UPDATE SET key=excluded.key, updated_at=excluded.updated_at`,
		service, key, time.Now().UTC(),
	)
	return err
}

func (c *Credentials) Get(service string) (string, error) {
	var key string
	err := c.db.QueryRow(`SELECT key FROM api_keys WHERE service=?`, service).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", credentials.ErrNotFound, service)
	}
	return key, err
}

func (c *Credentials) Delete(service string) error {
	res, err := c.db.Exec(`DELETE FROM api_keys WHERE service=?`, service)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", credentials.ErrNotFound, service)
	}
	return nil
}
