package store_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nstogner/deskpilot/pkg/store"
	"github.com/nstogner/deskpilot/pkg/store/jsonl"
)

func setupManager(t *testing.T) (*jsonl.Manager, string) {
	tempDir := t.TempDir()
	m, err := jsonl.NewManager(tempDir)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, tempDir
}

func TestConversation_AppendAndMessages(t *testing.T) {
	m, _ := setupManager(t)
	c, err := m.NewConversation(store.Header{Title: "open the settings", Mode: "computer"})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.AppendMessages(
		store.Message{Role: store.RoleUser, Content: []store.Content{store.NewText("Hello")}},
		store.Message{Role: store.RoleAssistant, Content: []store.Content{
			store.NewText("Clicking"),
			{Type: store.ContentTypeToolUse, ToolUse: &store.ToolUseContent{ID: "call-1", Name: "computer", Input: map[string]any{"action": "screenshot"}}},
		}},
		store.Message{Role: store.RoleTool, Content: []store.Content{
			store.NewToolResult(store.ToolResultContent{ToolUseID: "call-1", Content: "ok"}),
		}},
	)
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := c.Messages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text() != "Hello" {
		t.Errorf("first message = %q, want %q", msgs[0].Text(), "Hello")
	}
	if calls := msgs[1].ToolUses(); len(calls) != 1 || calls[0].ID != "call-1" {
		t.Errorf("unexpected tool uses: %+v", calls)
	}
	if msgs[2].Content[0].ToolResult.Kind() != store.ToolResultText {
		t.Errorf("tool result kind = %s, want text", msgs[2].Content[0].ToolResult.Kind())
	}
}

func TestConversation_Persistence(t *testing.T) {
	m, tempDir := setupManager(t)
	c, err := m.NewConversation(store.Header{Title: "persist", Mode: "browser", Model: "gemini-2.0-flash"})
	if err != nil {
		t.Fatal(err)
	}
	id := c.ID()
	if err := c.AppendMessages(store.Message{Role: store.RoleUser, Content: []store.Content{store.NewImage("image/png", "aGVsbG8=")}}); err != nil {
		t.Fatal(err)
	}
	if err := c.AppendRun(store.RunRecord{RunID: "run-1", Status: "completed", Turns: 2, InputTokens: 10}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c2, err := m.LoadConversation(id)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	if c2.Header().Mode != "browser" || c2.Header().Model != "gemini-2.0-flash" {
		t.Errorf("header not restored: %+v", c2.Header())
	}
	msgs, _ := c2.Messages()
	if len(msgs) != 1 || msgs[0].Content[0].Image.Source.DataURL() != "data:image/png;base64,aGVsbG8=" {
		t.Errorf("image message not restored: %+v", msgs)
	}
	runs, _ := c2.Runs()
	if len(runs) != 1 || runs[0].Status != "completed" || runs[0].Turns != 2 {
		t.Errorf("run record not restored: %+v", runs)
	}

	// Appends after reload must land after the existing entries.
	if err := c2.AppendMessages(store.Message{Role: store.RoleAssistant, Content: []store.Content{store.NewText("again")}}); err != nil {
		t.Fatal(err)
	}
	c3, err := m.LoadConversation(id)
	if err != nil {
		t.Fatal(err)
	}
	defer c3.Close()
	msgs, _ = c3.Messages()
	if len(msgs) != 2 || msgs[1].Text() != "again" {
		t.Errorf("expected appended message after reload, got %+v", msgs)
	}

	if _, err := os.Stat(filepath.Join(tempDir, "conversations", id+".jsonl")); err != nil {
		t.Errorf("conversation file missing: %v", err)
	}
}

func TestManager_ListPagination(t *testing.T) {
	m, _ := setupManager(t)

	var ids []string
	for i := 0; i < 5; i++ {
		c, err := m.NewConversation(store.Header{Title: "conv", CreatedAt: time.Now().Add(time.Duration(i) * time.Second)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID())
		c.Close()
	}

	all, err := m.ListConversations(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 conversations, got %d", len(all))
	}
	if all[0].ID != ids[4] {
		t.Errorf("expected newest first, got %s", all[0].ID)
	}

	page, err := m.ListConversations(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[2] {
		t.Errorf("unexpected page: %+v", page)
	}

	empty, err := m.ListConversations(10, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty page, got %d", len(empty))
	}
}

func TestManager_Delete(t *testing.T) {
	m, _ := setupManager(t)
	c, err := m.NewConversation(store.Header{Title: "to delete"})
	if err != nil {
		t.Fatal(err)
	}
	id := c.ID()
	c.Close()

	if err := m.DeleteConversation(id); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LoadConversation(id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := m.DeleteConversation(id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	list, _ := m.ListConversations(0, 0)
	if len(list) != 0 {
		t.Errorf("expected empty index, got %+v", list)
	}
}

func TestManager_SubscribeAndMessageCount(t *testing.T) {
	m, _ := setupManager(t)
	updates := m.Subscribe()

	c, err := m.NewConversation(store.Header{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.AppendMessages(
		store.Message{Role: store.RoleUser, Content: []store.Content{store.NewText("a")}},
		store.Message{Role: store.RoleAssistant, Content: []store.Content{store.NewText("b")}},
	); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-updates:
		if id != c.ID() {
			t.Errorf("update for %s, want %s", id, c.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for update")
	}

	list, _ := m.ListConversations(0, 0)
	if len(list) != 1 || list[0].MessageCount != 2 {
		t.Errorf("expected message count 2, got %+v", list)
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4}
	cases := []struct {
		limit, offset int
		want          int
	}{
		{0, 0, 4},
		{2, 0, 2},
		{2, 3, 1},
		{1, 9, 0},
		{-1, -1, 4},
	}
	for _, tc := range cases {
		if got := store.Page(items, tc.limit, tc.offset); len(got) != tc.want {
			t.Errorf("Page(limit=%d, offset=%d) len = %d, want %d", tc.limit, tc.offset, len(got), tc.want)
		}
	}
}

func TestManager_RejectsPathIDs(t *testing.T) {
	m, dir := setupManager(t)

	victim := filepath.Join(dir, "victim.jsonl")
	if err := os.WriteFile(victim, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"../escaped", "../../escaped", "a/b", `..\escaped`, ".", ".."} {
		if _, err := m.NewConversation(store.Header{ID: id}); !errors.Is(err, store.ErrInvalidID) {
			t.Errorf("NewConversation(%q): expected ErrInvalidID, got %v", id, err)
		}
		if _, err := m.LoadConversation(id); !errors.Is(err, store.ErrInvalidID) {
			t.Errorf("LoadConversation(%q): expected ErrInvalidID, got %v", id, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "escaped.jsonl")); !os.IsNotExist(err) {
		t.Errorf("expected no file outside the conversation dir, stat err=%v", err)
	}

	if err := m.DeleteConversation("../victim"); !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Errorf("expected victim file to survive: %v", err)
	}

	c, err := m.NewConversation(store.Header{ID: "conv-1"})
	if err != nil {
		t.Fatalf("plain id rejected: %v", err)
	}
	c.Close()
}
