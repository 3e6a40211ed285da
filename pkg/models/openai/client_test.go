package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/store"
)

func TestClient_Stream(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(helloStream))
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := c.Stream(context.Background(), models.Request{
		Model:     "gemini-test",
		Mode:      models.ModeBrowser,
		MaxTokens: 4096,
		Messages: []models.AgentMessage{
			{Role: store.RoleUser, Content: []store.Content{store.NewText("open example.com")}},
		},
		Tools: []models.ToolSpec{{Name: "browser", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	turn, err := models.Collect(s, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if turn.Message.Content[0].Text.Content != "Hello" {
		t.Errorf("unexpected turn: %+v", turn.Message)
	}

	if !got.Stream || got.Model != "gemini-test" || got.MaxTokens != 4096 {
		t.Errorf("unexpected request: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("system prompt should lead: %+v", got.Messages)
	}
	if got.Messages[0].Content != models.SystemPrompt(models.ModeBrowser) {
		t.Error("browser prompt not used")
	}
	if len(got.Tools) != 1 || got.Tools[0].Type != "function" || got.Tools[0].Function.Name != "browser" {
		t.Errorf("unexpected tools: %+v", got.Tools)
	}
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c, _ := New(Config{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := c.Stream(context.Background(), models.Request{Model: "m"})

	var apiErr *models.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Message != `{"error":{"message":"slow down"}}` {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := New(Config{APIKey: "k", BaseURL: url})
	_, err := c.Stream(context.Background(), models.Request{Model: "m"})
	var terr *models.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestClient_List(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"models/gemini-a"},{"id":"models/gemini-b"}]}`))
	}))
	defer srv.Close()

	c, _ := New(Config{APIKey: "k", BaseURL: srv.URL + "/", HTTPClient: srv.Client()})
	names, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[1] != "models/gemini-b" {
		t.Errorf("unexpected names: %v", names)
	}
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without api key")
	}
}

func TestEncodeMessage_ToolResults(t *testing.T) {
	msg := models.AgentMessage{
		Role: store.RoleTool,
		Content: []store.Content{
			store.NewToolResult(store.ToolResultContent{ToolUseID: "call_1", Image: &store.ImageSource{Type: "base64", MediaType: "image/jpeg", Data: "AAAA"}}),
			store.NewToolResult(store.ToolResultContent{ToolUseID: "call_2", IsError: true}),
		},
	}
	out := encodeMessage(msg)
	if len(out) != 3 {
		t.Fatalf("expected two tool messages and one image message, got %+v", out)
	}
	if out[0].Role != "tool" || out[0].ToolCallID != "call_1" || out[0].Content != "Screenshot attached." {
		t.Errorf("unexpected image result: %+v", out[0])
	}
	if out[1].Content != "Error" {
		t.Errorf("unexpected error result: %+v", out[1])
	}
	parts, ok := out[2].Content.([]contentPart)
	if out[2].Role != "user" || !ok || parts[0].ImageURL.URL != "data:image/jpeg;base64,AAAA" {
		t.Errorf("unexpected image message: %+v", out[2])
	}
}

func TestEncodeMessage_AssistantToolCalls(t *testing.T) {
	msg := models.AgentMessage{
		Role: store.RoleAssistant,
		Content: []store.Content{
			store.NewText("Clicking."),
			{Type: store.ContentTypeToolUse, ToolUse: &store.ToolUseContent{ID: "c1", Name: "computer", Input: map[string]any{"action": "left_click"}}},
		},
	}
	out := encodeMessage(msg)
	if len(out) != 1 || out[0].Content != "Clicking." || len(out[0].ToolCalls) != 1 {
		t.Fatalf("unexpected encoding: %+v", out)
	}
	if out[0].ToolCalls[0].Function.Arguments != `{"action":"left_click"}` {
		t.Errorf("arguments = %s", out[0].ToolCalls[0].Function.Arguments)
	}
}

func TestEncodeRequest_DropsUnsupported(t *testing.T) {
	req := models.Request{
		Messages: []models.AgentMessage{
			{Role: store.RoleAssistant, Content: []store.Content{store.NewImage("image/png", "AA")}},
			{Role: store.RoleUser, Content: []store.Content{store.NewText("hi")}},
		},
	}
	out := encodeRequest(req, "test")
	if len(out.Messages) != 2 || out.Messages[1].Role != "user" {
		t.Errorf("assistant image should be dropped: %+v", out.Messages)
	}
}
